package excache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/executor"
)

// fakeExecutor counts Disconnect calls; everything else is inert.
type fakeExecutor struct {
	disconnects atomic.Int32
	events      chan executor.Event
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{events: make(chan executor.Event)}
}

func (f *fakeExecutor) Connect(context.Context) error { return nil }
func (f *fakeExecutor) Disconnect() error {
	f.disconnects.Add(1)
	return nil
}
func (f *fakeExecutor) SendAudio([]byte) error        { return nil }
func (f *fakeExecutor) CancelResponse() error         { return nil }
func (f *fakeExecutor) IsConnected() bool             { return true }
func (f *fakeExecutor) IsSpeaking() bool              { return false }
func (f *fakeExecutor) InputSampleRate() int          { return 24000 }
func (f *fakeExecutor) OutputSampleRate() int         { return 24000 }
func (f *fakeExecutor) Events() <-chan executor.Event { return f.events }

var _ executor.Executor = (*fakeExecutor)(nil)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	cfg.Logger = slog.New(slog.DiscardHandler)
	c := New(cfg)
	t.Cleanup(c.Close)
	return c
}

// waitDisconnects polls until the executor saw want Disconnect calls.
func waitDisconnects(t *testing.T, f *fakeExecutor, want int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for f.disconnects.Load() != want {
		select {
		case <-deadline:
			t.Fatalf("disconnects = %d; want %d", f.disconnects.Load(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGet_Miss(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})
	if _, ok := c.Get("nope"); ok {
		t.Error("Get on empty cache should miss")
	}
}

func TestSetGet_Hit(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})
	f := newFakeExecutor()
	c.Set("bot", f)

	got, ok := c.Get("bot")
	if !ok {
		t.Fatal("Get should hit")
	}
	if got != executor.Executor(f) {
		t.Error("Get returned a different executor")
	}
	if f.disconnects.Load() != 0 {
		t.Error("cached executor must not be disconnected")
	}
}

func TestGet_ExpiredEntry_EvictedAndDisconnected(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{
		InactivityTTL:   20 * time.Millisecond,
		CleanupInterval: time.Hour, // lookup path only
	})
	f := newFakeExecutor()
	c.Set("bot", f)

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get("bot"); ok {
		t.Fatal("expired entry should miss")
	}
	waitDisconnects(t, f, 1)

	if _, ok := c.Get("bot"); ok {
		t.Error("entry should be gone after expiry eviction")
	}
	if got := f.disconnects.Load(); got != 1 {
		t.Errorf("disconnects = %d; eviction must disconnect exactly once", got)
	}
}

func TestSet_LRUEviction_PrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{MaxSize: 3, CleanupInterval: time.Hour})

	f1, f2, f3, f4 := newFakeExecutor(), newFakeExecutor(), newFakeExecutor(), newFakeExecutor()
	c.Set("c1", f1)
	time.Sleep(2 * time.Millisecond)
	c.Set("c2", f2)
	time.Sleep(2 * time.Millisecond)
	c.Set("c3", f3)
	time.Sleep(2 * time.Millisecond)

	// Touch c1 so c2 becomes the least recently used.
	if _, ok := c.Get("c1"); !ok {
		t.Fatal("c1 should hit")
	}
	time.Sleep(2 * time.Millisecond)

	c.Set("c4", f4)

	for _, id := range []string{"c1", "c3", "c4"} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("%s should survive eviction", id)
		}
	}
	if _, ok := c.Get("c2"); ok {
		t.Error("c2 should have been evicted as least recently used")
	}
	waitDisconnects(t, f2, 1)
	for _, f := range []*fakeExecutor{f1, f3, f4} {
		if f.disconnects.Load() != 0 {
			t.Error("surviving executors must not be disconnected")
		}
	}
}

func TestSet_ExistingKey_NoEviction(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{MaxSize: 2, CleanupInterval: time.Hour})

	f1, f2, f2b := newFakeExecutor(), newFakeExecutor(), newFakeExecutor()
	c.Set("c1", f1)
	c.Set("c2", f2)
	c.Set("c2", f2b) // replace in place: full cache, but key is not new

	if _, ok := c.Get("c1"); !ok {
		t.Error("replacing an existing key must not evict others")
	}
	got, _ := c.Get("c2")
	if got != executor.Executor(f2b) {
		t.Error("Set should replace the stored executor")
	}
}

func TestInvalidate_DisconnectsAndRemoves(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})
	f := newFakeExecutor()
	c.Set("bot", f)

	c.Invalidate("bot")

	if _, ok := c.Get("bot"); ok {
		t.Error("invalidated entry should be gone")
	}
	if got := f.disconnects.Load(); got != 1 {
		t.Errorf("disconnects = %d; want 1", got)
	}

	c.Invalidate("bot") // second call is a no-op
	if got := f.disconnects.Load(); got != 1 {
		t.Errorf("disconnects after double invalidate = %d; want 1", got)
	}
}

func TestClear_DisconnectsAll(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})
	f1, f2 := newFakeExecutor(), newFakeExecutor()
	c.Set("c1", f1)
	c.Set("c2", f2)

	c.Clear()

	if got := c.Stats().Size; got != 0 {
		t.Errorf("size after Clear = %d; want 0", got)
	}
	if f1.disconnects.Load() != 1 || f2.disconnects.Load() != 1 {
		t.Error("Clear must disconnect every entry")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{MaxSize: 10, InactivityTTL: time.Hour})
	c.Set("c1", newFakeExecutor())
	c.Set("c2", newFakeExecutor())

	s := c.Stats()
	if s.Size != 2 || s.MaxSize != 10 || s.InactivityTTL != time.Hour {
		t.Errorf("stats = %+v", s)
	}
	if len(s.Entries) != 2 {
		t.Fatalf("entries = %v; want 2", s.Entries)
	}
	for _, e := range s.Entries {
		if e.IdleTime < 0 {
			t.Errorf("idle time = %v; want non-negative", e.IdleTime)
		}
	}
}

func TestCache_ReportsOccupancyGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	c := newTestCache(t, Config{Metrics: met})
	c.Set("c1", newFakeExecutor())
	c.Set("c2", newFakeExecutor())
	c.Set("c1", newFakeExecutor()) // replace in place: occupancy unchanged
	c.Invalidate("c2")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxgate.cached_executors" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatal("gauge has no data points")
			}
			if got := sum.DataPoints[0].Value; got != 1 {
				t.Errorf("gauge value = %d; want 1", got)
			}
			return
		}
	}
	t.Error("voxgate.cached_executors was not recorded")
}

func TestCleanupLoop_EvictsExpired(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{
		InactivityTTL:   20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	f := newFakeExecutor()
	c.Set("bot", f)

	waitDisconnects(t, f, 1)
	if got := c.Stats().Size; got != 0 {
		t.Errorf("size = %d; background cleanup should have evicted", got)
	}
}
