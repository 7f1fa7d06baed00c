package session

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestCreate_InsertsPending(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})

	s := m.Create(Params{
		ID: "s1", CallID: "c1", ChatbotID: "bot", CompanyID: "co",
		Source: SourceWeb, Provider: ProviderOpenAI,
	})
	if s.Status != StatusPending {
		t.Errorf("status = %q; want pending", s.Status)
	}
	if s.StartedAt.IsZero() || !s.StartedAt.Equal(s.LastActivity) {
		t.Error("startedAt and lastActivity should be set to the same instant")
	}

	got, ok := m.Get("s1")
	if !ok {
		t.Fatal("Get should find the session")
	}
	if got.ChatbotID != "bot" || got.Source != SourceWeb {
		t.Errorf("session = %+v", got)
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	if _, ok := m.Get("nope"); ok {
		t.Error("Get on missing session should report not found")
	}
}

func TestUpdateStatus_AdvancesAndTouches(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.Create(Params{ID: "s1"})

	before, _ := m.Get("s1")
	time.Sleep(5 * time.Millisecond)
	m.UpdateStatus("s1", StatusInProgress)

	after, _ := m.Get("s1")
	if after.Status != StatusInProgress {
		t.Errorf("status = %q; want in_progress", after.Status)
	}
	if !after.LastActivity.After(before.LastActivity) {
		t.Error("UpdateStatus should touch lastActivity")
	}
}

func TestUpdateStatus_TerminalIsFinal(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.Create(Params{ID: "s1"})

	m.UpdateStatus("s1", StatusCompleted)
	m.UpdateStatus("s1", StatusInProgress)

	s, _ := m.Get("s1")
	if s.Status != StatusCompleted {
		t.Errorf("status = %q; terminal sessions must not transition back", s.Status)
	}
}

func TestUpdateStatus_MissingSession_NoOp(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.UpdateStatus("ghost", StatusInProgress) // must not panic
	m.Touch("ghost")
	m.End("ghost")
}

func TestEnd_RemovesSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.Create(Params{ID: "s1"})
	m.End("s1")
	if _, ok := m.Get("s1"); ok {
		t.Error("session should be removed")
	}
}

func TestActiveIDsAndCount_SkipTerminal(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.Create(Params{ID: "s1"})
	m.Create(Params{ID: "s2"})
	m.Create(Params{ID: "s3"})
	m.UpdateStatus("s2", StatusFailed)

	if got := m.Count(); got != 2 {
		t.Errorf("Count = %d; want 2", got)
	}
	ids := m.ActiveIDs()
	if len(ids) != 2 {
		t.Fatalf("ActiveIDs = %v; want two entries", ids)
	}
	for _, id := range ids {
		if id == "s2" {
			t.Error("terminal session must not appear in ActiveIDs")
		}
	}
}

func TestCompanyAndChatbotSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, ManagerConfig{})
	m.Create(Params{ID: "s1", CompanyID: "co-a", ChatbotID: "bot-1"})
	m.Create(Params{ID: "s2", CompanyID: "co-a", ChatbotID: "bot-2"})
	m.Create(Params{ID: "s3", CompanyID: "co-b", ChatbotID: "bot-1"})

	if got := m.CompanySessions("co-a"); len(got) != 2 {
		t.Errorf("CompanySessions(co-a) = %d sessions; want 2", len(got))
	}
	if got := m.ChatbotSessions("bot-1"); len(got) != 2 {
		t.Errorf("ChatbotSessions(bot-1) = %d sessions; want 2", len(got))
	}
	if got := m.CompanySessions("co-c"); len(got) != 0 {
		t.Errorf("CompanySessions(co-c) = %v; want none", got)
	}
}

func TestSweep_SilenceTimeout(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var timedOut []string

	m := newTestManager(t, ManagerConfig{
		SilenceTimeout: 50 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
		OnTimeout: func(id string) {
			mu.Lock()
			timedOut = append(timedOut, id)
			mu.Unlock()
		},
	})

	m.Create(Params{ID: "quiet"})
	m.UpdateStatus("quiet", StatusInProgress)
	m.Create(Params{ID: "pending"}) // not in_progress: silence timer ignores it

	deadline := time.After(2 * time.Second)
	for {
		s, ok := m.Get("quiet")
		if ok && s.Status == StatusTimeout {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout session never transitioned")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timedOut) != 1 || timedOut[0] != "quiet" {
		t.Errorf("OnTimeout calls = %v; want [quiet]", timedOut)
	}

	if s, _ := m.Get("pending"); s.Status != StatusPending {
		t.Errorf("pending session status = %q; silence timer must only touch in_progress", s.Status)
	}
}

func TestSweep_ActivityResetsCountdown(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{
		SilenceTimeout: 80 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	})
	m.Create(Params{ID: "s1"})
	m.UpdateStatus("s1", StatusInProgress)

	// Keep touching for longer than the timeout: session must stay live.
	for range 10 {
		time.Sleep(15 * time.Millisecond)
		m.Touch("s1")
	}

	if s, _ := m.Get("s1"); s.Status != StatusInProgress {
		t.Errorf("status = %q; activity should reset the silence countdown", s.Status)
	}
}

func TestSweep_RemovesStaleTerminalSessions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{
		StaleAfter:    30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	m.Create(Params{ID: "old"})
	m.UpdateStatus("old", StatusCompleted)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Get("old"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("stale terminal session was never collected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShutdown_ClearsTableAndIsIdempotent(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{Logger: discardLogger()})
	m.Create(Params{ID: "s1"})

	m.Shutdown()
	m.Shutdown()

	if _, ok := m.Get("s1"); ok {
		t.Error("table should be empty after Shutdown")
	}
}
