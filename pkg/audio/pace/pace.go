// Package pace implements the paced playback queue that smooths bursty
// provider audio deltas into fixed-size transport frames.
//
// Providers deliver audio in large irregular chunks; transports want steady
// small frames (10 ms cadence by default). The queue buffers whole deltas,
// slices them into at-most-chunkSize emissions on a ticker, and absorbs
// jitter up to its capacity. When the queue is full the oldest chunks are
// dropped so live audio never falls further behind.
//
// A Queue is single-producer (the executor-side forwarding goroutine calls
// Enqueue) and single-consumer (the internal ticker invokes the callbacks).
// Callbacks are invoked from the ticker goroutine and must not block.
package pace

import (
	"sync"
	"time"
)

// Defaults per output format. Chunk sizes are bytes of PCM16 mono per tick
// (10 ms of audio at the given rate).
const (
	DefaultSendInterval = 10 * time.Millisecond
	DefaultMaxQueue     = 500

	ChunkSize16k = 320 // 10 ms PCM16 mono at 16 kHz
	ChunkSize24k = 480 // 10 ms PCM16 mono at 24 kHz
)

// ChunkSizeFor returns the default chunk size in bytes for a sample rate.
// WebRTC paths use 20 ms worth of samples as bytes (sampleRate × 0.02).
func ChunkSizeFor(sampleRate int, webrtc bool) int {
	if webrtc {
		return sampleRate / 50
	}
	switch sampleRate {
	case 16000:
		return ChunkSize16k
	case 24000:
		return ChunkSize24k
	default:
		return sampleRate / 50
	}
}

// Config configures a [Queue]. Zero values select the defaults above.
type Config struct {
	// SendInterval is the tick cadence.
	SendInterval time.Duration

	// MaxQueue is the maximum number of buffered chunks before the oldest
	// are dropped.
	MaxQueue int

	// ChunkSize is the maximum number of bytes emitted per tick.
	ChunkSize int

	// SampleRate of the queued PCM16 audio, used for duration accounting.
	SampleRate int

	// OnChunk receives each emitted chunk. Required.
	OnChunk func(chunk []byte)

	// OnPlaybackStopped fires when the queue drains and the ticker stops.
	OnPlaybackStopped func()

	// OnQueueCleared fires after Clear or Interrupt dropped n > 0 chunks.
	OnQueueCleared func(n int)

	// OnInterrupted fires after Interrupt.
	OnInterrupted func()
}

// Queue is a paced playback buffer. Create one per handler output direction
// with [New]; call [Queue.Close] when the call ends.
type Queue struct {
	cfg Config

	mu          sync.Mutex
	chunks      [][]byte
	residual    []byte // partially drained head chunk
	queuedBytes int
	playing     bool
	closed      bool

	chunksProcessed int
	chunksDropped   int

	wake chan struct{} // signals the ticker goroutine to start a playback run
	done chan struct{}
}

// New creates a Queue and starts its ticker goroutine. The goroutine idles
// until the first Enqueue and between playback runs.
func New(cfg Config) *Queue {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = ChunkSizeFor(cfg.SampleRate, false)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}

	q := &Queue{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds a provider audio delta to the queue. Empty buffers are
// ignored. When the queue is at capacity the oldest chunks are dropped until
// the new one fits. Playback starts automatically.
func (q *Queue) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for len(q.chunks) >= q.cfg.MaxQueue {
		dropped := q.chunks[0]
		q.chunks = q.chunks[1:]
		q.queuedBytes -= len(dropped)
		q.chunksDropped++
	}
	q.chunks = append(q.chunks, chunk)
	q.queuedBytes += len(chunk)
	start := !q.playing
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	if start {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Clear drops all queued chunks and the residual head buffer. If anything
// was dropped the OnQueueCleared callback fires with the chunk count.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.chunks)
	if len(q.residual) > 0 {
		n++
	}
	q.chunks = nil
	q.residual = nil
	q.queuedBytes = 0
	q.playing = false
	cb := q.cfg.OnQueueCleared
	q.mu.Unlock()

	if n > 0 && cb != nil {
		cb(n)
	}
}

// Interrupt clears the queue and stops playback, then fires OnInterrupted.
// Calling Interrupt on an already-empty queue is harmless and produces the
// same final state.
func (q *Queue) Interrupt() {
	q.Clear()
	if q.cfg.OnInterrupted != nil {
		q.cfg.OnInterrupted()
	}
}

// QueueDurationMs returns the queued audio duration in milliseconds.
func (q *Queue) QueueDurationMs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	bytesPerMs := q.cfg.SampleRate * 2 / 1000
	if bytesPerMs == 0 {
		return 0
	}
	return (q.queuedBytes + len(q.residual)) / bytesPerMs
}

// Stats returns the number of chunks emitted and dropped so far.
func (q *Queue) Stats() (processed, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chunksProcessed, q.chunksDropped
}

// IsPlaying reports whether a playback run is active.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Close stops the ticker goroutine and drops all queued audio. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.chunks = nil
	q.residual = nil
	q.queuedBytes = 0
	q.playing = false
	q.mu.Unlock()
	close(q.done)
}

// run is the ticker goroutine. It idles on wake, then ticks at SendInterval
// until the queue drains.
func (q *Queue) run() {
	ticker := time.NewTicker(q.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			select {
			case <-q.done:
				return
			case <-ticker.C:
			}

			chunk, more := q.nextChunk()
			if chunk != nil && q.cfg.OnChunk != nil {
				q.cfg.OnChunk(chunk)
			}
			if !more {
				if q.cfg.OnPlaybackStopped != nil {
					q.cfg.OnPlaybackStopped()
				}
				break
			}
		}
	}
}

// nextChunk slices up to ChunkSize bytes from the residual head buffer,
// refilling it from the queue as needed. It returns the emitted chunk (nil
// when nothing was available) and whether more data remains.
func (q *Queue) nextChunk() (chunk []byte, more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.residual) == 0 && len(q.chunks) > 0 {
		q.residual = q.chunks[0]
		q.chunks = q.chunks[1:]
		q.queuedBytes -= len(q.residual)
	}
	if len(q.residual) == 0 {
		q.playing = false
		return nil, false
	}

	n := q.cfg.ChunkSize
	if n > len(q.residual) {
		n = len(q.residual)
	}
	chunk = q.residual[:n]
	q.residual = q.residual[n:]
	q.chunksProcessed++

	if len(q.residual) == 0 && len(q.chunks) == 0 {
		q.playing = false
		return chunk, false
	}
	return chunk, true
}
