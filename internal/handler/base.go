package handler

import "sync"

const eventBuffer = 64

// Base carries the identity, activity flag, and event stream shared by all
// handler variants. Concrete handlers embed it and emit through it.
type Base struct {
	sessionID string
	callID    string

	mu     sync.Mutex
	active bool
	ended  bool
	events chan Event
	done   chan struct{}
}

// NewBase initialises shared handler state for one call.
func NewBase(sessionID, callID string) *Base {
	return &Base{
		sessionID: sessionID,
		callID:    callID,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this transport serves.
func (b *Base) SessionID() string { return b.sessionID }

// CallID returns the call identifier.
func (b *Base) CallID() string { return b.callID }

// IsActive reports whether the transport is open for outbound frames.
func (b *Base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// SetActive flips the activity flag.
func (b *Base) SetActive(v bool) {
	b.mu.Lock()
	b.active = v
	b.mu.Unlock()
}

// Events returns the handler's event stream.
func (b *Base) Events() <-chan Event { return b.events }

// Done is closed when the handler has ended for good. Lets the server
// hold a connection open until teardown without consuming Events.
func (b *Base) Done() <-chan struct{} { return b.done }

// emit delivers ev unless the handler has ended. The events channel is
// never closed, so a concurrent emit cannot race a close.
func (b *Base) emit(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// EmitAudioReceived emits caller audio. Empty buffers are dropped.
func (b *Base) EmitAudioReceived(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.emit(AudioReceived{PCM: pcm})
}

// EmitCallStarted emits [CallStarted].
func (b *Base) EmitCallStarted() {
	b.emit(CallStarted{})
}

// EmitError emits a non-fatal [ErrorEvent].
func (b *Base) EmitError(err error) {
	if err == nil {
		return
	}
	b.emit(ErrorEvent{Err: err})
}

// EmitCallEnded deactivates the handler, emits the final [CallEnded], and
// closes Done. The events channel stays open; closing it would race
// emitters still in flight. Safe to call once per Base lifetime; later
// calls are no-ops.
func (b *Base) EmitCallEnded(reason string) {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	b.active = false
	b.mu.Unlock()

	select {
	case b.events <- CallEnded{Reason: reason}:
	default:
	}
	close(b.done)
}
