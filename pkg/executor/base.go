package executor

import (
	"sync"
	"time"
)

// eventBuffer is the depth of the normalized event channel. Audio deltas
// dominate the stream; the runner drains continuously, so the buffer only
// has to absorb short scheduling hiccups.
const eventBuffer = 128

// Base carries the state and emit helpers shared by both executor variants.
// Concrete executors embed it and call the emit methods from their receive
// loops; Base enforces the speaking/connected flag invariants so the
// variants cannot drift apart.
type Base struct {
	mu        sync.Mutex
	events    chan Event
	done      chan struct{}
	connected bool
	speaking  bool

	// Interruption debouncing.
	lastInterruption  time.Time
	interruptionCount int
	cancelling        bool
	cancelledAt       time.Time
}

// NewBase initialises the shared executor state with a fresh event stream.
func NewBase() *Base {
	return &Base{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the normalized event stream.
func (b *Base) Events() <-chan Event { return b.events }

// IsConnected reports whether the provider session is live.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// IsSpeaking reports whether the model is mid-response.
func (b *Base) IsSpeaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// SetConnected flips the connected flag (used by Connect on success).
func (b *Base) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// emit delivers ev unless the executor has shut down. The events channel
// is never closed, so a concurrent emit cannot race a close.
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

// EmitAudioDelta emits a synthesized audio chunk. Empty chunks are dropped.
func (b *Base) EmitAudioDelta(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.emit(AudioDelta{PCM: pcm})
}

// EmitTranscriptDelta emits a transcript fragment.
func (b *Base) EmitTranscriptDelta(role, content string, isFinal bool) {
	if content == "" {
		return
	}
	b.emit(TranscriptDelta{
		Role:        role,
		Content:     content,
		TimestampMs: time.Now().UnixMilli(),
		IsFinal:     isFinal,
	})
}

// EmitAgentSpeaking marks the model as speaking and emits [AgentSpeaking].
func (b *Base) EmitAgentSpeaking() {
	b.mu.Lock()
	b.speaking = true
	b.mu.Unlock()
	b.emit(AgentSpeaking{})
}

// EmitAgentListening clears the speaking flag and emits [AgentListening].
func (b *Base) EmitAgentListening() {
	b.mu.Lock()
	b.speaking = false
	b.mu.Unlock()
	b.emit(AgentListening{})
}

// EmitUserInterrupted emits [UserInterrupted].
func (b *Base) EmitUserInterrupted() {
	b.emit(UserInterrupted{})
}

// EmitTurnComplete emits [TurnComplete].
func (b *Base) EmitTurnComplete() {
	b.emit(TurnComplete{})
}

// EmitFunctionCall emits [FunctionCall].
func (b *Base) EmitFunctionCall(name, arguments, callID string) {
	b.emit(FunctionCall{Name: name, Arguments: arguments, CallID: callID})
}

// EmitEscalate emits [Escalate].
func (b *Base) EmitEscalate(reason, urgency, summary, conversationID string) {
	b.emit(Escalate{Reason: reason, Urgency: urgency, Summary: summary, ConversationID: conversationID})
}

// EmitError emits a non-fatal [ErrorEvent].
func (b *Base) EmitError(err error) {
	if err == nil {
		return
	}
	b.emit(ErrorEvent{Err: err})
}

// EmitConnectionClosed clears the connected flag, emits the final
// [ConnectionClosed], and unblocks all pending emitters. The events
// channel stays open; closing it would race emitters still in flight.
func (b *Base) EmitConnectionClosed(err error) {
	b.mu.Lock()
	if !b.connected && b.doneClosed() {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.speaking = false
	b.mu.Unlock()

	select {
	case b.events <- ConnectionClosed{Err: err}:
	default:
	}
	b.closeDone()
}

func (b *Base) doneClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Base) closeDone() {
	if !b.doneClosed() {
		close(b.done)
	}
}

// DebounceInterruption reports whether a new user interruption should be
// acted on. Re-triggers within [InterruptionDebounce] of the previous one
// are suppressed; accepted interruptions bump the counter.
func (b *Base) DebounceInterruption() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.Sub(b.lastInterruption) < InterruptionDebounce {
		return false
	}
	b.lastInterruption = now
	b.interruptionCount++
	return true
}

// BeginCancel marks the start of a response cancellation. Provider errors
// arriving while cancelling, or within window after it, are races with the
// cancelled response and should be suppressed.
func (b *Base) BeginCancel() {
	b.mu.Lock()
	b.cancelling = true
	b.cancelledAt = time.Now()
	b.speaking = false
	b.mu.Unlock()
}

// EndCancel clears the cancelling flag (scheduled 1 s after BeginCancel).
func (b *Base) EndCancel() {
	b.mu.Lock()
	b.cancelling = false
	b.mu.Unlock()
}

// InCancelWindow reports whether an incoming provider error coincides with
// an in-flight or just-finished cancellation of duration window.
func (b *Base) InCancelWindow(window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelling {
		return true
	}
	return !b.cancelledAt.IsZero() && time.Since(b.cancelledAt) < window
}

// InterruptionCount returns the number of accepted interruptions.
func (b *Base) InterruptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interruptionCount
}
