// Package executor defines the provider-side contract of a call: an Executor
// speaks one realtime voice-AI protocol and surfaces a normalized, sum-typed
// event stream that the call runner consumes.
//
// Two implementations exist: [github.com/voxgate/voxgate/pkg/executor/openai]
// (WebSocket realtime API, PCM16 at 24 kHz both directions) and
// [github.com/voxgate/voxgate/pkg/executor/gemini] (Live API, PCM16 in at
// 16 kHz, out at 24 kHz). Both are safe for concurrent use and long-lived:
// the executor cache keeps connected executors across calls for the same
// chatbot.
package executor

import (
	"context"
	"errors"
	"time"
)

// DefaultSystemPrompt is used when a chatbot config carries no prompt.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// DefaultKnowledgeThreshold is the minimum relevance score for knowledge
// search results when the chatbot config does not override it.
const DefaultKnowledgeThreshold = 0.3

// InterruptionDebounce is the minimum gap between two user interruptions;
// VAD re-triggers inside the window are ignored.
const InterruptionDebounce = 100 * time.Millisecond

// ConnectTimeout bounds provider connection establishment.
const ConnectTimeout = 10 * time.Second

// ErrNotConnected is returned by SendAudio and CancelResponse when the
// provider session is not established.
var ErrNotConnected = errors.New("executor: not connected")

// Executor is one attachment to a provider realtime session.
type Executor interface {
	// Connect establishes the provider session. It must complete within
	// [ConnectTimeout] and is a no-op when already connected.
	Connect(ctx context.Context) error

	// Disconnect closes the provider session and eventually emits
	// [ConnectionClosed]. Idempotent.
	Disconnect() error

	// SendAudio delivers PCM16 mono audio at [Executor.InputSampleRate].
	SendAudio(pcm []byte) error

	// CancelResponse interrupts the in-flight model response (barge-in).
	CancelResponse() error

	// IsConnected reports whether the provider session is live.
	IsConnected() bool

	// IsSpeaking reports whether the model is mid-response.
	IsSpeaking() bool

	// InputSampleRate is the PCM16 rate the provider expects from SendAudio.
	InputSampleRate() int

	// OutputSampleRate is the PCM16 rate of [AudioDelta] payloads.
	OutputSampleRate() int

	// Events returns the normalized event stream. [ConnectionClosed] is
	// the final event when the session ends for good; the channel itself
	// stays open so concurrent emitters never race a close.
	Events() <-chan Event
}

// Event is the sum type of everything an executor can emit. Consumers
// type-switch over the concrete variants below.
type Event interface {
	isEvent()
}

// AudioDelta carries one chunk of synthesized speech, PCM16 mono at the
// executor's output rate.
type AudioDelta struct {
	PCM []byte
}

// TranscriptDelta carries recognized user speech or generated agent text.
type TranscriptDelta struct {
	// Role is "user" or "assistant".
	Role string

	Content     string
	TimestampMs int64

	// IsFinal marks the last delta of an utterance.
	IsFinal bool
}

// AgentSpeaking signals the start of a model response.
type AgentSpeaking struct{}

// AgentListening signals the model finished or abandoned its response.
type AgentListening struct{}

// UserInterrupted signals a barge-in: the user spoke while the agent was
// speaking and the in-flight response was cancelled. It always precedes the
// next [AgentSpeaking].
type UserInterrupted struct{}

// TurnComplete signals the end of a full model turn.
type TurnComplete struct{}

// FunctionCall reports a tool invocation requested by the model. The
// executor dispatches the tool itself; this event is informational.
type FunctionCall struct {
	Name      string
	Arguments string
	CallID    string
}

// Escalate reports a tool result that requested human handover.
type Escalate struct {
	Reason         string
	Urgency        string
	Summary        string
	ConversationID string
}

// ErrorEvent carries a non-fatal provider error scoped to this call.
type ErrorEvent struct {
	Err error
}

// ConnectionClosed signals the provider session ended. It is the last event
// on the stream.
type ConnectionClosed struct {
	Err error
}

func (AudioDelta) isEvent()       {}
func (TranscriptDelta) isEvent()  {}
func (AgentSpeaking) isEvent()    {}
func (AgentListening) isEvent()   {}
func (UserInterrupted) isEvent()  {}
func (TurnComplete) isEvent()     {}
func (FunctionCall) isEvent()     {}
func (Escalate) isEvent()         {}
func (ErrorEvent) isEvent()       {}
func (ConnectionClosed) isEvent() {}
