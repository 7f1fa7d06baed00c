// Package handler adapts the transports that carry live calls (browser
// WebSocket, telephony media streams, messenger WebRTC) to a single
// contract the call runner can drive.
package handler

// Handler is the transport-side of one live call. Implementations own
// their connection, convert between the transport's audio format and the
// provider's PCM16 stream, and surface lifecycle changes on Events.
//
// Outbound operations silently drop frames once the transport is closed.
type Handler interface {
	// Start begins reading from the transport.
	Start() error
	// HandleAudio injects inbound audio arriving outside the transport's
	// own read loop (e.g. webhook-delivered media chunks).
	HandleAudio(data []byte)
	// SendAudio queues provider PCM16 for paced delivery to the caller.
	SendAudio(pcm []byte)
	// End closes the transport. Idempotent.
	End(reason string)

	SessionID() string
	CallID() string
	IsActive() bool
	Events() <-chan Event

	// Runner hooks, driven by executor events.
	HandleTranscript(text, role string)
	HandleAgentSpeaking()
	HandleAgentListening()
	HandleUserInterrupted()
}

// Escalator is implemented by handlers whose transport can surface a
// human-escalation notice to the caller.
type Escalator interface {
	HandleEscalation(reason, urgency, summary string)
}

// Event is the sum type of handler notifications consumed by the runner.
type Event interface{ isEvent() }

// AudioReceived carries caller audio already converted to PCM16 at the
// provider's input rate.
type AudioReceived struct {
	PCM []byte
}

// CallStarted signals that the transport finished its own setup and the
// call can be bound to an executor.
type CallStarted struct{}

// CallEnded signals transport teardown. It is the final event.
type CallEnded struct {
	Reason string
}

// ErrorEvent carries a transport error that did not end the call.
type ErrorEvent struct {
	Err error
}

func (AudioReceived) isEvent() {}
func (CallStarted) isEvent()   {}
func (CallEnded) isEvent()     {}
func (ErrorEvent) isEvent()    {}
