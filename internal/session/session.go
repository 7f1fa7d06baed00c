package session

import "time"

// Source identifies the transport a call arrived on.
type Source string

const (
	SourceWeb      Source = "web"
	SourceWhatsApp Source = "whatsapp"
	SourceTwilio   Source = "twilio"
	SourceVonage   Source = "vonage"
)

// Provider identifies the realtime AI backend serving a call.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Status is the call lifecycle state. Live statuses may advance (skipping
// intermediates is allowed); terminal statuses are final.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Session is one live or recently-ended call. Values returned by the manager
// are snapshots; mutate only through manager operations.
type Session struct {
	ID        string
	CallID    string
	ChatbotID string
	CompanyID string
	EndUserID string

	Source   Source
	Provider Provider
	Status   Status

	StartedAt    time.Time
	LastActivity time.Time
}

// Params carries the caller-supplied fields of a new session.
type Params struct {
	ID        string
	CallID    string
	ChatbotID string
	CompanyID string
	EndUserID string
	Source    Source
	Provider  Provider
}
