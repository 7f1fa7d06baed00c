// Package store persists call records and transcripts. Live sessions stay
// in memory; this is the narrow interface the runner hands finished-call
// data to.
package store

import (
	"context"
	"sync"
	"time"
)

// CallRecord is the durable record of one voice call.
type CallRecord struct {
	CallID    string
	SessionID string
	ChatbotID string
	CompanyID string
	EndUserID string
	Source    string
	Provider  string
	Status    string
	StartedAt time.Time
}

// TranscriptLine is one finalized utterance within a call.
type TranscriptLine struct {
	CallID      string
	Role        string
	Content     string
	TimestampMs int64
}

// CallPersistence receives call lifecycle data. Implementations must be
// safe for concurrent use; failures are logged by the caller and never
// interrupt a live call.
type CallPersistence interface {
	RecordCall(ctx context.Context, rec CallRecord) error
	RecordTranscript(ctx context.Context, line TranscriptLine) error
	UpdateCallStatus(ctx context.Context, callID, status string, durationSeconds int) error
}

// Memory is the in-process CallPersistence used by default and in tests.
type Memory struct {
	mu          sync.Mutex
	calls       map[string]CallRecord
	transcripts map[string][]TranscriptLine
	statuses    map[string]string
	durations   map[string]int
}

var _ CallPersistence = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		calls:       make(map[string]CallRecord),
		transcripts: make(map[string][]TranscriptLine),
		statuses:    make(map[string]string),
		durations:   make(map[string]int),
	}
}

func (m *Memory) RecordCall(_ context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[rec.CallID] = rec
	m.statuses[rec.CallID] = rec.Status
	return nil
}

func (m *Memory) RecordTranscript(_ context.Context, line TranscriptLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[line.CallID] = append(m.transcripts[line.CallID], line)
	return nil
}

func (m *Memory) UpdateCallStatus(_ context.Context, callID, status string, durationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[callID] = status
	m.durations[callID] = durationSeconds
	return nil
}

// Call returns the stored record for callID.
func (m *Memory) Call(callID string) (CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	return rec, ok
}

// Transcript returns the stored lines for callID in arrival order.
func (m *Memory) Transcript(callID string) []TranscriptLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]TranscriptLine, len(m.transcripts[callID]))
	copy(lines, m.transcripts[callID])
	return lines
}

// Status returns the last status and duration recorded for callID.
func (m *Memory) Status(callID string) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[callID], m.durations[callID]
}
