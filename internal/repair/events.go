package repair

import (
	"github.com/autofixlabs/autofix/internal/domain"
)

// EventType discriminates progress events on a streaming repair run.
type EventType string

const (
	// EventStatus announces a phase transition before it happens.
	EventStatus EventType = "status"
	// EventAttempt carries a finalized attempt record.
	EventAttempt EventType = "attempt"
	// EventComplete is the single terminal event of a successful run
	// (solved or unsolved).
	EventComplete EventType = "complete"
	// EventError is the terminal event of an aborted run. It replaces
	// EventComplete; a stream never carries both.
	EventError EventType = "error"
)

// Event is one ordered progress notification. Events are emitted in strict
// chronological order and none is ever dropped.
type Event struct {
	Type EventType `json:"type"`
	// Message is the human-readable phase label on status and error events.
	Message string `json:"message,omitempty"`
	// Step is the phase index on status events, monotonically increasing
	// within a session.
	Step int `json:"step,omitempty"`
	// Data carries a *domain.Attempt on attempt events and a Summary on
	// terminal events.
	Data any `json:"data,omitempty"`
}

// Summary is the payload of terminal events: the best code produced so far
// and the final verdict.
type Summary struct {
	SessionID string        `json:"session_id"`
	FinalCode string        `json:"final_code"`
	Status    domain.Status `json:"status"`
}

func statusEvent(step int, message string) Event {
	return Event{Type: EventStatus, Message: message, Step: step}
}

func attemptEvent(a domain.Attempt) Event {
	return Event{Type: EventAttempt, Data: &a}
}

func completeEvent(s *domain.Session) Event {
	return Event{Type: EventComplete, Data: Summary{
		SessionID: s.ID,
		FinalCode: s.CurrentCode,
		Status:    s.Status,
	}}
}

func errorEvent(s *domain.Session) Event {
	return Event{Type: EventError, Message: s.Message, Data: Summary{
		SessionID: s.ID,
		FinalCode: s.CurrentCode,
		Status:    s.Status,
	}}
}
