// Package domain holds the core data model for repair sessions.
package domain

import (
	"time"
)

// Status describes where a repair session ended up.
type Status string

const (
	// StatusInProgress is the status of a session whose loop is still running.
	StatusInProgress Status = "in_progress"
	// StatusSolved means an attempt exited zero without timing out.
	StatusSolved Status = "solved"
	// StatusUnsolved means the retry budget ran out without a clean exit.
	StatusUnsolved Status = "unsolved"
	// StatusAborted means an infrastructure failure or caller cancellation
	// stopped the loop before a verdict was reached.
	StatusAborted Status = "aborted"
)

// Attempt records one execute-then-maybe-patch iteration. Attempts are
// immutable once appended to a session and are serialized with the wire
// field names the frontend expects.
type Attempt struct {
	Index       int    `json:"attempt"`
	Output      string `json:"output"`
	ExitCode    int    `json:"exit_code"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Diff        string `json:"diff,omitempty"`
}

// Succeeded reports whether this attempt's execution counts as a fix.
// Exit status is the only oracle we have; a program that exits zero with
// wrong output is considered solved.
func (a Attempt) Succeeded() bool {
	return a.ExitCode == 0 && !a.TimedOut
}

// PatchSuggestion is the transient value produced by the patch service for
// one failed attempt. It is folded into the next Attempt and not persisted
// on its own.
type PatchSuggestion struct {
	Explanation string
	FixedCode   string
	Reasoning   string
}

// Session is one end-to-end repair run. The repair controller owns the
// session exclusively for its lifetime; nothing else mutates it.
type Session struct {
	ID           string    `json:"session_id"`
	OriginalCode string    `json:"-"`
	CurrentCode  string    `json:"final_code"`
	MaxAttempts  int       `json:"max_retries"`
	History      []Attempt `json:"history"`
	Status       Status    `json:"status"`
	// Message carries a human-readable reason when Status is aborted.
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// AppendAttempt adds a finalized attempt to the history in strict index
// order. Out-of-order appends indicate a controller bug and are dropped.
func (s *Session) AppendAttempt(a Attempt) {
	if a.Index != len(s.History)+1 {
		return
	}
	s.History = append(s.History, a)
}

// LastAttempt returns the most recent attempt, or a zero Attempt when the
// loop never completed an iteration.
func (s *Session) LastAttempt() (Attempt, bool) {
	if len(s.History) == 0 {
		return Attempt{}, false
	}
	return s.History[len(s.History)-1], true
}

// Finish marks the session terminal with the given status.
func (s *Session) Finish(status Status, now time.Time) {
	s.Status = status
	s.FinishedAt = now
}
