// Package repair drives the execute-diagnose-patch loop that turns a broken
// program into a working one, or gives up once the retry budget is spent.
package repair

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autofixlabs/autofix/internal/diff"
	"github.com/autofixlabs/autofix/internal/domain"
	"github.com/autofixlabs/autofix/internal/llm"
	"github.com/autofixlabs/autofix/internal/sandbox"
)

// MaxAttemptsCeiling bounds the retry budget a caller may request.
const MaxAttemptsCeiling = 10

// ErrInvalidInput marks requests rejected before any sandbox or model use.
var ErrInvalidInput = errors.New("invalid repair input")

const successExplanation = "Code executed successfully"

// state names the phases of the repair loop. Each transition out of a
// state lives in exactly one method so termination conditions stay
// individually testable.
type state int

const (
	stateExecuting state = iota
	stateEvaluating
	statePatching
	stateDone
)

// Controller owns one repair session at a time from original code to final
// verdict. It is stateless between calls, so a single Controller serves
// concurrent sessions: all per-session state lives in the loop below.
type Controller struct {
	sandbox sandbox.Runner
	patcher llm.PatchClient
}

// New creates a repair controller over the given capabilities.
func New(runner sandbox.Runner, patcher llm.PatchClient) *Controller {
	return &Controller{sandbox: runner, patcher: patcher}
}

// Validate checks repair inputs without consuming any resources.
func Validate(code string, maxAttempts int) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: code must not be empty", ErrInvalidInput)
	}
	if maxAttempts < 1 || maxAttempts > MaxAttemptsCeiling {
		return fmt.Errorf("%w: max_retries must be between 1 and %d, got %d", ErrInvalidInput, MaxAttemptsCeiling, maxAttempts)
	}
	return nil
}

// Run drives a full repair session to completion.
//
// The returned session is non-nil whenever the inputs were valid, even on
// abort: it always carries the best code produced so far and the attempts
// completed before the failure. The error is nil for solved and unsolved
// runs, ErrInvalidInput before the loop starts, and the fatal sandbox/LLM
// error (or ctx.Err) when the session aborted.
func (c *Controller) Run(ctx context.Context, code string, maxAttempts int) (*domain.Session, error) {
	return c.run(ctx, code, maxAttempts, func(Event) bool { return true })
}

// RunStreamed drives the same loop as Run while pushing ordered progress
// events to emit: a status event before each phase, an attempt event after
// each finalized attempt, and exactly one terminal complete (or error)
// event. When emit returns false the loop stops early. The returned session
// follows the same contract as Run.
func (c *Controller) RunStreamed(ctx context.Context, code string, maxAttempts int, emit func(Event) bool) (*domain.Session, error) {
	return c.run(ctx, code, maxAttempts, emit)
}

// Stream is RunStreamed as a lazy event sequence. A validation failure
// yields a single error before any event.
func (c *Controller) Stream(ctx context.Context, code string, maxAttempts int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := Validate(code, maxAttempts); err != nil {
			yield(Event{}, err)
			return
		}
		_, _ = c.run(ctx, code, maxAttempts, func(ev Event) bool {
			return yield(ev, nil)
		})
	}
}

// loop carries the per-session mutable state of one run.
type loop struct {
	ctrl    *Controller
	session *domain.Session
	emit    func(Event) bool
	step    int
	// pending is the attempt under construction: executed, not yet
	// finalized into history.
	pending domain.Attempt
	// stopped is set when the event consumer went away mid-run.
	stopped bool
}

func (c *Controller) run(ctx context.Context, code string, maxAttempts int, emit func(Event) bool) (*domain.Session, error) {
	if err := Validate(code, maxAttempts); err != nil {
		return nil, err
	}

	l := &loop{
		ctrl: c,
		session: &domain.Session{
			ID:           uuid.NewString(),
			OriginalCode: code,
			CurrentCode:  code,
			MaxAttempts:  maxAttempts,
			Status:       domain.StatusInProgress,
			CreatedAt:    time.Now().UTC(),
		},
		emit: emit,
	}

	slog.Info("Repair session started",
		"session_id", l.session.ID,
		"max_attempts", maxAttempts,
		"code_len", len(code),
	)

	st := stateExecuting
	var err error
	for st != stateDone {
		switch st {
		case stateExecuting:
			st, err = l.executing(ctx)
		case stateEvaluating:
			st = l.evaluating()
		case statePatching:
			st, err = l.patching(ctx)
		}
		if err != nil {
			l.abort(err)
			return l.session, err
		}
		if l.stopped {
			// Consumer went away mid-run. Keep a verdict that was already
			// reached; otherwise the session ends aborted.
			if l.session.Status == domain.StatusInProgress {
				l.session.Finish(domain.StatusAborted, time.Now().UTC())
				l.session.Message = "consumer disconnected"
			}
			return l.session, nil
		}
	}

	l.emitEvent(completeEvent(l.session))
	slog.Info("Repair session finished",
		"session_id", l.session.ID,
		"status", l.session.Status,
		"attempts", len(l.session.History),
	)
	return l.session, nil
}

// executing runs the current code through the sandbox and stages the result
// as the pending attempt. Exactly one sandbox execution per iteration.
func (l *loop) executing(ctx context.Context) (state, error) {
	index := len(l.session.History) + 1
	l.emitStatus(fmt.Sprintf("Running code in sandbox (attempt %d/%d)", index, l.session.MaxAttempts))
	if l.stopped {
		return stateDone, nil
	}

	res, err := l.ctrl.sandbox.Run(ctx, l.session.CurrentCode)
	if err != nil {
		return stateDone, err
	}

	l.pending = domain.Attempt{
		Index:    index,
		Output:   res.Output,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
	}
	return stateEvaluating, nil
}

// evaluating decides between success, budget exhaustion, and another round
// of patching. Success means exit zero without a timeout; timeouts are just
// failures with a distinct marker.
func (l *loop) evaluating() state {
	l.emitStatus("Evaluating execution result")
	if l.stopped {
		return stateDone
	}

	switch {
	case l.pending.Succeeded():
		l.pending.Explanation = successExplanation
		l.finalizePending()
		l.session.Finish(domain.StatusSolved, time.Now().UTC())
		return stateDone

	case l.pending.Index >= l.session.MaxAttempts:
		l.finalizePending()
		l.session.Finish(domain.StatusUnsolved, time.Now().UTC())
		return stateDone

	default:
		return statePatching
	}
}

// patching asks the model for a fix and applies it. Malformed model output
// never kills the loop: the client's fallback policy guarantees a usable
// suggestion, and an empty replacement is re-checked here so working code
// is never destroyed. At most one patch-service call per iteration.
func (l *loop) patching(ctx context.Context) (state, error) {
	l.emitStatus("Requesting fix from the model")
	if l.stopped {
		return stateDone, nil
	}

	suggestion, err := l.ctrl.patcher.Propose(ctx, l.session.CurrentCode, l.pending.Output)
	if err != nil {
		// Connectivity failure: finalize the executed attempt so partial
		// history survives the abort.
		l.pending.Explanation = "no diagnosis available"
		l.finalizePending()
		return stateDone, err
	}

	l.pending.Explanation = suggestion.Explanation
	l.pending.Reasoning = suggestion.Reasoning

	if strings.TrimSpace(suggestion.FixedCode) == "" {
		l.pending.Diff = ""
	} else {
		// A byte-identical patch is still applied; the diff engine then
		// reports the no-changes sentinel on its own.
		l.pending.Diff = diff.Unified(l.session.CurrentCode, suggestion.FixedCode)
		l.session.CurrentCode = suggestion.FixedCode
	}

	l.finalizePending()
	return stateExecuting, nil
}

// abort marks the session terminal after a fatal error, preserving all
// finalized attempts, and emits the terminal error event in place of
// complete.
func (l *loop) abort(cause error) {
	l.session.Finish(domain.StatusAborted, time.Now().UTC())
	l.session.Message = abortMessage(cause)
	l.emitEvent(errorEvent(l.session))
	slog.Error("Repair session aborted",
		"session_id", l.session.ID,
		"attempts", len(l.session.History),
		"error", cause,
	)
}

func abortMessage(cause error) string {
	switch {
	case errors.Is(cause, context.Canceled):
		return "session canceled by caller"
	case errors.Is(cause, context.DeadlineExceeded):
		return "session deadline exceeded"
	case sandbox.IsInfra(cause):
		return fmt.Sprintf("sandbox backend failure: %v", cause)
	case llm.IsUnavailable(cause):
		return fmt.Sprintf("patch service failure: %v", cause)
	default:
		return cause.Error()
	}
}

func (l *loop) finalizePending() {
	l.session.AppendAttempt(l.pending)
	l.emitEvent(attemptEvent(l.pending))
}

func (l *loop) emitStatus(message string) {
	l.step++
	l.emitEvent(statusEvent(l.step, message))
}

func (l *loop) emitEvent(ev Event) {
	if l.stopped {
		return
	}
	if !l.emit(ev) {
		l.stopped = true
	}
}
