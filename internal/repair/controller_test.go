package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/autofixlabs/autofix/internal/diff"
	"github.com/autofixlabs/autofix/internal/domain"
	"github.com/autofixlabs/autofix/internal/llm"
	"github.com/autofixlabs/autofix/internal/sandbox"
)

// fakeRunner replays scripted sandbox results. When the script runs out,
// the last entry repeats.
type fakeRunner struct {
	results []sandbox.Result
	errs    []error
	calls   int
}

func (f *fakeRunner) Run(_ context.Context, _ string) (sandbox.Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return sandbox.Result{}, f.errs[i]
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

func (f *fakeRunner) Ping(context.Context) error              { return nil }
func (f *fakeRunner) ImageReady(context.Context) (bool, error) { return true, nil }

// fakePatcher delegates to a propose function and counts calls.
type fakePatcher struct {
	propose func(code, failureOutput string) (domain.PatchSuggestion, error)
	calls   int
}

func (f *fakePatcher) Propose(_ context.Context, code, failureOutput string) (domain.PatchSuggestion, error) {
	f.calls++
	return f.propose(code, failureOutput)
}

func (f *fakePatcher) Ping(context.Context) error { return nil }

func fixWith(fixed string) *fakePatcher {
	return &fakePatcher{propose: func(_, _ string) (domain.PatchSuggestion, error) {
		return domain.PatchSuggestion{Explanation: "fixed it", FixedCode: fixed}, nil
	}}
}

func echoPatcher() *fakePatcher {
	return &fakePatcher{propose: func(code, _ string) (domain.PatchSuggestion, error) {
		return domain.PatchSuggestion{Explanation: "no idea, trying again", FixedCode: code}, nil
	}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		maxAttempts int
		wantErr     bool
	}{
		{"valid", "print(1)", 3, false},
		{"min budget", "print(1)", 1, false},
		{"max budget", "print(1)", 10, false},
		{"empty code", "", 3, true},
		{"whitespace code", "  \n\t ", 3, true},
		{"zero budget", "print(1)", 0, true},
		{"negative budget", "print(1)", -1, true},
		{"budget above ceiling", "print(1)", 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.code, tt.maxAttempts)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("Expected ErrInvalidInput, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestRunRejectsBeforeAnyResourceUse(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{{ExitCode: 0}}}
	patcher := fixWith("print(1)")
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "print(1)", 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if session != nil {
		t.Error("Expected no session for invalid input")
	}
	if runner.calls != 0 || patcher.calls != 0 {
		t.Errorf("Expected no sandbox or patch calls, got %d/%d", runner.calls, patcher.calls)
	}
}

func TestRunFirstAttemptSucceeds(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{{Output: "42\n", ExitCode: 0}}}
	patcher := fixWith("unused")
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "print(42)", 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.StatusSolved {
		t.Errorf("Expected solved, got %s", session.Status)
	}
	if len(session.History) != 1 {
		t.Errorf("Expected 1 attempt, got %d", len(session.History))
	}
	if patcher.calls != 0 {
		t.Errorf("Expected no patch calls on immediate success, got %d", patcher.calls)
	}
	if session.CurrentCode != "print(42)" {
		t.Errorf("Expected code untouched, got %q", session.CurrentCode)
	}
	if session.History[0].Explanation != successExplanation {
		t.Errorf("Expected success explanation, got %q", session.History[0].Explanation)
	}
}

func TestRunSolvedOnSecondAttempt(t *testing.T) {
	// Scenario: print(1/0) fails with a division error, the model proposes
	// print(1/1), the second run exits clean.
	runner := &fakeRunner{results: []sandbox.Result{
		{Output: "ZeroDivisionError: division by zero", ExitCode: 1},
		{Output: "1\n", ExitCode: 0},
	}}
	patcher := fixWith("print(1/1)")
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "print(1/0)", 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.StatusSolved {
		t.Errorf("Expected solved, got %s", session.Status)
	}
	if len(session.History) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(session.History))
	}
	if !strings.Contains(session.CurrentCode, "1/1") {
		t.Errorf("Expected final code with the fix, got %q", session.CurrentCode)
	}
	if session.OriginalCode != "print(1/0)" {
		t.Errorf("Original code must stay immutable, got %q", session.OriginalCode)
	}

	first := session.History[0]
	if first.ExitCode != 1 || !strings.Contains(first.Output, "ZeroDivisionError") {
		t.Errorf("Unexpected first attempt record: %+v", first)
	}
	if !strings.Contains(first.Diff, "+print(1/1)") {
		t.Errorf("Expected diff with added line, got %q", first.Diff)
	}
	if runner.calls != 2 || patcher.calls != 1 {
		t.Errorf("Expected 2 runs and 1 patch call, got %d/%d", runner.calls, patcher.calls)
	}
}

func TestRunIdenticalPatchExhaustsBudget(t *testing.T) {
	// Scenario: the model returns the unchanged code every time.
	runner := &fakeRunner{results: []sandbox.Result{
		{Output: "NameError: name 'foo' is not defined", ExitCode: 1},
	}}
	patcher := echoPatcher()
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "foo()", 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.StatusUnsolved {
		t.Errorf("Expected unsolved, got %s", session.Status)
	}
	if len(session.History) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(session.History))
	}
	if session.CurrentCode != "foo()" {
		t.Errorf("Expected code unchanged, got %q", session.CurrentCode)
	}
	// An identical patch is still applied; the diff engine reports the
	// sentinel rather than an empty hunk.
	if session.History[0].Diff != diff.NoChanges {
		t.Errorf("Expected %q diff, got %q", diff.NoChanges, session.History[0].Diff)
	}
	// The final attempt never reaches patching.
	if patcher.calls != 1 {
		t.Errorf("Expected 1 patch call, got %d", patcher.calls)
	}
}

func TestRunConsumesFullBudget(t *testing.T) {
	for _, budget := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("budget %d", budget), func(t *testing.T) {
			runner := &fakeRunner{results: []sandbox.Result{{Output: "boom", ExitCode: 1}}}
			c := New(runner, fixWith("still_broken()"))

			session, err := c.Run(context.Background(), "broken()", budget)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if session.Status != domain.StatusUnsolved {
				t.Errorf("Expected unsolved, got %s", session.Status)
			}
			if len(session.History) != budget {
				t.Errorf("Expected history length %d, got %d", budget, len(session.History))
			}
			if runner.calls != budget {
				t.Errorf("Expected %d sandbox runs, got %d", budget, runner.calls)
			}
		})
	}
}

func TestRunTimeoutCountsAsFailedAttempt(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{
		{Output: "TIMEOUT ERROR", ExitCode: 124, TimedOut: true},
		{Output: "done\n", ExitCode: 0},
	}}
	patcher := fixWith("print('done')")
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "while True: pass", 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.StatusSolved {
		t.Errorf("Expected solved after timeout retry, got %s", session.Status)
	}
	first := session.History[0]
	if !first.TimedOut || first.ExitCode != 124 {
		t.Errorf("Expected timed-out attempt record, got %+v", first)
	}
	if patcher.calls != 1 {
		t.Errorf("Expected timeout to trigger patching, got %d calls", patcher.calls)
	}
}

func TestRunEmptyPatchDoesNotReplaceCode(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{{Output: "boom", ExitCode: 1}}}
	// A misbehaving client returning whitespace-only code must not wipe out
	// the current snapshot.
	patcher := &fakePatcher{propose: func(_, _ string) (domain.PatchSuggestion, error) {
		return domain.PatchSuggestion{Explanation: "no diagnosis available", FixedCode: "  \n "}, nil
	}}
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "broken()", 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.StatusUnsolved {
		t.Errorf("Expected unsolved, got %s", session.Status)
	}
	if session.CurrentCode != "broken()" {
		t.Errorf("Expected code preserved against empty patch, got %q", session.CurrentCode)
	}
	if len(session.History) != 2 {
		t.Errorf("Expected the budget consumed exactly as with well-formed patches, got %d attempts", len(session.History))
	}
	if session.History[0].Diff != "" {
		t.Errorf("Expected no diff for a skipped patch, got %q", session.History[0].Diff)
	}
}

func TestRunSandboxInfraErrorAborts(t *testing.T) {
	infraErr := fmt.Errorf("%w: docker daemon unreachable", sandbox.ErrInfra)
	runner := &fakeRunner{errs: []error{infraErr}}
	patcher := fixWith("unused")
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "print(1)", 3)
	if !sandbox.IsInfra(err) {
		t.Fatalf("Expected infra error, got %v", err)
	}
	if session == nil {
		t.Fatal("Expected session with partial state on abort")
	}
	if session.Status != domain.StatusAborted {
		t.Errorf("Expected aborted, got %s", session.Status)
	}
	if len(session.History) != 0 {
		t.Errorf("Expected empty history, got %d", len(session.History))
	}
	if session.CurrentCode != "print(1)" {
		t.Errorf("Caller must still receive the best code so far, got %q", session.CurrentCode)
	}
	if session.Message == "" {
		t.Error("Expected a descriptive abort message")
	}
	if patcher.calls != 0 {
		t.Errorf("Expected no patch calls after sandbox abort, got %d", patcher.calls)
	}
}

func TestRunSandboxInfraErrorMidSessionKeepsHistory(t *testing.T) {
	runner := &fakeRunner{
		results: []sandbox.Result{{Output: "boom", ExitCode: 1}},
		errs:    []error{nil, fmt.Errorf("%w: daemon died", sandbox.ErrInfra)},
	}
	c := New(runner, fixWith("patched()"))

	session, err := c.Run(context.Background(), "broken()", 5)
	if !sandbox.IsInfra(err) {
		t.Fatalf("Expected infra error, got %v", err)
	}
	if len(session.History) != 1 {
		t.Errorf("Expected 1 completed attempt preserved, got %d", len(session.History))
	}
	// The patch from attempt 1 was applied before the backend died.
	if session.CurrentCode != "patched()" {
		t.Errorf("Expected best code so far, got %q", session.CurrentCode)
	}
}

func TestRunPatchServiceUnavailableAborts(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{{Output: "boom", ExitCode: 1}}}
	patcher := &fakePatcher{propose: func(_, _ string) (domain.PatchSuggestion, error) {
		return domain.PatchSuggestion{}, fmt.Errorf("%w: connection refused", llm.ErrUnavailable)
	}}
	c := New(runner, patcher)

	session, err := c.Run(context.Background(), "broken()", 3)
	if !llm.IsUnavailable(err) {
		t.Fatalf("Expected unavailable error, got %v", err)
	}
	if session.Status != domain.StatusAborted {
		t.Errorf("Expected aborted, got %s", session.Status)
	}
	// The executed attempt survives the abort with a best-effort note.
	if len(session.History) != 1 {
		t.Fatalf("Expected 1 attempt in history, got %d", len(session.History))
	}
	if session.History[0].Explanation != "no diagnosis available" {
		t.Errorf("Expected best-effort explanation, got %q", session.History[0].Explanation)
	}
}

func TestRunCancellationAborts(t *testing.T) {
	runner := &fakeRunner{errs: []error{context.Canceled}}
	c := New(runner, fixWith("unused"))

	session, err := c.Run(context.Background(), "print(1)", 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if session.Status != domain.StatusAborted {
		t.Errorf("Expected aborted, got %s", session.Status)
	}
	if !strings.Contains(session.Message, "canceled") {
		t.Errorf("Expected cancellation message, got %q", session.Message)
	}
}

func TestRunSolvedImpliesLastAttemptSucceeded(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{
		{Output: "boom", ExitCode: 1},
		{Output: "boom", ExitCode: 1},
		{Output: "", ExitCode: 0},
	}}
	c := New(runner, fixWith("fixed()"))

	session, err := c.Run(context.Background(), "broken()", 5)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Status != domain.StatusSolved {
		t.Fatalf("Expected solved, got %s", session.Status)
	}
	last, ok := session.LastAttempt()
	if !ok || !last.Succeeded() {
		t.Errorf("Solved session must end in a succeeded attempt, got %+v", last)
	}
	if len(session.History) > session.MaxAttempts {
		t.Errorf("History %d exceeds budget %d", len(session.History), session.MaxAttempts)
	}
}

func collectEvents(t *testing.T, c *Controller, code string, maxAttempts int) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range c.Stream(context.Background(), code, maxAttempts) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestStreamEventOrdering(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{
		{Output: "boom", ExitCode: 1},
		{Output: "ok\n", ExitCode: 0},
	}}
	c := New(runner, fixWith("fixed()"))

	events, err := collectEvents(t, c, "broken()", 3)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("Expected events")
	}

	if events[0].Type != EventStatus {
		t.Errorf("Expected leading status event, got %s", events[0].Type)
	}

	var attempts, terminals int
	lastStep := 0
	for i, ev := range events {
		switch ev.Type {
		case EventStatus:
			if ev.Step <= lastStep {
				t.Errorf("Status steps must increase: %d after %d", ev.Step, lastStep)
			}
			lastStep = ev.Step
		case EventAttempt:
			attempts++
			a, ok := ev.Data.(*domain.Attempt)
			if !ok {
				t.Fatalf("Attempt event carries %T", ev.Data)
			}
			if a.Index != attempts {
				t.Errorf("Attempt events out of order: got index %d at position %d", a.Index, attempts)
			}
		case EventComplete, EventError:
			terminals++
			if i != len(events)-1 {
				t.Errorf("Terminal event at position %d of %d", i, len(events))
			}
		}
	}

	if attempts != 2 {
		t.Errorf("Expected 2 attempt events, got %d", attempts)
	}
	if terminals != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", terminals)
	}

	final := events[len(events)-1]
	if final.Type != EventComplete {
		t.Fatalf("Expected complete terminal, got %s", final.Type)
	}
	summary, ok := final.Data.(Summary)
	if !ok {
		t.Fatalf("Complete event carries %T", final.Data)
	}
	if summary.Status != domain.StatusSolved || summary.FinalCode != "fixed()" {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestStreamAbortEndsWithErrorEvent(t *testing.T) {
	runner := &fakeRunner{errs: []error{fmt.Errorf("%w: image missing", sandbox.ErrInfra)}}
	c := New(runner, fixWith("unused"))

	events, err := collectEvents(t, c, "print(1)", 3)
	if err != nil {
		t.Fatalf("Stream yielded error pair: %v", err)
	}

	final := events[len(events)-1]
	if final.Type != EventError {
		t.Fatalf("Expected error terminal, got %s", final.Type)
	}
	if final.Message == "" {
		t.Error("Expected descriptive message on error event")
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type == EventComplete || ev.Type == EventError {
			t.Error("Terminal event emitted before the end of the stream")
		}
	}
}

func TestStreamValidationError(t *testing.T) {
	c := New(&fakeRunner{results: []sandbox.Result{{}}}, fixWith("unused"))

	events, err := collectEvents(t, c, "", 3)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events before validation failure, got %d", len(events))
	}
}

func TestStreamConsumerStopsEarly(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.Result{{Output: "boom", ExitCode: 1}}}
	c := New(runner, echoPatcher())

	// Abandon the stream after the first event; the loop must stop without
	// burning the remaining budget.
	for range c.Stream(context.Background(), "broken()", 10) {
		break
	}
	if runner.calls > 1 {
		t.Errorf("Expected at most 1 sandbox run after early stop, got %d", runner.calls)
	}
}
