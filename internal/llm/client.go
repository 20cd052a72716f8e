// Package llm asks a language model for code fixes and defensively parses
// whatever comes back.
package llm

import (
	"context"
	"errors"

	"github.com/autofixlabs/autofix/internal/domain"
)

// ErrUnavailable marks connectivity failures of the inference backend.
// It is the only error class Propose returns: malformed model output is
// absorbed by the fallback parsing policy and never fails an attempt.
var ErrUnavailable = errors.New("patch service unavailable")

// PatchClient is the capability interface the repair controller consumes.
type PatchClient interface {
	// Propose submits failing code and its output and returns a candidate
	// fix. The suggestion always carries non-empty FixedCode; when the
	// model's answer is unusable, it echoes the input code with an
	// explanation noting the failed diagnosis.
	Propose(ctx context.Context, code, failureOutput string) (domain.PatchSuggestion, error)

	// Ping verifies the inference backend is reachable.
	Ping(ctx context.Context) error
}

// IsUnavailable reports whether err indicates an unreachable inference
// backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
