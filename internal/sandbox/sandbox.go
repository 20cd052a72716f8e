// Package sandbox executes untrusted code in isolated, resource-capped
// Docker containers.
package sandbox

import (
	"context"
	"errors"
)

// ErrInfra marks failures of the isolation backend itself: daemon
// unreachable, sandbox image missing, Docker API errors. These are fatal
// to a repair session, unlike a program that merely fails or times out.
var ErrInfra = errors.New("sandbox infrastructure unavailable")

// Result captures one sandboxed execution.
type Result struct {
	// Output is the merged stdout+stderr collected up to process exit or
	// forcible termination.
	Output   string
	ExitCode int
	TimedOut bool
}

// Runner is the capability interface the repair controller consumes.
// Each Run call gets a fresh, isolated execution context; no state
// persists between calls.
type Runner interface {
	// Run executes code under the configured memory ceiling, with the
	// network disabled and a hard wall-clock deadline. On deadline expiry
	// the sandbox is killed and a synthetic non-zero exit is reported with
	// TimedOut set; output collected so far is still returned.
	Run(ctx context.Context, code string) (Result, error)

	// Ping verifies the isolation backend is reachable.
	Ping(ctx context.Context) error

	// ImageReady reports whether the prepared sandbox image exists.
	ImageReady(ctx context.Context) (bool, error)
}

// IsInfra reports whether err indicates an unusable isolation backend.
func IsInfra(err error) bool {
	return errors.Is(err, ErrInfra)
}
