// Package rerrors defines the fatal/recoverable error vocabulary shared by
// every component, and the exit code each fatal class maps to.
package rerrors

import (
	"errors"
	"fmt"
)

// Sentinel classes. Wrap one of these with fmt.Errorf("...: %w", ErrX) at
// the point of detection; callers classify with errors.Is.
var (
	// ErrConfig marks a missing or malformed configuration option. Fatal
	// at start-up; no work is performed.
	ErrConfig = errors.New("configuration error")

	// ErrStoreFatal marks a throttle-store connection failure. Fatal;
	// aborts the run with no retries.
	ErrStoreFatal = errors.New("store fatal error")

	// ErrStoreConflict marks a throttle-store write that affected zero
	// rows. Recoverable: recorded on the per-IP record, no tracker
	// side-effect, never fatal.
	ErrStoreConflict = errors.New("store conflict")

	// ErrTrackerAuth marks an authentication rejection from the issue
	// tracker. Fatal immediately; never retried.
	ErrTrackerAuth = errors.New("tracker authentication failed")

	// ErrTrackerRetriesExhausted marks a tracker call that stayed
	// transient through its entire bounded backoff schedule. Fatal.
	ErrTrackerRetriesExhausted = errors.New("tracker retries exhausted")

	// ErrRunDeadline marks the top-level MAX_EXECUTION_TIME deadline (or
	// an external SIGINT/SIGTERM) firing mid-run. Fatal; the orchestrator
	// flushes whatever summary it can before exiting.
	ErrRunDeadline = errors.New("run deadline exceeded")
)

// Wrap attaches detail to a sentinel class while preserving errors.Is.
func Wrap(sentinel error, detail string) error {
	return fmt.Errorf("%s: %w", detail, sentinel)
}

// Wrapf is Wrap with formatting.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, sentinel)...)
}

// ExitCode maps a terminal error to the process exit code spec.md §6
// requires. A nil error exits 0. Any error not matching a known class
// still exits non-zero (1) rather than panicking — an unclassified fatal
// error is still fatal.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 2
	case errors.Is(err, ErrStoreFatal):
		return 3
	case errors.Is(err, ErrTrackerAuth):
		return 4
	case errors.Is(err, ErrTrackerRetriesExhausted):
		return 5
	case errors.Is(err, ErrRunDeadline):
		return 6
	default:
		return 1
	}
}
