// Package errs defines the small set of sentinel error categories used
// throughout shepherd to decide retry-vs-quarantine-vs-fatal without a
// custom error-code enum, matching the teacher's wrapped-fmt.Errorf style.
package errs

import "errors"

var (
	// ErrTransient marks a scheduler CLI failure (timeout, recognized
	// retryable stderr) that must never by itself move a run to TERMINAL.
	ErrTransient = errors.New("shepherd: transient scheduler error")

	// ErrCorrupt marks a state file that failed to parse. The caller is
	// expected to treat the value as absent and quarantine the file.
	ErrCorrupt = errors.New("shepherd: corrupt state file")

	// ErrLockContended marks a non-blocking lock acquisition that lost;
	// the caller should skip this tick for the affected run.
	ErrLockContended = errors.New("shepherd: lock contended")

	// ErrFatal marks a supervisor-level error with no sensible local
	// recovery. Tick returns it when the runs/ directory cannot be
	// listed; a failed ended.json write is not wrapped with it and stays
	// an ordinary per-run error that Tick logs.
	ErrFatal = errors.New("shepherd: fatal supervisor error")
)
