package task

import "errors"

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotRunning     = errors.New("job not running")
	ErrUnknownKind    = errors.New("unknown job kind")
	// ErrInterrupted is returned by a plan cut short by pause or cancel.
	ErrInterrupted = errors.New("interrupted")
	// ErrPanic wraps a panic recovered from item processing.
	ErrPanic = errors.New("unexpected failure while processing item")
)
