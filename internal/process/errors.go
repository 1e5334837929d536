package process

import "errors"

// Sentinel errors for supervision operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSpawnFailed is returned when the OS refuses to create the child process.
	// It is always surfaced to the caller of Start.
	ErrSpawnFailed = errors.New("process: spawn failed")

	// ErrDisposed is returned by any command issued after Close.
	ErrDisposed = errors.New("process: engine disposed")

	// ErrInvalidSpec is returned when a Spec or RestartConfig fails validation.
	ErrInvalidSpec = errors.New("process: invalid spec")

	// ErrIOFault wraps failures on the stdin/stdout bridge (write after close,
	// broken pipe, unreadable stream). The engine stays consistent.
	ErrIOFault = errors.New("process: io fault")

	// ErrInvalidMessage is returned when text sent to the child is not a
	// single line.
	ErrInvalidMessage = errors.New("process: message is not a single line")
)
