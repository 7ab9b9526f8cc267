package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrPassInProgress is returned by manual triggers while another pass holds the guard.
	ErrPassInProgress = errors.New("a reminder pass is already in progress")
	// ErrClosed is returned once the runner has been shut down.
	ErrClosed = errors.New("scheduler is shut down")

	// ErrAlreadyRunning and ErrNotRunning are informational: Start and Stop
	// treat them as no-ops and the admin surface shows their text.
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// PassPanicError reports a pass that panicked. The guard was released before
// this error was returned.
type PassPanicError struct {
	Value any
	Stack string
}

func (e *PassPanicError) Error() string { return fmt.Sprintf("reminder pass panicked: %v", e.Value) }
