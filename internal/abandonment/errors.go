package abandonment

import (
	"errors"
	"fmt"
)

// ErrNoRecipient is reported for carts that have no email to send to.
var ErrNoRecipient = errors.New("cart has no recipient email")

// DetectionError wraps a failed candidate query. It aborts the pass.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string { return "detect candidates: " + e.Err.Error() }
func (e *DetectionError) Unwrap() error { return e.Err }

// Dispatch steps reported in DispatchError.Op.
const (
	OpValidate = "validate"
	OpRender   = "render"
	OpSend     = "send"
	OpRecord   = "record"
)

// DispatchError is a per-cart failure. It never aborts the pass.
type DispatchError struct {
	CartID string
	Stage  int
	Op     string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch cart %s stage %d: %s: %v", e.CartID, e.Stage, e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
