package tunnel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by KillOnPort when no forward is registered on
// the requested local port.
var ErrNotFound = errors.New("no forward on port")

// TunnelError wraps a transport, authentication or timeout failure raised
// while establishing or verifying a forward. The underlying cause is kept
// for errors.Is/As matching; workers treat any TunnelError as routine.
type TunnelError struct {
	Op    string
	Cause error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TunnelError) Unwrap() error {
	return e.Cause
}

func tunnelErr(op string, cause error) *TunnelError {
	return &TunnelError{Op: op, Cause: cause}
}
