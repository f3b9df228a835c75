package asyncop

import (
	"errors"
	"fmt"
)

// ErrNoOperation is surfaced when Execute runs without an operation configured.
var ErrNoOperation = errors.New("no operation configured")

// OperationError wraps a value recovered from a panicking operation.
type OperationError struct {
	Value any
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *OperationError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
