package retry

import (
	"errors"
	"fmt"

	"github.com/dskow/promptcraft/internal/keypool"
)

// ErrAllCredentialsExhausted means no credential was available to run or
// finish an operation. It wraps keypool.ErrPoolExhausted and maps to 429.
var ErrAllCredentialsExhausted = fmt.Errorf("all provider credentials exhausted: %w", keypool.ErrPoolExhausted)

// OperationFailedError means every attempt ran against an available
// credential and failed for reasons other than exhaustion. Maps to 500.
type OperationFailedError struct {
	Operation string
	Attempts  int
	LastErr   error
}

func (e *OperationFailedError) Error() string {
	msg := "unknown error"
	if e.LastErr != nil {
		msg = e.LastErr.Error()
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %s", e.Operation, e.Attempts, msg)
}

func (e *OperationFailedError) Unwrap() error {
	return e.LastErr
}

// PermanentError marks a failure that no other credential would fix, such as
// a prompt rejected by a safety filter. Adapters create it with Permanent.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the orchestrator stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
