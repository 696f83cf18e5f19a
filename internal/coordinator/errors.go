package coordinator

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDiscoveryAborted = errors.New("discovery aborted")
	ErrIdentityConflict = errors.New("identity conflict")
	ErrTimeout          = errors.New("timeout")
	ErrNotTracked       = errors.New("accessory not tracked")
	ErrWriteFailed      = errors.New("write failed")

	ErrServiceOrCharacteristicNotFound = errors.New("service or characteristic not found")
	ErrServiceNotFound                 = fmt.Errorf("service: %w", ErrServiceOrCharacteristicNotFound)
	ErrCharacteristicNotFound          = fmt.Errorf("characteristic: %w", ErrServiceOrCharacteristicNotFound)

	errHomeLost = fmt.Errorf("home lost: %w", ErrDiscoveryAborted)
	errStopped  = fmt.Errorf("coordinator stopped: %w", ErrDiscoveryAborted)
)

// abortCause maps a finished context to the error a waiter should see.
// A cancel cause set by the coordinator wins; otherwise a deadline is a
// timeout and anything else is an abort. Never a bare context error.
func abortCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, ErrTimeout), errors.Is(cause, ErrDiscoveryAborted),
		errors.Is(cause, ErrIdentityConflict):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrDiscoveryAborted
	}
}
