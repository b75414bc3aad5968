package errors

import (
	"errors"
	"fmt"
)

// WrapOpComponent wraps err with a consistent Op and Component.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind wraps err with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}

// SyncFailure is returned by a drain pass in which every attempted mutation
// failed. Progress is never partial when this error is returned: nothing was
// applied, although non-retryable items may have been dequeued.
type SyncFailure struct {
	Attempted int
	Failures  []error
}

func (f *SyncFailure) Error() string {
	if len(f.Failures) == 0 {
		return fmt.Sprintf("sync failure: all %d pending mutations failed", f.Attempted)
	}
	return fmt.Sprintf("sync failure: all %d pending mutations failed; first: %v", f.Attempted, f.Failures[0])
}

// Unwrap exposes every per-item failure to errors.Is and errors.As.
func (f *SyncFailure) Unwrap() []error {
	return f.Failures
}

// IsSyncFailure reports whether err is, or wraps, a *SyncFailure.
func IsSyncFailure(err error) bool {
	var f *SyncFailure
	return errors.As(err, &f)
}
