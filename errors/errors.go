// Package errors provides the error taxonomy shared by the sync core, the
// local cache implementations and the remote transports.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine-readable code attached to a SyncError.
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeAuthFailure       ErrorCode = "AUTH_FAILURE"
	ErrCodeRemoteFailure     ErrorCode = "REMOTE_FAILURE"
)

// Operation names the sync operation during which an error occurred.
type Operation string

const (
	OpStart     Operation = "start"
	OpResume    Operation = "resume"
	OpSubscribe Operation = "subscribe"
	OpApply     Operation = "apply"
	OpFetch     Operation = "fetch"
	OpDrain     Operation = "drain"
	OpPush      Operation = "push"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpStage     Operation = "stage"
	OpTransport Operation = "transport"
	OpClose     Operation = "close"
)

// Kind classifies an error by what the caller can do about it.
type Kind string

const (
	KindOther        Kind = ""
	KindAuthRequired Kind = "auth_required"
	KindAuthFailed   Kind = "auth_failed"
	KindTransport    Kind = "transport"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindInvalid      Kind = "invalid"
	KindRejected     Kind = "rejected"
	KindStorage      Kind = "storage"
	KindCanceled     Kind = "canceled"
	KindSyncFailure  Kind = "sync_failure"
)

// retryable reports whether errors of this kind may succeed on a later
// attempt without the caller changing anything.
func (k Kind) retryable() bool {
	switch k {
	case KindTransport, KindRateLimited, KindAuthFailed, KindStorage:
		return true
	default:
		return false
	}
}

func (k Kind) code() ErrorCode {
	switch k {
	case KindTransport, KindRateLimited:
		return ErrCodeNetworkFailure
	case KindAuthRequired, KindAuthFailed:
		return ErrCodeAuthFailure
	case KindInvalid:
		return ErrCodeValidationFailure
	case KindNotFound, KindRejected:
		return ErrCodeRemoteFailure
	case KindStorage:
		return ErrCodeStorageFailure
	default:
		return ""
	}
}

// Sentinel errors. Structured errors wrap these so errors.Is works across
// package boundaries.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotFound               = errors.New("record not found")
	ErrRateLimited            = errors.New("rate limited")
	ErrAuthFailed             = errors.New("authentication failed")
)

// SyncError represents an error that occurred during synchronization.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "storage/sqlite", "transport/http")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from its arguments. Recognised argument types are
// Operation (or Op), Component, Kind, ErrorCode, error, map[string]interface{}
// and string; strings are joined into a message that wraps the error, or
// becomes the error when none is given.
//
//	errors.E(errors.Op("sqlite.Put"), errors.Component("storage/sqlite"), errors.KindStorage, err)
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var msgs []string
	kindSet := false
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
			kindSet = true
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case map[string]interface{}:
			e.Metadata = a
		case string:
			msgs = append(msgs, a)
		default:
			msgs = append(msgs, fmt.Sprintf("unknown error argument %T(%v)", arg, arg))
		}
	}

	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}

	// Inherit the classification of a wrapped SyncError when none was given.
	if !kindSet {
		var inner *SyncError
		if errors.As(e.Err, &inner) {
			e.Kind = inner.Kind
			e.Retryable = inner.Retryable
			if e.Code == "" {
				e.Code = inner.Code
			}
			return e
		}
	}

	e.Retryable = e.Kind.retryable()
	if e.Code == "" {
		e.Code = e.Kind.code()
	}
	return e
}

// Op is a shorthand for building an Operation from a string in E calls.
func Op(name string) Operation { return Operation(name) }

// Component names the package or subsystem reporting an error.
type Component string

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewNetworkError creates a new retryable transport SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindTransport,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code: ErrCodeValidationFailure,
		Kind: KindInvalid,
		Op:   op,
		Err:  cause,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether any SyncError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Kind == kind {
			return true
		}
		err = syncErr.Err
	}
	return false
}

// KindOf returns the kind of the outermost SyncError in err's chain.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindOther
}
