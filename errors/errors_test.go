package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpStore,
			component: "storage/sqlite",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "store operation failed in storage/sqlite component [STORAGE_FAILURE]: disk full",
		},
		{
			name: "without component with code",
			op:   OpPush,
			code: ErrCodeNetworkFailure,
			err:  fmt.Errorf("connection reset"),
			want: "push operation failed [NETWORK_FAILURE]: connection reset",
		},
		{
			name: "without cause",
			op:   OpDrain,
			want: "drain operation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{Op: tt.op, Component: tt.component, Err: tt.err, Code: tt.code}
			assert.Equal(t, tt.want, e.Error())
		})
	}
}

func TestE_ClassifiesByKind(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		code      ErrorCode
	}{
		{KindTransport, true, ErrCodeNetworkFailure},
		{KindRateLimited, true, ErrCodeNetworkFailure},
		{KindAuthFailed, true, ErrCodeAuthFailure},
		{KindAuthRequired, false, ErrCodeAuthFailure},
		{KindNotFound, false, ErrCodeRemoteFailure},
		{KindInvalid, false, ErrCodeValidationFailure},
		{KindRejected, false, ErrCodeRemoteFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := E(Op("remote.Push"), Component("transport/http"), tt.kind, fmt.Errorf("boom"))

			var syncErr *SyncError
			require.True(t, errors.As(err, &syncErr))
			assert.Equal(t, tt.kind, syncErr.Kind)
			assert.Equal(t, tt.retryable, syncErr.Retryable)
			assert.Equal(t, tt.code, syncErr.Code)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestE_MessagesAndSentinels(t *testing.T) {
	err := E(Op("sync.Start"), KindAuthRequired, ErrAuthenticationRequired, "no identity")

	assert.True(t, errors.Is(err, ErrAuthenticationRequired))
	assert.True(t, IsKind(err, KindAuthRequired))
	assert.Contains(t, err.Error(), "no identity")

	onlyMsg := E(Op("x"), "just a message")
	assert.EqualError(t, errors.Unwrap(onlyMsg), "just a message")

	assert.Nil(t, E())
}

func TestE_InheritsWrappedKind(t *testing.T) {
	inner := E(Op("http.Fetch"), KindNotFound, ErrNotFound)
	outer := E(Op("consumer.apply"), Component("synckit"), inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.False(t, IsRetryable(outer))
	assert.True(t, errors.Is(outer, ErrNotFound))

	wrapped := fmt.Errorf("context: %w", E(Op("http.Push"), KindTransport, "eof"))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsKind(wrapped, KindTransport))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError(OpTransport, fmt.Errorf("reset"))))
	assert.True(t, IsRetryable(NewStorageError(OpStore, fmt.Errorf("busy"))))
	assert.False(t, IsRetryable(NewValidationError(OpPush, fmt.Errorf("bad"))))
	assert.False(t, IsRetryable(New(OpPush, fmt.Errorf("permanent"))))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWrapOpComponent(t *testing.T) {
	assert.Nil(t, WrapOpComponent(nil, "op", "comp"))

	err := WrapOpComponentKind(fmt.Errorf("locked"), "sqlite.Put", "storage/sqlite", KindStorage)
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, Operation("sqlite.Put"), syncErr.Op)
	assert.Equal(t, "storage/sqlite", syncErr.Component)
	assert.True(t, syncErr.Retryable)
}

func TestSyncFailure(t *testing.T) {
	first := E(Op("http.Push"), KindTransport, "timeout")
	second := E(Op("http.Push"), KindNotFound, ErrNotFound)
	var err error = &SyncFailure{Attempted: 2, Failures: []error{first, second}}

	assert.True(t, IsSyncFailure(err))
	assert.True(t, IsSyncFailure(fmt.Errorf("drain: %w", err)))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "all 2 pending mutations failed")
	assert.False(t, IsSyncFailure(first))
}
