package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "fetch %s", "abc")

	assert.Contains(t, wrapped.Error(), "fetch abc")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("bad time"), "use RFC3339, e.g. 2030-01-02T15:04:05Z")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "use RFC3339, e.g. 2030-01-02T15:04:05Z", hints[0])
}

func TestSentinelConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		msg   string
	}{
		{"not found", NewNotFoundError("job %s", "t1"), IsNotFoundError, "job t1"},
		{"invalid", NewInvalidRequestError("scheduled_time is required"), IsInvalidRequestError, "scheduled_time is required"},
		{"conflict", NewConflictError("job %s is %s", "t2", "in_progress"), IsConflictError, "job t2 is in_progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, tt.check(tt.err))
			assert.Contains(t, tt.err.Error(), tt.msg)

			// Still classified after another layer of context
			assert.True(t, tt.check(Wrap(tt.err, "handler")))
		})
	}
}

func TestClassifiersRejectNilAndOthers(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
	assert.False(t, IsNotFoundError(New("something else")))
	assert.False(t, IsServiceUnavailableError(ErrConflict))
	assert.True(t, IsServiceUnavailableError(Wrap(ErrServiceUnavailable, "pool full")))
}

func TestStackTraceInVerboseFormat(t *testing.T) {
	err := Wrap(New("disk full"), "move staged file")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
	assert.NotNil(t, GetStack(err))
}
