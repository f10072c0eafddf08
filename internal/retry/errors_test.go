package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsdeskhq/opsdesk/internal/store"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{
			name: "nil",
			err:  nil,
			want: TypeApplication,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("query rows: %w", context.DeadlineExceeded),
			want: TypeNetwork,
		},
		{
			name: "net timeout",
			err:  timeoutErr{},
			want: TypeNetwork,
		},
		{
			name: "url error",
			err:  &url.Error{Op: "Get", URL: "http://localhost:8090", Err: errors.New("no route")},
			want: TypeNetwork,
		},
		{
			name: "connection refused",
			err:  fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
			want: TypeNetwork,
		},
		{
			name: "connection reset",
			err:  fmt.Errorf("read: %w", syscall.ECONNRESET),
			want: TypeNetwork,
		},
		{
			name: "truncated response",
			err:  io.ErrUnexpectedEOF,
			want: TypeNetwork,
		},
		{
			name: "bad gateway",
			err:  store.APIError{StatusCode: 502, Message: "bad gateway"},
			want: TypeNetwork,
		},
		{
			name: "service unavailable",
			err:  store.APIError{StatusCode: 503, Message: "maintenance"},
			want: TypeNetwork,
		},
		{
			name: "validation rejection",
			err:  store.APIError{StatusCode: 400, Message: "quantity must be positive"},
			want: TypeApplication,
		},
		{
			name: "conflict",
			err:  store.APIError{StatusCode: 409, Message: "stale version"},
			want: TypeApplication,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: TypeApplication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{OperationID: "op-1", Type: TypeApplication, Attempts: 1, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "op-1")
	assert.Contains(t, err.Error(), "application")
}
