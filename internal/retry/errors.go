package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/opsdeskhq/opsdesk/internal/store"
)

// ErrorType classifies a failure for retry decisions
type ErrorType string

const (
	// TypeNetwork is a transient connectivity failure: retried while
	// online, queued while offline
	TypeNetwork ErrorType = "network"
	// TypeApplication is a validation or constraint failure from the
	// store: surfaced immediately, never queued
	TypeApplication ErrorType = "application"
)

// ErrQueued marks a call that was parked in the offline queue rather than
// failed. Callers should treat it as pending, not as a terminal failure.
var ErrQueued = errors.New("operation queued while offline")

// Error is the classified failure returned when an operation ends
// unsuccessfully
type Error struct {
	OperationID string
	Type        ErrorType
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %s failed (%s, %d attempts): %v", e.OperationID, e.Type, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify sorts an error into the engine's taxonomy. Connectivity-failure
// signatures (timeouts, refused connections, gateway errors) are network;
// everything else is application.
func Classify(err error) ErrorType {
	if err == nil {
		return TypeApplication
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TypeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TypeNetwork
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return TypeNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return TypeNetwork
	}

	// Gateway errors mean the store itself was unreachable
	var apiErr store.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 502, 503, 504:
			return TypeNetwork
		}
	}

	return TypeApplication
}

// queuedError is an internal marker carried out of the backoff loop when
// the coordinator went offline mid-retry
type queuedError struct {
	err error
}

func (e queuedError) Error() string {
	return fmt.Sprintf("queued: %v", e.err)
}

func (e queuedError) Unwrap() error {
	return e.err
}
