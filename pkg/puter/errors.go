package puter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is a structured driver error from the upstream envelope.
type APIError struct {
	Delegate string `json:"delegate,omitempty"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Status   int    `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Delegate != "" {
		return fmt.Sprintf("upstream error %d from delegate %q: %s", e.Status, e.Delegate, e.Message)
	}
	return fmt.Sprintf("upstream error %d (%s): %s", e.Status, e.Code, e.Message)
}

// StatusError reports a non-2xx upstream response that did not carry the
// driver error envelope.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// TransportError wraps a network-level failure reaching the upstream.
// Timeout is set for deadline expiry so callers can surface it as a distinct
// error kind rather than a generic failure.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportError(op string, err error) *TransportError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if !timeout && errors.As(err, &netErr) {
		timeout = netErr.Timeout()
	}
	return &TransportError{Op: op, Timeout: timeout, Err: err}
}
