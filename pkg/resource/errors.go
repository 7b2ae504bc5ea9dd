package resource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class partitions initialization failures by how they are handled.
type Class string

const (
	// ClassNetwork marks transient failures, retried with backoff.
	ClassNetwork Class = "network"
	// ClassServer marks authoritative rejections (e.g. unauthorized).
	// Surfaced immediately, never retried automatically.
	ClassServer Class = "server"
	// ClassStorage marks local cache faults. Non-fatal; the initializer
	// degrades to a remote fetch.
	ClassStorage Class = "storage"
	// ClassUnknown marks everything else. Wrapped, surfaced, not retried.
	ClassUnknown Class = "unknown"
)

type classedError struct {
	class Class
	err   error
}

func (e *classedError) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e *classedError) Unwrap() error { return e.err }

// Mark wraps err with an explicit failure class. Fetch functions use it to
// tell the initializer whether a failure is worth retrying.
func Mark(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classedError{class: class, err: err}
}

// Classify reports the failure class of err. Unmarked errors are classified
// as network when they look transient (net errors, timeouts, cancelled
// contexts) and unknown otherwise.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ce *classedError
	if errors.As(err, &ce) {
		return ce.class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	return ClassUnknown
}

// ClassForHTTPStatus maps an HTTP response status to a failure class:
// 5xx and 429 are transient, other 4xx are authoritative rejections.
func ClassForHTTPStatus(code int) Class {
	switch {
	case code >= 500, code == http.StatusTooManyRequests:
		return ClassNetwork
	case code >= 400:
		return ClassServer
	default:
		return ClassUnknown
	}
}
