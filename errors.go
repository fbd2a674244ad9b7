package liveview

import (
	"errors"
	"fmt"
)

// Common error types for live view operations.

// QueryRejectedError indicates that the data source refused a query,
// e.g. because of an invalid filter or an unknown option.
type QueryRejectedError struct {
	Topic  string
	Filter string
	Reason string
	Err    error
}

func (e *QueryRejectedError) Error() string {
	if e.Filter != "" {
		return fmt.Sprintf("query on topic '%s' with filter '%s' rejected: %s", e.Topic, e.Filter, e.Reason)
	}
	return fmt.Sprintf("query on topic '%s' rejected: %s", e.Topic, e.Reason)
}

func (e *QueryRejectedError) Unwrap() error {
	return e.Err
}

// RejectQuery builds a QueryRejectedError for q.
func RejectQuery(q Query, err error) *QueryRejectedError {
	reason := "Unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &QueryRejectedError{Topic: q.Topic, Filter: q.Filter, Reason: reason, Err: err}
}

// IsQueryRejected reports whether err is or wraps a QueryRejectedError.
func IsQueryRejected(err error) bool {
	var rejected *QueryRejectedError
	return errors.As(err, &rejected)
}

// Sentinel errors for common error conditions.
var (
	// ErrInvalidQuery is returned when a query cannot be issued at all.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrMalformedMessage marks a message that violates the lifecycle contract.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
	// ErrNotConnected is returned when the transport has no connection.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownStream is returned when cancelling a handle that is not open.
	ErrUnknownStream = errors.New("unknown stream")
)
