package model

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionNotFound is returned when a series refers to a session that was never created.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnresolvedIdentity is returned when no reporting identity can be derived for a session.
	ErrUnresolvedIdentity = errors.New("unresolved reporting identity")
)

// BackendError is a failed call to the metrics backend or an accounting sink.
type BackendError struct {
	Backend    string
	Op         string
	StatusCode int
	ErrorType  string
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Backend, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.ErrorType != "" {
		msg += " " + e.ErrorType
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retryable is false for malformed requests and true for transport, timeout and server failures.
func (e *BackendError) Retryable() bool {
	if e.ErrorType == "bad_data" {
		return false
	}
	switch e.StatusCode {
	case 0:
		return true
	case http.StatusTooManyRequests:
		return true
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return e.StatusCode >= 500
}

// IsRetryable reports whether err wraps a retryable BackendError.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return false
}

// InconsistentMetricError is a series lacking the label its identity source needs.
type InconsistentMetricError struct {
	Metric string
	Label  string
	Labels map[string]string
}

func (e *InconsistentMetricError) Error() string {
	return fmt.Sprintf("series %s has no usable %q label (labels: %v)", e.Metric, e.Label, e.Labels)
}

// PersistenceError wraps a failure of the session store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
