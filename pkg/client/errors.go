package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Common errors returned by the executor.
var (
	// ErrNoResult is the no-result sentinel: the retry budget was exhausted
	// without a success or a usable response. It is distinct from a genuine
	// empty page; callers must never treat it as "category complete".
	ErrNoResult = errors.New("no result: retry budget exhausted")

	// ErrContextCancelled is returned when the context is cancelled while
	// waiting between attempts.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request outcomes.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (not retried).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimited represents 429 responses.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassTransport represents timeouts, resets and broken streams.
	ErrorClassTransport ErrorClass = "transport"
)

// Limiter feedback factors per error class.
const (
	slowDownRateLimited = 0.3
	slowDownServer      = 0.6
	slowDownTransport   = 0.7
)

// APIError represents an unclassified remote response returned to the caller
// as-is (anything that is not 2xx, 429 or 5xx).
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// classifyStatus maps an HTTP status code to an error class.
// A zero class means the status is returned to the caller unchanged.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimited
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// isCorruptedConnection reports whether a transport failure indicates the
// shared connection pool should be replaced before retrying.
func isCorruptedConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
