package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{429, ErrorClassRateLimited},
		{500, ErrorClassServer},
		{502, ErrorClassServer},
		{503, ErrorClassServer},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{200, ""},
		{304, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestIsCorruptedConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"wrapped eof", fmt.Errorf("do request: %w", io.EOF), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"closed network connection", errors.New("use of closed network connection"), true},
		{"plain timeout", errors.New("context deadline exceeded"), false},
		{"dns failure", errors.New("no such host"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCorruptedConnection(tt.err); got != tt.want {
				t.Errorf("isCorruptedConnection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	want := "api error (status 404): Not Found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(time.Duration) bool
	}{
		{
			name:  "missing",
			value: "",
			check: func(d time.Duration) bool { return d == 0 },
		},
		{
			name:  "seconds",
			value: "5",
			check: func(d time.Duration) bool { return d == 5*time.Second },
		},
		{
			name:  "zero seconds",
			value: "0",
			check: func(d time.Duration) bool { return d == 0 },
		},
		{
			name:  "http date in future",
			value: time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat),
			check: func(d time.Duration) bool { return d > 8*time.Second && d <= 10*time.Second },
		},
		{
			name:  "http date in past",
			value: time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat),
			check: func(d time.Duration) bool { return d == 0 },
		},
		{
			name:  "garbage",
			value: "soon",
			check: func(d time.Duration) bool { return d == 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			if got := parseRetryAfter(h); !tt.check(got) {
				t.Errorf("parseRetryAfter(%q) = %v, failed check", tt.value, got)
			}
		})
	}
}
