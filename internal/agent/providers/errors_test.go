package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFailoverReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   FailoverReason
		expected bool
	}{
		{FailoverRateLimit, true},
		{FailoverTimeout, true},
		{FailoverServerError, true},
		{FailoverAuth, false},
		{FailoverInvalidRequest, false},
		{FailoverModelUnavailable, false},
		{FailoverUnreachable, false},
		{FailoverUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("FailoverReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailoverReason
	}{
		{"nil error", nil, FailoverUnknown},
		{"timeout", errors.New("request timeout"), FailoverTimeout},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), FailoverTimeout},
		{"rate limit", errors.New("rate limit exceeded"), FailoverRateLimit},
		{"429 status", errors.New("HTTP 429"), FailoverRateLimit},
		{"unauthorized", errors.New("unauthorized"), FailoverAuth},
		{"refused", errors.New(`Post "http://127.0.0.1:45003/api/chat": dial tcp: connect: connection refused`), FailoverUnreachable},
		{"model not found", errors.New("model not found"), FailoverModelUnavailable},
		{"ollama pull hint", errors.New(`model "llama3" not found, try pulling it first`), FailoverModelUnavailable},
		{"server error", errors.New("internal server error"), FailoverServerError},
		{"unknown", errors.New("something went wrong"), FailoverUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("ollama", "llama3.1", cause).WithStatus(http.StatusTooManyRequests).WithCode("rate_limit_exceeded")

	if err.Reason != FailoverRateLimit {
		t.Errorf("reason = %q", err.Reason)
	}
	msg := err.Error()
	for _, want := range []string{"[rate_limit]", "ollama", "model=llama3.1", "status=429", "code=rate_limit_exceeded", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}

	got, ok := GetProviderError(fmt.Errorf("outer: %w", err))
	if !ok || got != err {
		t.Error("GetProviderError should find wrapped error")
	}
	if _, ok := GetProviderError(cause); ok {
		t.Error("plain error is not a ProviderError")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected FailoverReason
	}{
		{http.StatusUnauthorized, FailoverAuth},
		{http.StatusForbidden, FailoverAuth},
		{http.StatusTooManyRequests, FailoverRateLimit},
		{http.StatusBadRequest, FailoverInvalidRequest},
		{http.StatusNotFound, FailoverModelUnavailable},
		{http.StatusGatewayTimeout, FailoverTimeout},
		{http.StatusInternalServerError, FailoverServerError},
		{http.StatusOK, FailoverUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatusCode(tt.status); got != tt.expected {
			t.Errorf("classifyStatusCode(%d) = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestRetry(t *testing.T) {
	retryable := NewProviderError("p", "m", errors.New("x")).WithStatus(http.StatusServiceUnavailable)
	fatal := NewProviderError("p", "m", errors.New("x")).WithStatus(http.StatusUnauthorized)

	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return retryable
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err = %v calls = %d, want success after 3", err, calls)
	}

	calls = 0
	err = retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v calls = %d, want 1 call", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := retry(ctx, 3, time.Millisecond, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
