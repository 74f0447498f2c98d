package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFailoverReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason    FailoverReason
		retryable bool
	}{
		{FailoverRateLimit, true},
		{FailoverTimeout, true},
		{FailoverServerError, true},
		{FailoverBilling, false},
		{FailoverAuth, false},
		{FailoverInvalidRequest, false},
		{FailoverModelUnavailable, false},
		{FailoverContentFilter, false},
		{FailoverUnknown, false},
	}

	for _, tt := range tests {
		if got := tt.reason.IsRetryable(); got != tt.retryable {
			t.Errorf("%s.IsRetryable() = %v, want %v", tt.reason, got, tt.retryable)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		reason FailoverReason
	}{
		{errors.New("context deadline exceeded"), FailoverTimeout},
		{errors.New("rate limit exceeded, retry later"), FailoverRateLimit},
		{errors.New("429 too many requests"), FailoverRateLimit},
		{errors.New("invalid api key provided"), FailoverAuth},
		{errors.New("status 401"), FailoverAuth},
		{errors.New("insufficient quota for this billing period"), FailoverBilling},
		{errors.New("model not found: gpt-99"), FailoverModelUnavailable},
		{errors.New("model gpt-99 is currently unavailable"), FailoverModelUnavailable},
		{errors.New("500 internal server error"), FailoverServerError},
		{errors.New("503 service unavailable"), FailoverServerError},
		{errors.New("upstream returned service unavailable"), FailoverServerError},
		{errors.New("something odd happened"), FailoverUnknown},
		{nil, FailoverUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.reason {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.reason)
		}
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status int
		reason FailoverReason
	}{
		{http.StatusUnauthorized, FailoverAuth},
		{http.StatusForbidden, FailoverAuth},
		{http.StatusPaymentRequired, FailoverBilling},
		{http.StatusTooManyRequests, FailoverRateLimit},
		{http.StatusBadRequest, FailoverInvalidRequest},
		{http.StatusNotFound, FailoverModelUnavailable},
		{http.StatusInternalServerError, FailoverServerError},
		{http.StatusBadGateway, FailoverServerError},
		{http.StatusOK, FailoverUnknown},
	}

	for _, tt := range tests {
		if got := classifyStatusCode(tt.status); got != tt.reason {
			t.Errorf("classifyStatusCode(%d) = %s, want %s", tt.status, got, tt.reason)
		}
	}
}

func TestProviderErrorFormat(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("boom")).
		WithStatus(http.StatusTooManyRequests).
		WithCode("rate_limit_error").
		WithRequestID("req_123")

	msg := err.Error()
	for _, want := range []string{"[rate_limit]", "anthropic", "model=claude-sonnet-4-20250514", "status=429", "code=rate_limit_error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string %q missing %q", msg, want)
		}
	}

	if !err.Reason.IsRetryable() {
		t.Error("rate limit error should be retryable")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewProviderError("openai", "gpt-4o", cause)

	wrapped := fmt.Errorf("request failed: %w", err)

	var providerErr *ProviderError
	if !errors.As(wrapped, &providerErr) {
		t.Fatal("expected ProviderError in chain")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected cause in chain")
	}
}

func TestGetProviderError(t *testing.T) {
	pe := NewProviderError("openai", "gpt-4o", errors.New("x"))

	if got, ok := GetProviderError(pe); !ok || got != pe {
		t.Error("GetProviderError should extract the ProviderError")
	}
	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("GetProviderError should reject plain errors")
	}
}

func TestIsRetryableClassifiesRawErrors(t *testing.T) {
	if !IsRetryable(errors.New("503 service unavailable")) {
		t.Error("server error text should be retryable")
	}
	if IsRetryable(errors.New("invalid api key")) {
		t.Error("auth error should not be retryable")
	}

	pe := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(http.StatusTooManyRequests)
	if !IsRetryable(pe) {
		t.Error("rate-limited ProviderError should be retryable")
	}
}
