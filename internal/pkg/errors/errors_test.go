package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   string
	}{
		{http.StatusNotFound, "no such query", CodeNotFound},
		{http.StatusTooManyRequests, "", CodeRateLimited},
		{http.StatusServiceUnavailable, "", CodeUnavailable},
		{http.StatusGatewayTimeout, "", CodeTimeout},
		{http.StatusBadRequest, "bad doclist", CodeService},
		{http.StatusInternalServerError, "", CodeService},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, []byte(tt.body))
			if err.Code != tt.code {
				t.Errorf("Code = %s, want %s", err.Code, tt.code)
			}
			if err.Details["status"] != fmt.Sprintf("%d", tt.status) {
				t.Errorf("Details[status] = %s, want %d", err.Details["status"], tt.status)
			}
			if err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	base := NotFoundError("query q-1")
	wrapped := fmt.Errorf("sweep: %w", base)

	if !IsNotFound(wrapped) {
		t.Error("IsNotFound(wrapped) = false, want true")
	}
	if IsRateLimited(wrapped) {
		t.Error("IsRateLimited(wrapped) = true, want false")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  *AppError
		want bool
	}{
		{RateLimitedError(0), true},
		{ServiceUnavailableError("store"), true},
		{TimeoutError("fetch"), true},
		{ServiceError(http.StatusBadRequest, ""), false},
		{NotFoundError("run"), false},
		{ConfigurationError("missing threshold"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("sweep: %w", ServiceUnavailableError("store"))) {
		t.Error("IsRetryable(wrapped unavailable) = false")
	}
	if IsRetryable(NotFoundError("run")) {
		t.Error("IsRetryable(not found) = true")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("IsRetryable(plain error) = true")
	}
}

func TestMalformedInputError(t *testing.T) {
	err := MalformedInputError("qrels.txt", 7, "expected 4 fields")
	if !IsMalformedInput(err) {
		t.Fatal("IsMalformedInput() = false")
	}
	if err.Details["line"] != "7" {
		t.Errorf("Details[line] = %q, want 7", err.Details["line"])
	}
	if err.Details["source"] != "qrels.txt" {
		t.Errorf("Details[source] = %q, want qrels.txt", err.Details["source"])
	}

	noLine := MalformedInputError("topics.xml", 0, "bad xml")
	if _, ok := noLine.Details["line"]; ok {
		t.Error("line detail should be omitted when line is 0")
	}
}

func TestRateLimitedError(t *testing.T) {
	err := RateLimitedError(3)
	if err.Details["retry_after"] != "3" {
		t.Errorf("retry_after = %q, want 3", err.Details["retry_after"])
	}
	if _, ok := RateLimitedError(0).Details["retry_after"]; ok {
		t.Error("retry_after should be omitted for 0")
	}
}
