package scanning

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRateLimited marks a transient provider refusal worth retrying after a pause.
	ErrRateLimited = errors.New("recognition provider rate limited")
	// ErrQuotaExhausted marks a provider that will keep refusing until its quota resets.
	ErrQuotaExhausted = errors.New("recognition provider quota exhausted")
)

// ProviderError is a failed call to a recognition provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Kind       error // ErrRateLimited, ErrQuotaExhausted or nil
	Message    string
}

func (e *ProviderError) Error() string {
	kind := "request failed"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s: %s", e.Provider, kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, kind, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// classifyStatus maps an HTTP status and message to a ProviderError.
func classifyStatus(provider string, status int, message string) *ProviderError {
	pe := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    truncate(strings.TrimSpace(message), 300),
	}
	switch {
	case status == http.StatusTooManyRequests && isQuotaMessage(message):
		pe.Kind = ErrQuotaExhausted
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout:
		pe.Kind = ErrRateLimited
	}
	return pe
}

func isQuotaMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "quota") || strings.Contains(m, "billing")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
