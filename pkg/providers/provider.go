// Package providers implements a uniform gateway over heterogeneous LLM
// vendor APIs. Each adapter maps the unified request to the vendor wire
// shape and classifies vendor failures into a closed error taxonomy; no
// vendor-specific error ever crosses this boundary. The gateway performs no
// retries: retry policy belongs to the caller.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/promptforge/chainforge/pkg/models"
)

// CompletionRequest is the unified parameter set for one provider call.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  *float64
	TopP         *float64
	MaxTokens    int

	Credential models.ProviderCredential
}

// CompletionResult is the unified response shape. Source carries the
// credential provenance through to the trace so synthetic outputs stay
// distinguishable from real ones.
type CompletionResult struct {
	Output     string                  `json:"output"`
	TokensUsed int                     `json:"tokens_used"`
	Source     models.CredentialSource `json:"source"`
}

// Gateway is one provider adapter.
type Gateway interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// ProviderError is the only error type the gateway surfaces.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth a bounded retry.
func (e *ProviderError) Transient() bool {
	return e.Kind == ErrorKindRateLimited || e.Kind == ErrorKindUnavailable
}

// UserMessage is the short, payload-free description stored on failed runs.
func (e *ProviderError) UserMessage() string {
	switch e.Kind {
	case ErrorKindAuth:
		return fmt.Sprintf("%s rejected the configured API key", e.Provider)
	case ErrorKindRateLimited:
		return fmt.Sprintf("%s rate limit exceeded", e.Provider)
	case ErrorKindUnavailable:
		return fmt.Sprintf("%s is temporarily unavailable", e.Provider)
	case ErrorKindInvalidRequest:
		return fmt.Sprintf("%s rejected the request parameters", e.Provider)
	default:
		return fmt.Sprintf("%s returned an unexpected response", e.Provider)
	}
}

// AsProviderError unwraps err into a *ProviderError, if it is one.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError

	ok := errors.As(err, &perr)

	return perr, ok
}

func newError(provider string, kind ErrorKind, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message, Err: err}
}

// classifyStatus maps an HTTP status from a vendor API into the taxonomy.
func classifyStatus(provider string, status int) *ProviderError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(provider, ErrorKindAuth, fmt.Sprintf("status %d", status), nil)
	case status == http.StatusTooManyRequests:
		return newError(provider, ErrorKindRateLimited, fmt.Sprintf("status %d", status), nil)
	case status >= 500:
		return newError(provider, ErrorKindUnavailable, fmt.Sprintf("status %d", status), nil)
	case status >= 400:
		return newError(provider, ErrorKindInvalidRequest, fmt.Sprintf("status %d", status), nil)
	default:
		return newError(provider, ErrorKindUnknown, fmt.Sprintf("status %d", status), nil)
	}
}

// transportError wraps a network-level failure (timeout, refused connection).
func transportError(provider string, err error) *ProviderError {
	return newError(provider, ErrorKindUnavailable, "request failed", err)
}

// EstimateTokens is the deterministic fallback used when a vendor response
// carries no usage data, so cost fields in the trace are never empty.
// Roughly four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	return (len(text) + 3) / 4
}

const defaultCallTimeout = 60 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &http.Client{Timeout: timeout}
}
