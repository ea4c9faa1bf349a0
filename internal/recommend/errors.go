package recommend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

var (
	// ErrInvalidResult marks a reasoning reply that failed validation.
	ErrInvalidResult = errors.New("recommend: invalid result")
	// ErrInvalidRequest marks a request that cannot be served.
	ErrInvalidRequest = errors.New("recommend: invalid request")
)

// ErrorKind distinguishes reasoning failures in logs.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
	KindInvalid   ErrorKind = "invalid"
)

// ReasoningError is a classified reasoning-service failure.
type ReasoningError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ReasoningError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("reasoning %s (%d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("reasoning %s: %v", e.Kind, e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

// classify wraps a transport or API error with its kind.
func classify(err error) *ReasoningError {
	var re *ReasoningError
	if errors.As(err, &re) {
		return re
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ReasoningError{Kind: KindNetwork, Err: err}
	}

	switch {
	case status == 0:
		return &ReasoningError{Kind: KindNetwork, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ReasoningError{Kind: KindAuth, Status: status, Err: err}
	case status == http.StatusTooManyRequests:
		return &ReasoningError{Kind: KindRateLimit, Status: status, Err: err}
	default:
		return &ReasoningError{Kind: KindStatus, Status: status, Err: err}
	}
}
