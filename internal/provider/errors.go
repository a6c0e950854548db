// Package provider holds the failure taxonomy shared by the network-bound
// pipeline stages. Each stage wraps provider errors with its own context;
// the orchestrator classifies outcomes with errors.Is.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	// ErrUnauthorized signals rejected credentials.
	ErrUnauthorized = errors.New("provider: unauthorized")
	// ErrRateLimited signals a provider-side rate limit.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrTimeout signals a call that exceeded its configured deadline.
	ErrTimeout = errors.New("provider: timeout")
	// ErrNetwork signals transport-level failure (DNS, connect, 5xx).
	ErrNetwork = errors.New("provider: network failure")
	// ErrMalformed signals structured output that failed schema validation.
	ErrMalformed = errors.New("provider: malformed response")
)

// Classify maps raw client errors onto the shared taxonomy. Errors that are
// already classified pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrMalformed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		// Run supersede, not a provider fault.
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Error())
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error())
		}
		if apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrNetwork, apiErr.Error())
		}
		return err
	}

	return fmt.Errorf("%w: %s", ErrNetwork, err)
}
