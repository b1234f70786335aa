package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// RequestError is returned by REST helpers when the request fails in
// transport, returns a non-2xx status or carries an undecodable body.
type RequestError struct {
	Method     string
	Route      string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.Route, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Route, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Route, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ErrorDetail is the backend's structured error object.
type ErrorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	ExtraInfo any    `json:"extra_info,omitempty"`
}

// NodeErrors lists the validation errors of one prompt node.
type NodeErrors struct {
	Errors           []ErrorDetail `json:"errors"`
	DependentOutputs []string      `json:"dependent_outputs"`
	ClassType        string        `json:"class_type"`
}

// PromptErrorResponse is the body the backend returns when it rejects a
// prompt.
type PromptErrorResponse struct {
	Error      *ErrorDetail          `json:"error"`
	NodeErrors map[string]NodeErrors `json:"node_errors,omitempty"`
}

// PromptError is returned by QueuePrompt when the backend rejects the
// prompt. Response holds the backend's payload unmodified.
type PromptError struct {
	StatusCode int
	Response   PromptErrorResponse
}

func (e *PromptError) Error() string {
	if e.Response.Error != nil && e.Response.Error.Message != "" {
		return fmt.Sprintf("prompt rejected (status %d): %s", e.StatusCode, e.Response.Error.Message)
	}
	return fmt.Sprintf("prompt rejected (status %d)", e.StatusCode)
}

// DecodeError is reported for websocket frames that cannot be turned into
// an event. It never tears down the connection.
type DecodeError struct {
	// Kind is "binary" or "json".
	Kind string
	// Type is the frame's type tag, if one could be read.
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s frame %q: %v", e.Kind, e.Type, e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Retryable returns true if err is a transport failure or a 5xx response.
func Retryable(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == 0 || re.StatusCode >= http.StatusInternalServerError
}

// Unsent returns true if err is a transport failure raised while dialing,
// before any byte of the request reached the backend. Only such failures are
// safe to retry for requests that are not idempotent, like POST /prompt.
func Unsent(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) || re.StatusCode != 0 {
		return false
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// WithRetry retries fn up to maxAttempts using exponential backoff with
// jitter, starting at base, for as long as fn fails with a Retryable error.
// It respects context cancellation.
func WithRetry(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	return WithRetryIf(ctx, maxAttempts, base, Retryable, fn)
}

// WithRetryIf is WithRetry with a caller-supplied retry predicate.
func WithRetryIf(ctx context.Context, maxAttempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for i := range maxAttempts {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if i == maxAttempts-1 {
			break
		}
		wait := base << uint(i)
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
		wait = wait/4*3 + time.Duration(rand.Float64()*0.5*float64(wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}
