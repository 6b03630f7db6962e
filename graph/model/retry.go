package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// RetryingModel retries transient provider failures such as timeouts,
// rate limits and 5xx responses. Non-transient errors return immediately.
type RetryingModel struct {
	next       ChatModel
	maxRetries int
	retryDelay time.Duration
}

// WithRetry wraps m so that transient failures are retried up to maxRetries
// times. The delay grows linearly with each attempt.
func WithRetry(m ChatModel, maxRetries int, delay time.Duration) *RetryingModel {
	return &RetryingModel{
		next:       m,
		maxRetries: maxRetries,
		retryDelay: delay,
	}
}

// Chat implements ChatModel.
func (r *RetryingModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ChatOut{}, ctx.Err()
		}

		out, err := r.next.Chat(ctx, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt >= r.maxRetries {
			break
		}

		select {
		case <-time.After(r.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ChatOut{}, ctx.Err()
		}
	}

	if IsTransient(lastErr) && r.maxRetries > 0 {
		return ChatOut{}, fmt.Errorf("model call failed after %d retries: %w", r.maxRetries, lastErr)
	}
	return ChatOut{}, lastErr
}

// StatusError is a provider response with an unsuccessful HTTP status.
// Adapters wrap their SDK's API errors in it so retry decisions do not
// depend on any one SDK.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the status means the request may succeed later:
// request timeout, rate limiting, or a server-side failure.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// IsTransient reports whether a provider error is worth retrying: a
// StatusError with a temporary status, a network timeout, a dropped
// connection, or an expired step deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}
