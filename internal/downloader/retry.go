package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// retryConfig controls retry behavior for HTTP requests.
type retryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

var defaultRetryConfig = retryConfig{
	MaxRetries:   DefaultRetries,
	InitialDelay: defaultRetryDelay,
	MaxDelay:     8 * time.Second,
}

// retryTransport wraps an http.RoundTripper and retries transient failures
// with exponential backoff and jitter.
type retryTransport struct {
	base   http.RoundTripper
	config retryConfig
}

func newRetryTransport(base http.RoundTripper, config retryConfig) *retryTransport {
	return &retryTransport{base: base, config: config}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(req.Context(), t.config.backoff(attempt)); err != nil {
				if lastResp != nil {
					lastResp.Body.Close()
				}
				return nil, err
			}
		}

		cloned := req
		if attempt > 0 {
			var err error
			cloned, err = cloneRequest(req)
			if err != nil {
				if lastResp != nil {
					return lastResp, nil
				}
				return nil, lastErr
			}
		}

		resp, err := t.base.RoundTrip(cloned)
		if err != nil {
			if !isRetryableError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			if lastResp != nil {
				lastResp.Body.Close()
			}
			return resp, nil
		}

		// drain so the connection can be reused
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// backoff calculates delay with exponential backoff and ±25% jitter.
func (c retryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialDelay) * math.Pow(2, float64(attempt-1))
	if c.MaxDelay > 0 && base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := base * 0.25 * (rand.Float64()*2 - 1) //nolint:gosec
	return time.Duration(base + jitter)
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. It covers failures the transport cannot see, such
// as a body that is cut off halfway through a segment.
func (c retryConfig) retry(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleepWithContext(ctx, c.backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
		err = fn(attempt)
		if err == nil || !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.MaxRetries+1, err)
}

// StatusError reports an HTTP response that was not usable.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	return &StatusError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
}

// isRetryableStatus returns true for HTTP status codes that indicate transient failures.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}

// isRetryableError returns true for network errors that are typically transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// isTransient widens isRetryableError with truncated bodies and retryable
// status codes.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.StatusCode)
	}
	return isRetryableError(err)
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

// sleepWithContext sleeps for the given duration, returning early if the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
