package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	Logger *zap.Logger
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Retry runs op with exponential backoff while its error is retryable.
// Rate-limit responses wait for the reset time, capped at MaxBackoff.
func Retry(ctx context.Context, cfg *RetryConfig, op func() (*github.Response, error)) (*github.Response, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	c := *cfg
	c.ApplyDefaults()

	var (
		lastErr  error
		lastResp *github.Response
	)
	backoff := c.InitialBackoff

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !Retryable(err, resp) {
			return resp, err
		}
		if attempt == c.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimit(resp) {
			wait = rateLimitBackoff(resp, c.MaxBackoff)
		}
		c.Logger.Debug("retrying github call",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", StatusCode(resp)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("github call canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(time.Duration(float64(backoff)*c.BackoffMultiplier), c.MaxBackoff)
	}

	return lastResp, fmt.Errorf("github call failed after %d retries: %w", c.MaxRetries, lastErr)
}

// Retryable reports whether a GitHub error is worth another attempt.
// Network failures without a response are retryable.
func Retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	code := StatusCode(resp)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case code >= 500:
		return true
	default:
		return false
	}
}

func isRateLimit(resp *github.Response) bool {
	code := StatusCode(resp)
	return code == http.StatusTooManyRequests ||
		(code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0)
}

func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp.Rate.Reset.IsZero() {
		return maxBackoff
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return min(wait, maxBackoff)
}

// StatusCode extracts the HTTP status from resp, or 0.
func StatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
