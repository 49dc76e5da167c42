package github

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateLimit     = 5000
	defaultRetryAttempts = 3
	defaultBaseDelay     = 1 * time.Second
	defaultMaxDelay      = 60 * time.Second
)

// RateLimitStatus is the last rate-limit state reported by GitHub.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Used      int       `json:"used"`
}

// RateLimitTracker records X-RateLimit-* headers from responses.
type RateLimitTracker struct {
	mu    sync.RWMutex
	limit RateLimitStatus
	seen  bool
}

func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{limit: RateLimitStatus{Limit: defaultRateLimit}}
}

// Update reads the rate-limit headers of resp. Missing headers leave the
// previous values in place.
func (r *RateLimitTracker) Update(resp *http.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		r.limit.Limit = v
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		r.limit.Remaining = v
		r.seen = true
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		r.limit.Reset = time.Unix(v, 0)
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Used")); err == nil {
		r.limit.Used = v
	}
}

// GetStatus returns a copy of the current status.
func (r *RateLimitTracker) GetStatus() RateLimitStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limit
}

// WaitForRateLimitReset blocks until the reset time when the last response
// reported no remaining requests.
func (r *RateLimitTracker) WaitForRateLimitReset(ctx context.Context) error {
	r.mu.RLock()
	reset, remaining, seen := r.limit.Reset, r.limit.Remaining, r.seen
	r.mu.RUnlock()

	if !seen || remaining > 0 || reset.IsZero() {
		return nil
	}
	wait := time.Until(reset)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryConfig controls retries of failed API calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RetryOn     []int
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: defaultRetryAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		RetryOn: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// ShouldRetry reports whether statusCode is in RetryOn.
func (rc *RetryConfig) ShouldRetry(statusCode int) bool {
	for _, code := range rc.RetryOn {
		if code == statusCode {
			return true
		}
	}
	return false
}

// GetDelay returns BaseDelay * 2^attempt with ±10% jitter, capped at MaxDelay.
func (rc *RetryConfig) GetDelay(attempt int) time.Duration {
	delay := rc.BaseDelay * time.Duration(1<<uint(attempt))
	delay += time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	if delay < 0 {
		delay = rc.BaseDelay
	}
	if delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	return delay
}

// IsRetryableError reports whether err looks like a transient network failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"timeout", "deadline exceeded", "connection refused", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
