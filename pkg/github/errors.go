package github

import (
	"errors"
	"fmt"
	"net/http"
)

// RateLimitInfo is the rate-limit state attached to a failed request.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     int64
}

// ErrorDetail is one entry of a GitHub validation error.
type ErrorDetail struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
}

// APIError is a failed GitHub API call.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []ErrorDetail
	RateLimit  *RateLimitInfo
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GitHub API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("GitHub API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError reports whether err is a primary or secondary rate-limit rejection.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden && apiErr.RateLimit != nil && apiErr.RateLimit.Remaining == 0
}

// IsNotFoundError reports whether err is a 404.
func IsNotFoundError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAuthenticationError reports whether err is a 401 or a 403 that is not a rate limit.
func IsAuthenticationError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return apiErr.RateLimit == nil
	}
	return false
}
