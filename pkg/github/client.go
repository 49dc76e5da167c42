// Package github wraps go-github for the calls mapthew makes against the code
// host: posting comments back to pull requests and issues, and resolving a
// pull request's head branch.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/mapthew/mapthew/pkg/log"
)

// ErrNoToken is returned by NewClient when no token is configured.
var ErrNoToken = errors.New("GitHub token not configured")

// Client is a token-authenticated GitHub API client with rate-limit tracking
// and retries on transient failures.
type Client struct {
	gh      *github.Client
	limits  *RateLimitTracker
	retry   *RetryConfig
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithBaseURL points the client at a different API root, e.g. GitHub
// Enterprise or a test server.
func WithBaseURL(raw string) ClientOption {
	return func(c *Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		c.gh.BaseURL = u
		return nil
	}
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc *RetryConfig) ClientOption {
	return func(c *Client) error {
		c.retry = rc
		return nil
	}
}

// NewClient returns a client authenticated with token.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(context.Background(), ts)

	c := &Client{
		gh:      github.NewClient(hc),
		limits:  NewRateLimitTracker(),
		retry:   DefaultRetryConfig(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RateLimit returns the most recently observed rate-limit status.
func (c *Client) RateLimit() RateLimitStatus {
	return c.limits.GetStatus()
}

// PostComment adds a comment to a pull request or issue. Pull requests share
// the issue comment endpoint.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	err := c.call(ctx, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// PRBranch returns the head branch name of a pull request.
func (c *Client) PRBranch(ctx context.Context, owner, repo string, number int) (string, error) {
	var branch string
	err := c.call(ctx, func(ctx context.Context) (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err == nil {
			branch = pr.GetHead().GetRef()
		}
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return branch, nil
}

// call runs fn, records rate-limit headers, waits out an exhausted limit and
// retries transient failures per the retry policy.
func (c *Client) call(ctx context.Context, fn func(context.Context) (*github.Response, error)) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if err := c.limits.WaitForRateLimitReset(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := fn(callCtx)
		cancel()
		if resp != nil && resp.Response != nil {
			c.limits.Update(resp.Response)
		}
		if err == nil {
			return nil
		}

		lastErr = toAPIError(resp, err)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if !c.retry.ShouldRetry(status) && !IsRetryableError(err) {
			return lastErr
		}
		if attempt == c.retry.MaxAttempts-1 {
			break
		}

		delay := c.retry.GetDelay(attempt)
		log.Debug("retrying GitHub request", "attempt", attempt+1, "status", status, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func toAPIError(resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &APIError{
			StatusCode: http.StatusForbidden,
			Message:    rateErr.Message,
			RateLimit: &RateLimitInfo{
				Limit:     rateErr.Rate.Limit,
				Remaining: rateErr.Rate.Remaining,
				Reset:     rateErr.Rate.Reset.Unix(),
			},
		}
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr := &APIError{StatusCode: ghErr.Response.StatusCode, Message: ghErr.Message}
		for _, e := range ghErr.Errors {
			apiErr.Errors = append(apiErr.Errors, ErrorDetail{Resource: e.Resource, Field: e.Field, Code: e.Code})
		}
		return apiErr
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return err
}
