package jira

import (
	"context"
	"time"
)

// Site builds a Client for the current base URL on every call, so that a
// settings change takes effect without a restart.
type Site struct {
	BaseURL func() string
	Email   string
	Token   string
	Options []Option
}

// Client returns a client for the current base URL, or ErrNotConfigured.
func (s *Site) Client() (*Client, error) {
	base := ""
	if s.BaseURL != nil {
		base = s.BaseURL()
	}
	return New(base, s.Email, s.Token, s.Options...)
}

// Configured reports whether the site currently has a base URL and credentials.
func (s *Site) Configured() bool {
	_, err := s.Client()
	return err == nil
}

func (s *Site) SearchOpenIssuesByLabel(ctx context.Context, label string) (SearchResult, error) {
	c, err := s.Client()
	if err != nil {
		return SearchResult{}, err
	}
	return c.SearchOpenIssuesByLabel(ctx, label)
}

func (s *Site) SearchRecentlyUpdated(ctx context.Context, projects []string, window time.Duration) ([]Issue, error) {
	c, err := s.Client()
	if err != nil {
		return nil, err
	}
	return c.SearchRecentlyUpdated(ctx, projects, window)
}

func (s *Site) IssueComments(ctx context.Context, issueKey string) ([]Comment, error) {
	c, err := s.Client()
	if err != nil {
		return nil, err
	}
	return c.IssueComments(ctx, issueKey)
}

func (s *Site) PostComment(ctx context.Context, issueKey, text string) error {
	c, err := s.Client()
	if err != nil {
		return err
	}
	return c.PostComment(ctx, issueKey, text)
}
