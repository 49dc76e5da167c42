// Package jira is a small client for the Jira Cloud REST API v3 covering
// the calls mapthew needs: label and recency searches, reading comments and
// posting comments.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned by New when the base URL or credentials are missing.
var ErrNotConfigured = errors.New("JIRA credentials not configured")

const searchLimit = 100

// APIError is a non-2xx response from Jira.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API error: %s: %s", e.Status, strings.TrimSpace(e.Body))
}

// Issue is the subset of issue fields mapthew reads.
type Issue struct {
	Key     string
	Summary string
}

// SearchResult holds one page of issues and the reported total.
type SearchResult struct {
	Total  int
	Issues []Issue
}

// Author identifies the user who wrote a comment.
type Author struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// Comment is an issue comment. Body is either a string or an ADF document.
type Comment struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Author  Author          `json:"author"`
	Created string          `json:"created"`
	Updated string          `json:"updated"`
}

// Text returns the plain text of the comment body.
func (c Comment) Text() string {
	return BodyText(c.Body)
}

// timeLayout is the timestamp format of the REST API, e.g.
// 2025-03-01T10:00:00.000+0000.
const timeLayout = "2006-01-02T15:04:05.000-0700"

// CreatedAt parses Created. ok is false when the field is missing or not a
// recognised timestamp.
func (c Comment) CreatedAt() (t time.Time, ok bool) {
	return parseTime(c.Created)
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{timeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Client talks to one Jira site with basic auth.
type Client struct {
	baseURL *url.URL
	email   string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for baseURL. All three values are required.
func New(baseURL, email, token string, opts ...Option) (*Client, error) {
	if baseURL == "" || email == "" || token == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jira base URL: %w", err)
	}
	c := &Client{
		baseURL: u,
		email:   email,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LabelQuery is the JQL for open issues carrying label.
func LabelQuery(label string) string {
	return fmt.Sprintf(`labels = "%s" AND statusCategory != Done`, label)
}

// SearchOpenIssuesByLabel returns up to 100 issues that carry label and are
// not in the Done status category.
func (c *Client) SearchOpenIssuesByLabel(ctx context.Context, label string) (SearchResult, error) {
	return c.Search(ctx, LabelQuery(label), []string{"key", "summary"}, searchLimit)
}

// SearchRecentlyUpdated returns issues in projects updated within the last
// window. An empty project list searches every project the user can see.
func (c *Client) SearchRecentlyUpdated(ctx context.Context, projects []string, window time.Duration) ([]Issue, error) {
	minutes := int(window.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	jql := fmt.Sprintf(`updated >= "-%dm" ORDER BY updated DESC`, minutes)
	if len(projects) > 0 {
		jql = fmt.Sprintf("project in (%s) AND %s", strings.Join(projects, ", "), jql)
	}
	res, err := c.Search(ctx, jql, []string{"key", "summary"}, searchLimit)
	if err != nil {
		return nil, err
	}
	return res.Issues, nil
}

// Search runs an arbitrary JQL query against /rest/api/3/search/jql.
func (c *Client) Search(ctx context.Context, jql string, fields []string, maxResults int) (SearchResult, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("fields", strings.Join(fields, ","))

	var body struct {
		Total  int `json:"total"`
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary string `json:"summary"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/3/search/jql", q, nil, &body); err != nil {
		return SearchResult{}, fmt.Errorf("jira search failed: %w", err)
	}

	res := SearchResult{Total: body.Total, Issues: make([]Issue, 0, len(body.Issues))}
	for _, is := range body.Issues {
		res.Issues = append(res.Issues, Issue{Key: is.Key, Summary: is.Fields.Summary})
	}
	// The enhanced search endpoint omits total.
	if res.Total < len(res.Issues) {
		res.Total = len(res.Issues)
	}
	return res, nil
}

// IssueComments returns the comments on issueKey, oldest first.
func (c *Client) IssueComments(ctx context.Context, issueKey string) ([]Comment, error) {
	var body struct {
		Comments []Comment `json:"comments"`
	}
	path := "/rest/api/3/issue/" + url.PathEscape(issueKey) + "/comment"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &body); err != nil {
		return nil, fmt.Errorf("failed to list comments on %s: %w", issueKey, err)
	}
	return body.Comments, nil
}

// PostComment adds a plain-text comment to issueKey.
func (c *Client) PostComment(ctx context.Context, issueKey, text string) error {
	payload := map[string]any{"body": Document(text)}
	path := "/rest/api/3/issue/" + url.PathEscape(issueKey) + "/comment"
	if err := c.do(ctx, http.MethodPost, path, nil, payload, nil); err != nil {
		return fmt.Errorf("failed to comment on %s: %w", issueKey, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
