package github

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v68/github"
)

// CommentEvent is the part of an issue_comment webhook the resolver needs.
type CommentEvent struct {
	Action string
	Owner  string
	Repo   string
	Number int
	// IsPullRequest is set when the comment was left on a pull request
	// rather than a plain issue.
	IsPullRequest bool
	Body          string
	Author        string
}

// ParseIssueCommentEvent decodes an issue_comment webhook delivery. Any other
// event name is rejected.
func ParseIssueCommentEvent(eventName string, payload []byte) (*CommentEvent, error) {
	if eventName != "issue_comment" {
		return nil, fmt.Errorf("unsupported event %q", eventName)
	}
	raw, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", eventName, err)
	}
	ev, ok := raw.(*github.IssueCommentEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", raw)
	}

	issue := ev.GetIssue()
	repo := ev.GetRepo()
	return &CommentEvent{
		Action:        ev.GetAction(),
		Owner:         repo.GetOwner().GetLogin(),
		Repo:          repo.GetName(),
		Number:        issue.GetNumber(),
		IsPullRequest: issue.IsPullRequest(),
		Body:          ev.GetComment().GetBody(),
		Author:        ev.GetComment().GetUser().GetLogin(),
	}, nil
}

// ReadDelivery returns the event name and body of a webhook request. When
// secret is non-empty the X-Hub-Signature-256 header must match the body.
func ReadDelivery(r *http.Request, secret string) (string, []byte, error) {
	eventName := github.WebHookType(r)
	if secret == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return eventName, nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return eventName, body, nil
	}
	body, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		return eventName, nil, err
	}
	return eventName, body, nil
}
