// Package trigger turns inbound tracker and code-host events into job
// descriptors, or into a reason for ignoring them.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/github"
	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/log"
)

const (
	// LabelInstruction is the instruction used for label-triggered jobs.
	LabelInstruction = "implement the change described in this ticket"
	// LabelTriggeredBy is used when a label event carries no actor.
	LabelTriggeredBy = "label-trigger"
	// BulkTriggeredBy identifies jobs created by the bulk endpoint.
	BulkTriggeredBy = "bulk-label-trigger"
	// AckComment is posted on an issue once its job is queued.
	AckComment = "🤓 Okie dokie!"

	EventCommentCreated = "comment_created"
	EventIssueUpdated   = "jira:issue_updated"
	EventIssueComment   = "issue_comment"

	ReasonUnhandledEvent   = "unhandled event"
	ReasonLabelNotSet      = "label trigger not configured"
	ReasonNoLabelsField    = `no "labels" field in changelog`
	ReasonMissingIssueKey  = "missing issue key"
	ReasonMalformedPayload = "malformed payload"
)

// ErrNoTriggerLabel is returned by ResolveBulk when neither the request nor
// the settings name a label.
var ErrNoTriggerLabel = errors.New("no trigger label configured")

// Decision is the outcome of resolving one event. Exactly one of Job and
// Reason is set.
type Decision struct {
	Source job.Source
	Event  string
	Job    job.Job
	Reason string
}

// Ignored reports whether the event produced no job.
func (d Decision) Ignored() bool {
	return d.Job == nil
}

func ignore(source job.Source, event, reason string) Decision {
	return Decision{Source: source, Event: event, Reason: reason}
}

// ReasonNoMention is the reason given when a comment does not address the bot.
func ReasonNoMention(botName string) string {
	return fmt.Sprintf("no @%s trigger found", botName)
}

// ReasonLabelNotAdded is the reason given when the trigger label was not newly added.
func ReasonLabelNotAdded(label string) string {
	return fmt.Sprintf("trigger label %q was not added", label)
}

// BranchLookup resolves the head branch of a pull request.
type BranchLookup interface {
	PRBranch(ctx context.Context, owner, repo string, number int) (string, error)
}

// Resolver maps webhook payloads to decisions. The zero value is usable;
// without Branches, GitHub PR jobs carry no branch name.
type Resolver struct {
	Branches BranchLookup
}

// ExtractInstruction returns the trimmed text following the bot mention, or
// false when pattern does not match.
func ExtractInstruction(body string, pattern *regexp.Regexp) (string, bool) {
	m := pattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ChangelogItem is one field change in an issue_updated event.
type ChangelogItem struct {
	Field      string  `json:"field"`
	FromString *string `json:"fromString"`
	ToString   *string `json:"toString"`
}

// WasLabelAdded reports whether label is in the item's new label set and was
// not in the old one. Both sides are whitespace-separated; nil is empty.
func WasLabelAdded(item ChangelogItem, label string) bool {
	return hasLabel(item.ToString, label) && !hasLabel(item.FromString, label)
}

func hasLabel(set *string, label string) bool {
	if set == nil {
		return false
	}
	for _, l := range strings.Fields(*set) {
		if l == label {
			return true
		}
	}
	return false
}

type jiraUser struct {
	DisplayName string `json:"displayName"`
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        *struct {
		Key string `json:"key"`
	} `json:"issue"`
	Comment *struct {
		Body   json.RawMessage `json:"body"`
		Author jiraUser        `json:"author"`
	} `json:"comment"`
	User      *jiraUser `json:"user"`
	Changelog *struct {
		Items []ChangelogItem `json:"items"`
	} `json:"changelog"`
}

// ResolveJira handles comment_created (mention) and jira:issue_updated (label
// added) deliveries. Any other event, and any payload that does not decode, is
// ignored.
func (r *Resolver) ResolveJira(payload []byte, s config.Settings) Decision {
	var p jiraPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Debug("undecodable jira webhook", "error", err)
		return ignore(job.SourceJira, "", ReasonMalformedPayload)
	}
	event := p.WebhookEvent

	issueKey := ""
	if p.Issue != nil {
		issueKey = p.Issue.Key
	}

	switch event {
	case EventCommentCreated:
		if p.Comment == nil {
			return ignore(job.SourceJira, event, ReasonNoMention(s.BotName))
		}
		instruction, ok := ExtractInstruction(jira.BodyText(p.Comment.Body), s.TriggerPattern())
		if !ok {
			log.Debug("jira comment without mention", "issue", issueKey, "author", p.Comment.Author.DisplayName)
			return ignore(job.SourceJira, event, ReasonNoMention(s.BotName))
		}
		if issueKey == "" {
			return ignore(job.SourceJira, event, ReasonMissingIssueKey)
		}
		return Decision{
			Source: job.SourceJira,
			Event:  event,
			Job:    newJiraJob(issueKey, instruction, p.Comment.Author.DisplayName),
		}

	case EventIssueUpdated:
		label := strings.TrimSpace(s.TriggerLabel)
		if label == "" {
			return ignore(job.SourceJira, event, ReasonLabelNotSet)
		}
		var items []ChangelogItem
		if p.Changelog != nil {
			items = p.Changelog.Items
		}
		item, ok := labelsItem(items)
		if !ok {
			log.Debug("jira update without label change", "issue", issueKey, "fields", changedFields(items))
			return ignore(job.SourceJira, event, ReasonNoLabelsField)
		}
		if !WasLabelAdded(item, label) {
			return ignore(job.SourceJira, event, ReasonLabelNotAdded(label))
		}
		if issueKey == "" {
			return ignore(job.SourceJira, event, ReasonMissingIssueKey)
		}
		triggeredBy := LabelTriggeredBy
		if p.User != nil && p.User.DisplayName != "" {
			triggeredBy = p.User.DisplayName
		}
		return Decision{
			Source: job.SourceJira,
			Event:  event,
			Job:    newJiraJob(issueKey, LabelInstruction, triggeredBy),
		}
	}

	return ignore(job.SourceJira, event, ReasonUnhandledEvent)
}

func newJiraJob(issueKey, instruction, triggeredBy string) *job.JiraJob {
	return &job.JiraJob{
		Base:       job.Base{Instruction: instruction, TriggeredBy: triggeredBy},
		IssueKey:   issueKey,
		ProjectKey: job.ProjectKey(issueKey),
	}
}

// labelsItem returns the single changelog entry for the labels field.
func labelsItem(items []ChangelogItem) (ChangelogItem, bool) {
	for _, item := range items {
		if item.Field == "labels" {
			return item, true
		}
	}
	return ChangelogItem{}, false
}

func changedFields(items []ChangelogItem) string {
	fields := make([]string, 0, len(items))
	for _, item := range items {
		fields = append(fields, item.Field)
	}
	if len(fields) == 0 {
		return "none"
	}
	return strings.Join(fields, ", ")
}

// ResolveGitHub handles issue_comment deliveries on pull requests and issues.
func (r *Resolver) ResolveGitHub(ctx context.Context, eventName string, payload []byte, s config.Settings) Decision {
	if eventName != EventIssueComment {
		return ignore(job.SourceGitHub, eventName, ReasonUnhandledEvent)
	}
	ev, err := github.ParseIssueCommentEvent(eventName, payload)
	if err != nil {
		log.Debug("undecodable github webhook", "event", eventName, "error", err)
		return ignore(job.SourceGitHub, eventName, ReasonMalformedPayload)
	}
	if ev.Action != "created" {
		return ignore(job.SourceGitHub, eventName, fmt.Sprintf("unhandled action %q", ev.Action))
	}
	// Bot accounts, including this one, never trigger work.
	if strings.HasSuffix(ev.Author, "[bot]") {
		return ignore(job.SourceGitHub, eventName, "comment from a bot account")
	}
	instruction, ok := ExtractInstruction(ev.Body, s.TriggerPattern())
	if !ok {
		return ignore(job.SourceGitHub, eventName, ReasonNoMention(s.BotName))
	}

	j := &job.GitHubJob{
		Base:  job.Base{Instruction: instruction, TriggeredBy: ev.Author},
		Owner: ev.Owner,
		Repo:  ev.Repo,
	}
	if !ev.IsPullRequest {
		j.IssueNumber = job.Int(ev.Number)
		return Decision{Source: job.SourceGitHub, Event: eventName, Job: j}
	}

	j.PRNumber = job.Int(ev.Number)
	if r.Branches != nil {
		branch, err := r.Branches.PRBranch(ctx, ev.Owner, ev.Repo, ev.Number)
		if err != nil {
			// The job still runs; it just gets the owner/repo/number session key.
			log.Warn("failed to look up PR branch", "owner", ev.Owner, "repo", ev.Repo, "pr", ev.Number, "error", err)
		} else if branch != "" {
			j.BranchName = job.String(branch)
		}
	}
	return Decision{Source: job.SourceGitHub, Event: eventName, Job: j}
}

// Searcher finds open issues carrying a label.
type Searcher interface {
	SearchOpenIssuesByLabel(ctx context.Context, label string) (jira.SearchResult, error)
}

// BulkResult lists the jobs created for every open issue with Label.
type BulkResult struct {
	Label  string
	Total  int
	Issues []jira.Issue
	Jobs   []*job.JiraJob
}

// ResolveBulk enumerates open issues with the request label, or the configured
// trigger label when the request has none.
func ResolveBulk(ctx context.Context, requestLabel string, s config.Settings, searcher Searcher) (BulkResult, error) {
	label := strings.TrimSpace(requestLabel)
	if label == "" {
		label = strings.TrimSpace(s.TriggerLabel)
	}
	if label == "" {
		return BulkResult{}, ErrNoTriggerLabel
	}

	res, err := searcher.SearchOpenIssuesByLabel(ctx, label)
	if err != nil {
		return BulkResult{Label: label}, err
	}

	out := BulkResult{Label: label, Total: res.Total, Issues: res.Issues}
	for _, issue := range res.Issues {
		out.Jobs = append(out.Jobs, newJiraJob(issue.Key, LabelInstruction, BulkTriggeredBy))
	}
	return out, nil
}
