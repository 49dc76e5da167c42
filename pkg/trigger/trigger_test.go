package trigger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/job"
)

func settings() config.Settings {
	return config.Settings{BotName: "mapthew", TriggerLabel: "claude-ready", ClaudeModel: config.DefaultModel}
}

func ptr(s string) *string { return &s }

func TestExtractInstruction(t *testing.T) {
	pattern := settings().TriggerPattern()
	tests := []struct {
		body string
		want string
		ok   bool
	}{
		{"@mapthew fix the login bug", "fix the login bug", true},
		{"hey @MapThew   please add tests  ", "please add tests", true},
		{"first line\n@mapthew do this\nand not this", "do this", true},
		{"@mapthew", "", false},
		{"@mapthewx do it", "", false},
		{"no mention here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, ok := ExtractInstruction(tt.body, pattern)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWasLabelAdded(t *testing.T) {
	tests := []struct {
		name string
		item ChangelogItem
		want bool
	}{
		{"added to empty", ChangelogItem{Field: "labels", ToString: ptr("claude-ready")}, true},
		{"added alongside", ChangelogItem{Field: "labels", FromString: ptr("backend"), ToString: ptr("backend claude-ready")}, true},
		{"already present", ChangelogItem{Field: "labels", FromString: ptr("claude-ready"), ToString: ptr("claude-ready frontend")}, false},
		{"removed", ChangelogItem{Field: "labels", FromString: ptr("claude-ready"), ToString: ptr("")}, false},
		{"substring only", ChangelogItem{Field: "labels", ToString: ptr("claude-ready-later")}, false},
		{"nil sides", ChangelogItem{Field: "labels"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WasLabelAdded(tt.item, "claude-ready"))
		})
	}
}

func TestResolveJiraMention(t *testing.T) {
	var r Resolver
	payload := `{
		"webhookEvent": "comment_created",
		"issue": {"key": "dxtr-42"},
		"comment": {"body": "@mapthew add a retry", "author": {"displayName": "Ada"}}
	}`

	d := r.ResolveJira([]byte(payload), settings())
	require.False(t, d.Ignored())

	jj, ok := d.Job.(*job.JiraJob)
	require.True(t, ok)
	assert.Equal(t, "dxtr-42", jj.IssueKey)
	assert.Equal(t, "DXTR", jj.ProjectKey)
	assert.Equal(t, "add a retry", jj.Instruction)
	assert.Equal(t, "Ada", jj.TriggeredBy)
	assert.Equal(t, EventCommentCreated, d.Event)
}

func TestResolveJiraMentionADFBody(t *testing.T) {
	var r Resolver
	payload := `{
		"webhookEvent": "comment_created",
		"issue": {"key": "ABC-1"},
		"comment": {
			"author": {"displayName": "Grace"},
			"body": {"type": "doc", "version": 1, "content": [
				{"type": "paragraph", "content": [{"type": "text", "text": "@mapthew write docs"}]}
			]}
		}
	}`

	d := r.ResolveJira([]byte(payload), settings())
	require.False(t, d.Ignored())
	assert.Equal(t, "write docs", d.Job.Common().Instruction)
}

func TestResolveJiraIgnored(t *testing.T) {
	noLabel := settings()
	noLabel.TriggerLabel = ""

	tests := []struct {
		name    string
		payload string
		s       config.Settings
		reason  string
	}{
		{
			name:    "no mention",
			payload: `{"webhookEvent":"comment_created","issue":{"key":"A-1"},"comment":{"body":"looks good","author":{"displayName":"x"}}}`,
			s:       settings(),
			reason:  "no @mapthew trigger found",
		},
		{
			name:    "label trigger unset",
			payload: `{"webhookEvent":"jira:issue_updated","issue":{"key":"A-1"},"changelog":{"items":[{"field":"labels","toString":"claude-ready"}]}}`,
			s:       noLabel,
			reason:  ReasonLabelNotSet,
		},
		{
			name:    "no labels item",
			payload: `{"webhookEvent":"jira:issue_updated","issue":{"key":"A-1"},"changelog":{"items":[{"field":"status","toString":"Done"}]}}`,
			s:       settings(),
			reason:  ReasonNoLabelsField,
		},
		{
			name:    "label already present",
			payload: `{"webhookEvent":"jira:issue_updated","issue":{"key":"A-1"},"changelog":{"items":[{"field":"labels","fromString":"claude-ready","toString":"claude-ready x"}]}}`,
			s:       settings(),
			reason:  `trigger label "claude-ready" was not added`,
		},
		{
			name:    "other event",
			payload: `{"webhookEvent":"jira:issue_deleted","issue":{"key":"A-1"}}`,
			s:       settings(),
			reason:  ReasonUnhandledEvent,
		},
	}
	var r Resolver
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.ResolveJira([]byte(tt.payload), tt.s)
			assert.True(t, d.Ignored())
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestResolveJiraLabelAdded(t *testing.T) {
	var r Resolver
	withUser := `{"webhookEvent":"jira:issue_updated","issue":{"key":"DXTR-9"},"user":{"displayName":"Linus"},
		"changelog":{"items":[{"field":"status"},{"field":"labels","fromString":null,"toString":"claude-ready"}]}}`
	d := r.ResolveJira([]byte(withUser), settings())
	require.False(t, d.Ignored())
	assert.Equal(t, LabelInstruction, d.Job.Common().Instruction)
	assert.Equal(t, "Linus", d.Job.Common().TriggeredBy)

	anonymous := `{"webhookEvent":"jira:issue_updated","issue":{"key":"DXTR-9"},
		"changelog":{"items":[{"field":"labels","toString":"claude-ready"}]}}`
	d = r.ResolveJira([]byte(anonymous), settings())
	assert.Equal(t, LabelTriggeredBy, d.Job.Common().TriggeredBy)
}

func TestResolveJiraMalformed(t *testing.T) {
	payloads := map[string]string{
		"not json":        `{not json`,
		"numeric event":   `{"webhookEvent": 42}`,
		"issue as string": `{"webhookEvent":"comment_created","issue":"ABC-1","comment":{"body":"@mapthew go"}}`,
		"top-level array": `[{"webhookEvent":"comment_created"}]`,
	}
	var r Resolver
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			d := r.ResolveJira([]byte(payload), settings())
			assert.True(t, d.Ignored())
			assert.Equal(t, ReasonMalformedPayload, d.Reason)
			assert.Equal(t, job.SourceJira, d.Source)
		})
	}
}

type fakeBranches struct {
	branch string
	err    error
	calls  int
}

func (f *fakeBranches) PRBranch(context.Context, string, string, int) (string, error) {
	f.calls++
	return f.branch, f.err
}

func githubPayload(action, body, author string, pr bool) []byte {
	pull := ""
	if pr {
		pull = `,"pull_request":{"url":"https://api.github.com/repos/acme/widgets/pulls/7"}`
	}
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"issue": {"number": 7%s},
		"comment": {"body": %q, "user": {"login": %q}},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`, action, pull, body, author))
}

func TestResolveGitHubPullRequest(t *testing.T) {
	branches := &fakeBranches{branch: "mapthew-bot/DXTR-12-retry"}
	r := Resolver{Branches: branches}

	d := r.ResolveGitHub(context.Background(), EventIssueComment, githubPayload("created", "@mapthew rebase please", "octocat", true), settings())
	require.False(t, d.Ignored())

	gj, ok := d.Job.(*job.GitHubJob)
	require.True(t, ok)
	assert.Equal(t, "acme", gj.Owner)
	assert.Equal(t, "widgets", gj.Repo)
	require.NotNil(t, gj.PRNumber)
	assert.Equal(t, 7, *gj.PRNumber)
	assert.Nil(t, gj.IssueNumber)
	require.NotNil(t, gj.BranchName)
	assert.Equal(t, "DXTR-12", job.SessionKey(gj))
	assert.Equal(t, "octocat", gj.TriggeredBy)
	assert.Equal(t, 1, branches.calls)
}

func TestResolveGitHubBranchLookupFailure(t *testing.T) {
	r := Resolver{Branches: &fakeBranches{err: errors.New("404")}}
	d := r.ResolveGitHub(context.Background(), EventIssueComment, githubPayload("created", "@mapthew go", "octocat", true), settings())
	require.False(t, d.Ignored())
	assert.Equal(t, "gh-acme-widgets-7", job.SessionKey(d.Job))
}

func TestResolveGitHubIssue(t *testing.T) {
	branches := &fakeBranches{}
	r := Resolver{Branches: branches}
	d := r.ResolveGitHub(context.Background(), EventIssueComment, githubPayload("created", "@mapthew triage", "octocat", false), settings())

	gj := d.Job.(*job.GitHubJob)
	require.NotNil(t, gj.IssueNumber)
	assert.Equal(t, 7, *gj.IssueNumber)
	assert.Nil(t, gj.PRNumber)
	assert.Zero(t, branches.calls)
}

func TestResolveGitHubIgnored(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload []byte
		reason  string
	}{
		{"other event", "push", []byte(`{}`), ReasonUnhandledEvent},
		{"edited", EventIssueComment, githubPayload("edited", "@mapthew go", "octocat", true), `unhandled action "edited"`},
		{"bot author", EventIssueComment, githubPayload("created", "@mapthew go", "dependabot[bot]", true), "comment from a bot account"},
		{"no mention", EventIssueComment, githubPayload("created", "lgtm", "octocat", false), "no @mapthew trigger found"},
		{"issue as string", EventIssueComment, []byte(`{"action":"created","issue":"7","comment":{"body":"@mapthew go"}}`), ReasonMalformedPayload},
		{"not json", EventIssueComment, []byte(`nope`), ReasonMalformedPayload},
	}
	var r Resolver
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.ResolveGitHub(context.Background(), tt.event, tt.payload, settings())
			assert.True(t, d.Ignored())
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

type fakeSearcher struct {
	result jira.SearchResult
	err    error
	label  string
}

func (f *fakeSearcher) SearchOpenIssuesByLabel(_ context.Context, label string) (jira.SearchResult, error) {
	f.label = label
	return f.result, f.err
}

func TestResolveBulk(t *testing.T) {
	searcher := &fakeSearcher{result: jira.SearchResult{
		Total:  2,
		Issues: []jira.Issue{{Key: "ABC-1", Summary: "one"}, {Key: "ABC-2", Summary: "two"}},
	}}

	res, err := ResolveBulk(context.Background(), " sprint-42 ", settings(), searcher)
	require.NoError(t, err)
	assert.Equal(t, "sprint-42", searcher.label, "request label wins over the configured one")
	assert.Equal(t, "sprint-42", res.Label)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Jobs, 2)
	for i, j := range res.Jobs {
		assert.Equal(t, res.Issues[i].Key, j.IssueKey)
		assert.Equal(t, "ABC", j.ProjectKey)
		assert.Equal(t, BulkTriggeredBy, j.TriggeredBy)
		assert.Equal(t, LabelInstruction, j.Instruction)
	}

	_, err = ResolveBulk(context.Background(), "", settings(), searcher)
	require.NoError(t, err)
	assert.Equal(t, "claude-ready", searcher.label)
}

func TestResolveBulkErrors(t *testing.T) {
	noLabel := settings()
	noLabel.TriggerLabel = ""
	_, err := ResolveBulk(context.Background(), "  ", noLabel, &fakeSearcher{})
	assert.ErrorIs(t, err, ErrNoTriggerLabel)

	boom := errors.New("search failed")
	res, err := ResolveBulk(context.Background(), "x", settings(), &fakeSearcher{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "x", res.Label)
}
