// Package job defines the unit of work produced by triggers and consumed by
// workers, and the rules that give each job a stable session identity.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Source tags which system a job originated from.
type Source string

const (
	SourceJira   Source = "jira"
	SourceGitHub Source = "github"
	SourceAdmin  Source = "admin"
)

// Job is a closed sum over *JiraJob, *GitHubJob and *AdminJob. The unexported
// marker keeps other packages from adding variants; consume it with Match.
type Job interface {
	Source() Source
	Common() *Base
	sealed()
}

// Base carries the fields every variant has.
type Base struct {
	Instruction string `json:"instruction"`
	TriggeredBy string `json:"triggeredBy"`
}

// JiraJob was triggered from an issue-tracker ticket.
type JiraJob struct {
	Base
	IssueKey   string `json:"issueKey"`
	ProjectKey string `json:"projectKey"`
}

// GitHubJob was triggered from a pull request or issue comment.
type GitHubJob struct {
	Base
	Owner       string  `json:"owner"`
	Repo        string  `json:"repo"`
	PRNumber    *int    `json:"prNumber,omitempty"`
	IssueNumber *int    `json:"issueNumber,omitempty"`
	BranchName  *string `json:"branchName,omitempty"`
}

// AdminJob was submitted by an operator. The cross-reference fields are for
// context only; there is nothing to post results back to.
type AdminJob struct {
	Base
	JiraIssueKey *string `json:"jiraIssueKey,omitempty"`
	GitHubOwner  *string `json:"githubOwner,omitempty"`
	GitHubRepo   *string `json:"githubRepo,omitempty"`
}

func (*JiraJob) Source() Source   { return SourceJira }
func (*GitHubJob) Source() Source { return SourceGitHub }
func (*AdminJob) Source() Source  { return SourceAdmin }

func (j *JiraJob) Common() *Base   { return &j.Base }
func (j *GitHubJob) Common() *Base { return &j.Base }
func (j *AdminJob) Common() *Base  { return &j.Base }

func (*JiraJob) sealed()   {}
func (*GitHubJob) sealed() {}
func (*AdminJob) sealed()  {}

// Match dispatches on the job variant. All three handlers are required, so a new
// variant cannot be added without every call site being revisited.
func Match[T any](j Job, jira func(*JiraJob) T, github func(*GitHubJob) T, admin func(*AdminJob) T) T {
	switch v := j.(type) {
	case *JiraJob:
		return jira(v)
	case *GitHubJob:
		return github(v)
	case *AdminJob:
		return admin(v)
	}
	// Unreachable: Job is sealed.
	panic(fmt.Sprintf("job: unhandled variant %T", j))
}

// Number returns the PR number if present, else the issue number.
func (j *GitHubJob) Number() (int, bool) {
	if j.PRNumber != nil {
		return *j.PRNumber, true
	}
	if j.IssueNumber != nil {
		return *j.IssueNumber, true
	}
	return 0, false
}

// Int and String return pointers for optional fields.
func Int(v int) *int          { return &v }
func String(v string) *string { return &v }

// ErrUnknownSource is returned when decoding an envelope with an unrecognised tag.
var ErrUnknownSource = errors.New("unknown job source")

// Marshal encodes a job with its "source" tag alongside the variant's fields.
func Marshal(j Job) ([]byte, error) {
	switch v := j.(type) {
	case *JiraJob:
		return json.Marshal(struct {
			Source Source `json:"source"`
			*JiraJob
		}{SourceJira, v})
	case *GitHubJob:
		return json.Marshal(struct {
			Source Source `json:"source"`
			*GitHubJob
		}{SourceGitHub, v})
	case *AdminJob:
		return json.Marshal(struct {
			Source Source `json:"source"`
			*AdminJob
		}{SourceAdmin, v})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownSource, j)
}

// Unmarshal decodes a tagged job envelope.
func Unmarshal(data []byte) (Job, error) {
	var head struct {
		Source Source `json:"source"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	var j Job
	switch head.Source {
	case SourceJira:
		j = &JiraJob{}
	case SourceGitHub:
		j = &GitHubJob{}
	case SourceAdmin:
		j = &AdminJob{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, head.Source)
	}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("failed to decode %s job: %w", head.Source, err)
	}
	return j, nil
}
