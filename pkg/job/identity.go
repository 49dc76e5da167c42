package job

import (
	"fmt"
	"regexp"
	"strings"
)

// AdminSessionKey is shared by every admin job.
const AdminSessionKey = "admin"

var (
	issueKeyPattern       = regexp.MustCompile(`(?i)^([A-Z]+)-\d+$`)
	branchIssueKeyPattern = regexp.MustCompile(`(?i)([A-Z]+-\d+)`)
)

// ProjectKey returns the uppercased letter prefix of an issue key. Keys that do
// not look like PROJ-123 fall back to everything before the first dash.
func ProjectKey(issueKey string) string {
	if m := issueKeyPattern.FindStringSubmatch(issueKey); m != nil {
		return strings.ToUpper(m[1])
	}
	prefix, _, _ := strings.Cut(issueKey, "-")
	return strings.ToUpper(prefix)
}

// ExtractIssueKeyFromBranch finds an issue key such as DXTR-123 anywhere in a
// branch name (feature/DXTR-123-x, mapthew_DXTR-456, dxtr-7-fix) and returns
// it uppercased.
func ExtractIssueKeyFromBranch(branch string) (string, bool) {
	m := branchIssueKeyPattern.FindStringSubmatch(branch)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// SessionKey groups jobs that should share one workspace and agent session.
func SessionKey(j Job) string {
	return Match(j,
		func(v *JiraJob) string { return v.IssueKey },
		func(v *GitHubJob) string {
			if v.BranchName != nil {
				if key, ok := ExtractIssueKeyFromBranch(*v.BranchName); ok {
					return key
				}
			}
			if n, ok := v.Number(); ok {
				return fmt.Sprintf("gh-%s-%s-%d", v.Owner, v.Repo, n)
			}
			return fmt.Sprintf("gh-%s-%s", v.Owner, v.Repo)
		},
		func(*AdminJob) string { return AdminSessionKey },
	)
}

// ReadableID is a human-facing label for logs and messages.
func ReadableID(j Job) string {
	return Match(j,
		func(v *JiraJob) string { return v.IssueKey },
		func(v *GitHubJob) string {
			if n, ok := v.Number(); ok {
				return fmt.Sprintf("%s#%d", v.Repo, n)
			}
			return v.Repo
		},
		func(*AdminJob) string { return "admin" },
	)
}
