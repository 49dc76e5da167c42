package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	refShort = regexp.MustCompile(`^([^/\s]+)/([^/#\s]+)#(\d+)$`)
	refPull  = regexp.MustCompile(`^([^/\s]+)/([^/\s]+)/(?:pull|pr)/(\d+)$`)
	refIssue = regexp.MustCompile(`^([^/\s]+)/([^/\s]+)/issues/(\d+)$`)
	refRepo  = regexp.MustCompile(`^([^/\s]+)/([^/#\s]+)$`)
)

// RefType is the kind of object a Ref points at.
type RefType int

const (
	RefTypeRepo RefType = iota
	RefTypePR
	RefTypeIssue
)

// Ref is a parsed reference to a repository, pull request or issue.
type Ref struct {
	Owner  string
	Repo   string
	Number int
	Kind   RefType
}

// ParseRef accepts:
//   - owner/repo
//   - owner/repo#123 (pull request or issue, reported as RefTypePR)
//   - owner/repo/pull/123, owner/repo/pr/123
//   - owner/repo/issues/123
//
// A leading https://github.com/ is ignored.
func ParseRef(target string) (*Ref, error) {
	target = strings.TrimSpace(target)
	target = strings.TrimPrefix(target, "https://github.com/")
	target = strings.TrimSuffix(target, "/")

	match := func(re *regexp.Regexp, kind RefType) *Ref {
		m := re.FindStringSubmatch(target)
		if m == nil {
			return nil
		}
		ref := &Ref{Owner: m[1], Repo: m[2], Kind: kind}
		if len(m) > 3 {
			ref.Number, _ = strconv.Atoi(m[3])
		}
		return ref
	}

	for _, try := range []struct {
		re   *regexp.Regexp
		kind RefType
	}{
		{refShort, RefTypePR},
		{refPull, RefTypePR},
		{refIssue, RefTypeIssue},
		{refRepo, RefTypeRepo},
	} {
		if ref := match(try.re, try.kind); ref != nil {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("invalid GitHub reference %q (expected owner/repo, owner/repo#123, owner/repo/pull/123 or owner/repo/issues/123)", target)
}

func (r *Ref) String() string {
	switch r.Kind {
	case RefTypePR:
		return fmt.Sprintf("%s/%s/pull/%d", r.Owner, r.Repo, r.Number)
	case RefTypeIssue:
		return fmt.Sprintf("%s/%s/issues/%d", r.Owner, r.Repo, r.Number)
	default:
		return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
	}
}
