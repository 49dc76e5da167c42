// Package prompt assembles the text handed to the coding agent from a set of
// markdown instruction templates and the fields of a job.
package prompt

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/job"
)

const (
	// GeneralTemplate is always placed first.
	GeneralTemplate = "general.md"
	// Separator joins rendered templates.
	Separator = "\n\n---\n\n"
	// Unknown replaces placeholders with no value.
	Unknown = "unknown"
)

var placeholder = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Context maps placeholder names to values.
type Context map[string]string

// NewContext builds the placeholder values for j. Fields that do not apply to
// the job's source are left unset and render as "unknown".
func NewContext(j job.Job, s config.Settings) Context {
	base := j.Common()
	ctx := Context{
		"triggeredBy":  base.TriggeredBy,
		"instruction":  base.Instruction,
		"botName":      s.BotName,
		"branchPrefix": s.BranchPrefix(),
	}
	job.Match(j,
		func(jj *job.JiraJob) struct{} {
			ctx["jira.issueKey"] = jj.IssueKey
			ctx["jira.projectKey"] = jj.ProjectKey
			return struct{}{}
		},
		func(gj *job.GitHubJob) struct{} {
			ctx["github.owner"] = gj.Owner
			ctx["github.repo"] = gj.Repo
			if gj.PRNumber != nil {
				ctx["github.prNumber"] = strconv.Itoa(*gj.PRNumber)
			}
			if gj.IssueNumber != nil {
				ctx["github.issueNumber"] = strconv.Itoa(*gj.IssueNumber)
			}
			if gj.BranchName != nil {
				ctx["github.branch"] = *gj.BranchName
			}
			return struct{}{}
		},
		func(aj *job.AdminJob) struct{} {
			if aj.JiraIssueKey != nil {
				ctx["jira.issueKey"] = *aj.JiraIssueKey
			}
			if aj.GitHubOwner != nil {
				ctx["github.owner"] = *aj.GitHubOwner
			}
			if aj.GitHubRepo != nil {
				ctx["github.repo"] = *aj.GitHubRepo
			}
			return struct{}{}
		},
	)
	return ctx
}

// Compiler holds the loaded instruction templates in render order.
type Compiler struct {
	names     []string
	templates []string
}

// NewCompiler loads templates from dir, or the built-in set when dir is empty.
func NewCompiler(dir string) (*Compiler, error) {
	if dir == "" {
		assets, err := AssetsFS()
		if err != nil {
			return nil, err
		}
		return NewCompilerFromFS(assets)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructions dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("instructions path %s is not a directory", dir)
	}
	return NewCompilerFromFS(os.DirFS(dir))
}

// NewCompilerFromFS loads every top-level .md file in assets. general.md comes
// first and the rest follow in lexical order.
func NewCompilerFromFS(assets fs.FS) (*Compiler, error) {
	entries, err := fs.ReadDir(assets, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list instructions: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == GeneralTemplate {
			return true
		}
		if names[j] == GeneralTemplate {
			return false
		}
		return names[i] < names[j]
	})

	c := &Compiler{names: names}
	for _, name := range names {
		data, err := fs.ReadFile(assets, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read instruction %s: %w", name, err)
		}
		c.templates = append(c.templates, string(data))
	}
	return c, nil
}

// Names returns the template file names in render order.
func (c *Compiler) Names() []string {
	return append([]string(nil), c.names...)
}

// Compile renders every template with ctx and joins them.
func (c *Compiler) Compile(ctx Context) string {
	rendered := make([]string, len(c.templates))
	for i, tmpl := range c.templates {
		rendered[i] = Render(tmpl, ctx)
	}
	return strings.TrimSpace(strings.Join(rendered, Separator))
}

// Build is Compile(NewContext(j, s)).
func (c *Compiler) Build(j job.Job, s config.Settings) string {
	return c.Compile(NewContext(j, s))
}

// Render replaces each {{ key }} in tmpl with ctx[key], or "unknown".
func Render(tmpl string, ctx Context) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := strings.TrimSpace(m[2 : len(m)-2])
		if v, ok := ctx[key]; ok {
			return v
		}
		return Unknown
	})
}
