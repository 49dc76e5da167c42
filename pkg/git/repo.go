package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoState describes a git checkout found in a session workspace.
type RepoState struct {
	// Path is relative to the inspected directory; "." for the directory itself.
	Path string
	// Branch is empty when HEAD is detached.
	Branch string
	// Head is empty for a repository without commits.
	Head  string
	Dirty bool
}

// ShortHead is the abbreviated HEAD commit.
func (r RepoState) ShortHead() string {
	if len(r.Head) > 12 {
		return r.Head[:12]
	}
	return r.Head
}

// Inspect reports the repositories at dir and in its immediate
// subdirectories, which is where the agent clones into a workspace.
func Inspect(dir string) ([]RepoState, error) {
	var repos []RepoState

	if state, ok, err := inspectOne(dir); err != nil {
		return nil, err
	} else if ok {
		state.Path = "."
		repos = append(repos, state)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".git" {
			continue
		}
		state, ok, err := inspectOne(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			state.Path = e.Name()
			repos = append(repos, state)
		}
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	return repos, nil
}

func inspectOne(dir string) (RepoState, bool, error) {
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return RepoState{}, false, nil
	}
	if err != nil {
		return RepoState{}, false, fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	var state RepoState
	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
	case err != nil:
		return RepoState{}, false, fmt.Errorf("failed to resolve HEAD in %s: %w", dir, err)
	default:
		state.Head = head.Hash().String()
		if head.Name().IsBranch() {
			state.Branch = head.Name().Short()
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to be dirty.
		return state, true, nil
	}
	status, err := wt.Status()
	if err != nil {
		return RepoState{}, false, fmt.Errorf("failed to get status of %s: %w", dir, err)
	}
	state.Dirty = !status.IsClean()
	return state, true, nil
}
