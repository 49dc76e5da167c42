package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func commitFile(t *testing.T, dir, name, content string) plumbing.Hash {
	t.Helper()
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := BotIdentity("Mapthew", "mapthew-bot")
	hash, err := wt.Commit("add "+name, &gogit.CommitOptions{
		Author: &object.Signature{Name: id.Name, Email: id.Email, When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

func TestInspect(t *testing.T) {
	ws := t.TempDir()

	app := filepath.Join(ws, "app")
	if _, err := gogit.PlainInit(app, false); err != nil {
		t.Fatalf("init app: %v", err)
	}
	hash := commitFile(t, app, "README.md", "hello\n")
	if err := os.WriteFile(filepath.Join(app, "scratch.txt"), []byte("wip"), 0o644); err != nil {
		t.Fatal(err)
	}

	empty := filepath.Join(ws, "empty")
	if _, err := gogit.PlainInit(empty, false); err != nil {
		t.Fatalf("init empty: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws, ".claude"), 0o755); err != nil {
		t.Fatal(err)
	}

	repos, err := Inspect(ws)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("Inspect() found %d repositories, want 2: %+v", len(repos), repos)
	}

	got := repos[0]
	if got.Path != "app" || got.Head != hash.String() || got.Branch != "master" || !got.Dirty {
		t.Errorf("app = %+v, want branch master at %s and dirty", got, hash)
	}
	if len(got.ShortHead()) != 12 {
		t.Errorf("ShortHead() = %q", got.ShortHead())
	}

	if repos[1].Path != "empty" || repos[1].Head != "" || repos[1].Dirty {
		t.Errorf("empty = %+v, want no HEAD and clean", repos[1])
	}
}

func TestInspect_WorkspaceIsRepo(t *testing.T) {
	ws := t.TempDir()
	if _, err := gogit.PlainInit(ws, false); err != nil {
		t.Fatal(err)
	}
	commitFile(t, ws, "main.go", "package main\n")

	repos, err := Inspect(ws)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(repos) != 1 || repos[0].Path != "." || repos[0].Dirty {
		t.Errorf("Inspect() = %+v, want one clean repository at .", repos)
	}
}

func TestInspect_NoRepositories(t *testing.T) {
	repos, err := Inspect(t.TempDir())
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(repos) != 0 {
		t.Errorf("Inspect() = %+v, want none", repos)
	}
}
