// Package preflight verifies that a worker can run agents before it starts
// consuming jobs.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mapthew/mapthew/pkg/log"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents execution
	LevelError CheckLevel = iota
	// LevelWarn indicates a warning that should be addressed but doesn't block execution
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
}

// Config configures the preflight checker
type Config struct {
	// Skip skips all preflight checks
	Skip bool
	// AgentCommand is looked up on PATH when set (local runtime).
	AgentCommand string
	// DockerPing reaches the docker engine when set (docker runtime).
	DockerPing func(ctx context.Context) error
	// RequireAgentCredentials warns when no Anthropic credentials are exported.
	RequireAgentCredentials bool
	// Dirs must be writable; missing directories are created.
	Dirs []string
	// MCPConfigPath must exist when set.
	MCPConfigPath string
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{skipped: cfg.Skip}

	if cfg.AgentCommand != "" {
		c.checks = append(c.checks, &CommandCheck{Command: cfg.AgentCommand})
		// The agent shells out to git inside the workspace.
		c.checks = append(c.checks, &CommandCheck{Command: "git", Optional: true})
	}
	if cfg.DockerPing != nil {
		c.checks = append(c.checks, &DockerCheck{Ping: cfg.DockerPing})
	}
	if cfg.RequireAgentCredentials {
		c.checks = append(c.checks, &AnthropicTokenCheck{})
	}
	for _, dir := range cfg.Dirs {
		c.checks = append(c.checks, &WritableDirCheck{Path: dir})
	}
	if cfg.MCPConfigPath != "" {
		c.checks = append(c.checks, &FileCheck{Label: "mcp-config", Path: cfg.MCPConfigPath})
	}
	return c
}

// Add appends a custom check.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Run executes all registered checks and returns an error if any critical checks fail
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		log.Info("preflight checks skipped")
		return nil
	}

	var failures []string
	warnings := 0
	for _, check := range c.checks {
		result := check.Run(ctx)

		switch result.Level {
		case LevelError:
			log.Error("preflight check failed", "check", result.Name, "message", result.Message, "error", result.Error)
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelWarn:
			log.Warn("preflight check warning", "check", result.Name, "message", result.Message)
			warnings++
		case LevelInfo:
			log.Debug("preflight check", "check", result.Name, "message", result.Message)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(failures, "\n  - "))
	}
	log.Info("preflight checks passed", "checks", len(c.checks), "warnings", warnings)
	return nil
}

// CommandCheck checks that an executable is on PATH.
type CommandCheck struct {
	Command string
	// Optional downgrades a missing command to a warning.
	Optional bool
}

func (c *CommandCheck) Name() string {
	return "command:" + filepath.Base(c.Command)
}

func (c *CommandCheck) Run(ctx context.Context) CheckResult {
	path, err := exec.LookPath(c.Command)
	if err != nil {
		level := LevelError
		if c.Optional {
			level = LevelWarn
		}
		return CheckResult{
			Name:    c.Name(),
			Level:   level,
			Message: fmt.Sprintf("%s not found on PATH", c.Command),
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%s is available at %s", c.Command, path),
	}
}

// DockerCheck checks that the docker daemon is reachable
type DockerCheck struct {
	Ping func(ctx context.Context) error
}

func (c *DockerCheck) Name() string {
	return "docker"
}

func (c *DockerCheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Ping(checkCtx); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: "docker daemon is not running or not accessible",
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: "docker daemon is reachable",
	}
}

// AnthropicTokenCheck checks if Anthropic credentials are exported for the agent
type AnthropicTokenCheck struct{}

func (c *AnthropicTokenCheck) Name() string {
	return "anthropic-token"
}

func (c *AnthropicTokenCheck) Run(ctx context.Context) CheckResult {
	for _, key := range []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "CLAUDE_CODE_OAUTH_TOKEN"} {
		if os.Getenv(key) != "" {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelInfo,
				Message: fmt.Sprintf("agent credentials available (%s)", key),
			}
		}
	}
	// The agent may still be logged in through its own config directory.
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelWarn,
		Message: "no Anthropic credentials in the environment; relying on the agent's own login",
	}
}

// WritableDirCheck checks that a directory exists (creating it if needed) and is writable
type WritableDirCheck struct {
	Path string
}

func (c *WritableDirCheck) Name() string {
	return "dir:" + c.Path
}

func (c *WritableDirCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: "failed to resolve path", Error: err}
	}

	info, err := os.Stat(absPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("cannot create directory: %s", absPath),
				Error:   err,
			}
		}
	case err != nil:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot access path: %s", absPath),
			Error:   err,
		}
	case !info.IsDir():
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("path is not a directory: %s", absPath),
			Error:   errors.New("not a directory"),
		}
	}

	f, err := os.CreateTemp(absPath, ".mapthew-write-test-*")
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("directory is not writable: %s", absPath),
			Error:   err,
		}
	}
	f.Close()
	_ = os.Remove(f.Name())

	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("directory is writable: %s", absPath),
	}
}

// FileCheck checks that a regular file exists.
type FileCheck struct {
	Label string
	Path  string
}

func (c *FileCheck) Name() string {
	return c.Label
}

func (c *FileCheck) Run(ctx context.Context) CheckResult {
	info, err := os.Stat(c.Path)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("file is not accessible: %s", c.Path),
			Error:   err,
		}
	}
	if info.IsDir() {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("expected a file, found a directory: %s", c.Path),
			Error:   errors.New("is a directory"),
		}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("found %s", c.Path)}
}
