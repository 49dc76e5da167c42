// Package agent launches the external coding agent for one job.
//
// A Runner starts the agent in a workspace, streams its stdout and stderr into
// the writers of the Invocation and reports the exit status. Runners never
// interpret the output.
package agent

import (
	"context"
	"fmt"
	"io"
)

// Invocation describes one agent run.
type Invocation struct {
	// RunID correlates log lines and containers belonging to this run.
	RunID   string
	Prompt  string
	WorkDir string
	// Resume asks the agent to continue the most recent conversation stored
	// in the workspace.
	Resume bool
	Model  string
	// Env is added to the agent's environment.
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a run that started.
type Result struct {
	ExitCode int
}

// Runner starts the agent and blocks until it exits. It returns an error only
// when the process could not be started or was terminated by ctx; a non-zero
// exit is reported through Result.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// SpawnError is returned when the agent process could not be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("Failed to spawn process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ConfigDirEnv points the agent at a per-workspace state directory so that
// conversations can be resumed from the same workspace later.
const ConfigDirEnv = "CLAUDE_CONFIG_DIR"

// Args returns the agent CLI arguments for inv. mcpConfigPath is passed
// through when non-empty.
func Args(inv Invocation, mcpConfigPath string) []string {
	args := []string{"--print", inv.Prompt}
	if mcpConfigPath != "" {
		args = append(args, "--mcp-config", mcpConfigPath)
	}
	args = append(args, "--dangerously-skip-permissions")
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.Resume {
		args = append(args, "--continue")
	}
	return args
}
