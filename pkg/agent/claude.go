package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/mapthew/mapthew/pkg/log"
)

// ClaudeRunner runs the agent CLI as a local subprocess.
type ClaudeRunner struct {
	// Command is the executable, "claude" by default.
	Command       string
	MCPConfigPath string
	// Timeout bounds a run. Zero waits for the process to exit.
	Timeout time.Duration
	// Tee copies the agent's output to this process's stdout and stderr.
	Tee bool
}

// Run implements Runner.
func (r *ClaudeRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	command := r.Command
	if command == "" {
		command = "claude"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, Args(inv, r.MCPConfigPath)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), environ(inv)...)
	cmd.Stdout = r.writer(inv.Stdout, os.Stdout)
	cmd.Stderr = r.writer(inv.Stderr, os.Stderr)
	cmd.WaitDelay = 10 * time.Second

	log.Debug("starting agent", "run_id", inv.RunID, "command", command, "dir", inv.WorkDir, "resume", inv.Resume)
	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Err: err}
	}

	err := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && r.Timeout > 0 {
			return Result{ExitCode: -1}, fmt.Errorf("agent timed out after %s", r.Timeout)
		}
		return Result{ExitCode: -1}, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{ExitCode: 0}, nil
	case errors.As(err, &exitErr):
		return Result{ExitCode: exitErr.ExitCode()}, nil
	default:
		return Result{ExitCode: -1}, err
	}
}

func (r *ClaudeRunner) writer(captured io.Writer, console io.Writer) io.Writer {
	switch {
	case captured == nil && !r.Tee:
		return io.Discard
	case captured == nil:
		return console
	case !r.Tee:
		return captured
	default:
		return io.MultiWriter(captured, console)
	}
}

// environ renders the per-run environment in a stable order.
func environ(inv Invocation) []string {
	env := map[string]string{
		ConfigDirEnv:     filepath.Join(inv.WorkDir, ".claude"),
		"MAPTHEW_RUN_ID": inv.RunID,
	}
	for k, v := range inv.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
