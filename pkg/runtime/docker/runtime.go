// Package docker runs the coding agent inside a container with the session
// workspace bind-mounted at /workspace.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mapthew/mapthew/pkg/agent"
	"github.com/mapthew/mapthew/pkg/log"
)

// API is the subset of the docker client used by Runtime.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runtime implements agent.Runner on top of the docker engine.
type Runtime struct {
	cli API

	Image         string
	Command       string
	MCPConfigPath string
	// PassEnv names host environment variables copied into the container.
	PassEnv []string
	Timeout time.Duration
	// Pull refreshes Image before every run. Pull failures are logged and the
	// local image is used.
	Pull bool
	Tee  bool
}

// NewRuntime connects to the docker engine configured in the environment.
func NewRuntime(imageRef string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewRuntimeWithClient(cli, imageRef), nil
}

// NewRuntimeWithClient builds a Runtime around an existing client.
func NewRuntimeWithClient(cli API, imageRef string) *Runtime {
	return &Runtime{cli: cli, Image: imageRef, Command: "claude"}
}

var _ agent.Runner = (*Runtime)(nil)

// Ping checks that the docker engine is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Run implements agent.Runner.
func (r *Runtime) Run(ctx context.Context, inv agent.Invocation) (agent.Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	mountCfg := &MountConfig{WorkspaceDir: inv.WorkDir, MCPConfigPath: r.MCPConfigPath}
	if err := ValidateMountTargets(mountCfg); err != nil {
		return agent.Result{}, &agent.SpawnError{Err: err}
	}

	if r.Pull {
		r.pull(ctx)
	}

	resp, err := r.cli.ContainerCreate(ctx, r.containerConfig(inv), BuildContainerHostConfig(&HostConfigOptions{
		Mounts: BuildContainerMounts(mountCfg),
	}), nil, nil, "")
	if err != nil {
		return agent.Result{}, &agent.SpawnError{Err: fmt.Errorf("failed to create container: %w", err)}
	}
	logger := log.With("run_id", inv.RunID, "container", shortID(resp.ID))
	defer func() {
		// The run context may already be cancelled.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warnw("failed to remove container", "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return agent.Result{}, &agent.SpawnError{Err: fmt.Errorf("failed to start container: %w", err)}
	}
	logger.Debugw("agent container started", "image", r.Image)

	copied := make(chan error, 1)
	out, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Warnw("failed to attach to container logs", "error", err)
		copied <- nil
	} else {
		defer out.Close()
		go func() {
			_, err := stdcopy.StdCopy(
				teeWriter(inv.Stdout, os.Stdout, r.Tee),
				teeWriter(inv.Stderr, os.Stderr, r.Tee),
				out,
			)
			copied <- err
		}()
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) && r.Timeout > 0 {
				return agent.Result{ExitCode: -1}, fmt.Errorf("agent timed out after %s", r.Timeout)
			}
			return agent.Result{ExitCode: -1}, ctxErr
		}
		return agent.Result{ExitCode: -1}, fmt.Errorf("container wait error: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return agent.Result{ExitCode: -1}, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	// Drain the log stream so the captured output is complete.
	if err := <-copied; err != nil && !errors.Is(err, io.EOF) {
		logger.Warnw("failed to copy container logs", "error", err)
	}
	return agent.Result{ExitCode: exitCode}, nil
}

func (r *Runtime) containerConfig(inv agent.Invocation) *container.Config {
	mcp := ""
	if r.MCPConfigPath != "" {
		mcp = ContainerMCPConfig
	}
	command := r.Command
	if command == "" {
		command = "claude"
	}

	env := make(map[string]string, len(r.PassEnv)+len(inv.Env)+2)
	for _, key := range r.PassEnv {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range inv.Env {
		env[k] = v
	}
	env[agent.ConfigDirEnv] = path.Join(ContainerWorkspaceDir, ".claude")
	env["MAPTHEW_RUN_ID"] = inv.RunID

	return &container.Config{
		Image: r.Image,
		Cmd:   append([]string{command}, agent.Args(inv, mcp)...),
		Env: BuildContainerEnv(&EnvConfig{
			UserEnv: env,
			HostUID: os.Getuid(),
			HostGID: os.Getgid(),
		}),
		WorkingDir: ContainerWorkspaceDir,
		Labels:     map[string]string{"mapthew.run-id": inv.RunID},
		Tty:        false,
	}
}

func (r *Runtime) pull(ctx context.Context) {
	reader, err := r.cli.ImagePull(ctx, r.Image, image.PullOptions{})
	if err != nil {
		log.Warn("failed to pull agent image", "image", r.Image, "error", err)
		return
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
}

func teeWriter(captured, console io.Writer, tee bool) io.Writer {
	switch {
	case captured == nil && !tee:
		return io.Discard
	case captured == nil:
		return console
	case !tee:
		return captured
	default:
		return io.MultiWriter(captured, console)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
