package docker

import (
	"fmt"
	"os"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/mapthew/mapthew/pkg/pathutil"
)

const (
	ContainerWorkspaceDir = "/workspace"
	ContainerMCPConfig    = "/etc/mapthew/mcp.json"
)

// Pure helper functions for container configuration assembly

// MountConfig represents the mount configuration for a container
type MountConfig struct {
	WorkspaceDir  string
	MCPConfigPath string // Host path to the MCP server config (optional, mounted read-only)
}

// EnvConfig represents the environment configuration for a container
type EnvConfig struct {
	UserEnv map[string]string
	HostUID int
	HostGID int
}

// HostConfigOptions represents docker host configuration inputs.
type HostConfigOptions struct {
	Mounts []mount.Mount
}

// BuildContainerMounts assembles the Docker mounts configuration.
func BuildContainerMounts(cfg *MountConfig) []mount.Mount {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: cfg.WorkspaceDir,
			Target: ContainerWorkspaceDir,
		},
	}

	if cfg.MCPConfigPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:        mount.TypeBind,
			Source:      cfg.MCPConfigPath,
			Target:      ContainerMCPConfig,
			ReadOnly:    true,
			BindOptions: &mount.BindOptions{Propagation: mount.PropagationRPrivate},
		})
	}

	return mounts
}

// BuildContainerEnv assembles the environment variables for a container.
// The result is sorted by key so container configs are reproducible.
func BuildContainerEnv(cfg *EnvConfig) []string {
	keys := make([]string, 0, len(cfg.UserEnv))
	for k := range cfg.UserEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, cfg.UserEnv[k]))
	}

	// Host UID/GID let the entrypoint chown files written into the workspace.
	env = append(env, fmt.Sprintf("HOST_UID=%d", cfg.HostUID))
	env = append(env, fmt.Sprintf("HOST_GID=%d", cfg.HostGID))

	// The workspace is owned by a different UID than the container user.
	env = append(env, "GIT_CONFIG_NOSYSTEM=1")

	return env
}

// BuildContainerHostConfig assembles host-level sandbox settings for containers.
func BuildContainerHostConfig(cfg *HostConfigOptions) *container.HostConfig {
	if cfg == nil {
		cfg = &HostConfigOptions{}
	}

	return &container.HostConfig{
		Mounts: cfg.Mounts,
		// Keep explicit non-privileged defaults for regression visibility.
		Privileged:     false,
		ReadonlyRootfs: false,
		NetworkMode:    container.NetworkMode("default"),
	}
}

// ValidateMountTargets checks that mount sources exist before a container is created.
func ValidateMountTargets(cfg *MountConfig) error {
	if cfg.WorkspaceDir == "" {
		return fmt.Errorf("workspace directory cannot be empty")
	}
	if pathutil.IsFilesystemRoot(cfg.WorkspaceDir) {
		return fmt.Errorf("refusing to mount filesystem root as the workspace")
	}
	info, err := os.Stat(cfg.WorkspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("workspace directory does not exist: %s", cfg.WorkspaceDir)
		}
		return fmt.Errorf("failed to stat workspace directory: %s: %w", cfg.WorkspaceDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", cfg.WorkspaceDir)
	}

	if cfg.MCPConfigPath != "" {
		info, err := os.Stat(cfg.MCPConfigPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("mcp config does not exist: %s", cfg.MCPConfigPath)
			}
			return fmt.Errorf("failed to stat mcp config: %s: %w", cfg.MCPConfigPath, err)
		}
		if info.IsDir() {
			return fmt.Errorf("mcp config path is a directory: %s", cfg.MCPConfigPath)
		}
	}

	return nil
}
