package docker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/mount"
)

func TestBuildContainerMounts(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *MountConfig
		expected []mount.Mount
	}{
		{
			name: "workspace only",
			cfg:  &MountConfig{WorkspaceDir: "/srv/workspaces/abc-123"},
			expected: []mount.Mount{
				{Type: mount.TypeBind, Source: "/srv/workspaces/abc-123", Target: ContainerWorkspaceDir},
			},
		},
		{
			name: "with mcp config",
			cfg: &MountConfig{
				WorkspaceDir:  "/srv/workspaces/abc-123",
				MCPConfigPath: "/etc/mapthew/servers.json",
			},
			expected: []mount.Mount{
				{Type: mount.TypeBind, Source: "/srv/workspaces/abc-123", Target: ContainerWorkspaceDir},
				{
					Type:        mount.TypeBind,
					Source:      "/etc/mapthew/servers.json",
					Target:      ContainerMCPConfig,
					ReadOnly:    true,
					BindOptions: &mount.BindOptions{Propagation: mount.PropagationRPrivate},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildContainerMounts(tt.cfg)
			if len(got) != len(tt.expected) {
				t.Fatalf("BuildContainerMounts() returned %d mounts, want %d", len(got), len(tt.expected))
			}
			for i := range got {
				g, w := got[i], tt.expected[i]
				if g.Type != w.Type || g.Source != w.Source || g.Target != w.Target || g.ReadOnly != w.ReadOnly {
					t.Errorf("mount[%d] = %+v, want %+v", i, g, w)
				}
				if (g.BindOptions == nil) != (w.BindOptions == nil) {
					t.Errorf("mount[%d] bind options = %v, want %v", i, g.BindOptions, w.BindOptions)
				}
			}
		})
	}
}

func TestWorkspaceMountReadWrite(t *testing.T) {
	mounts := BuildContainerMounts(&MountConfig{WorkspaceDir: "/w", MCPConfigPath: "/m.json"})
	for _, m := range mounts {
		switch m.Target {
		case ContainerWorkspaceDir:
			if m.ReadOnly {
				t.Error("workspace mount must be writable")
			}
		case ContainerMCPConfig:
			if !m.ReadOnly {
				t.Error("mcp config mount must be read-only")
			}
		}
	}
}

func TestBuildContainerEnv(t *testing.T) {
	env := BuildContainerEnv(&EnvConfig{
		UserEnv: map[string]string{
			"ZED":               "last",
			"ANTHROPIC_API_KEY": "sk-ant-test",
		},
		HostUID: 1000,
		HostGID: 1001,
	})

	want := []string{
		"ANTHROPIC_API_KEY=sk-ant-test",
		"ZED=last",
		"HOST_UID=1000",
		"HOST_GID=1001",
		"GIT_CONFIG_NOSYSTEM=1",
	}
	if strings.Join(env, "\n") != strings.Join(want, "\n") {
		t.Errorf("BuildContainerEnv() = %v, want %v", env, want)
	}
}

func TestBuildContainerHostConfig(t *testing.T) {
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: "/w", Target: ContainerWorkspaceDir}}
	hc := BuildContainerHostConfig(&HostConfigOptions{Mounts: mounts})
	if hc.Privileged {
		t.Error("expected non-privileged container")
	}
	if hc.ReadonlyRootfs {
		t.Error("expected writable root filesystem")
	}
	if len(hc.Mounts) != 1 {
		t.Errorf("expected 1 mount, got %d", len(hc.Mounts))
	}

	if hc := BuildContainerHostConfig(nil); hc == nil || len(hc.Mounts) != 0 {
		t.Errorf("BuildContainerHostConfig(nil) = %+v", hc)
	}
}

func TestValidateMountTargets(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mcp.json")
	if err := os.WriteFile(file, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     *MountConfig
		wantErr string
	}{
		{name: "valid", cfg: &MountConfig{WorkspaceDir: dir, MCPConfigPath: file}},
		{name: "empty workspace", cfg: &MountConfig{}, wantErr: "cannot be empty"},
		{name: "filesystem root", cfg: &MountConfig{WorkspaceDir: "/"}, wantErr: "filesystem root"},
		{name: "missing workspace", cfg: &MountConfig{WorkspaceDir: filepath.Join(dir, "nope")}, wantErr: "does not exist"},
		{name: "workspace is file", cfg: &MountConfig{WorkspaceDir: file}, wantErr: "not a directory"},
		{name: "missing mcp", cfg: &MountConfig{WorkspaceDir: dir, MCPConfigPath: filepath.Join(dir, "x.json")}, wantErr: "mcp config does not exist"},
		{name: "mcp is dir", cfg: &MountConfig{WorkspaceDir: dir, MCPConfigPath: dir}, wantErr: "is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMountTargets(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateMountTargets() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateMountTargets() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
