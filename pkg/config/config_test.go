package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapthew/mapthew/pkg/output"
)

func envMap(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBotName, cfg.Settings.BotName)
	assert.Equal(t, DefaultMaxSessions, cfg.MaxSessions)
	assert.Equal(t, output.DefaultMaxBytes, cfg.MaxBufferBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.PruneThreshold())
	assert.Equal(t, 24*time.Hour, cfg.PruneInterval())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapthew.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
maxSessions: 5
agent:
  runtime: local
  command: /usr/local/bin/claude
  timeout: 30m
settings:
  botName: dexter
  triggerLabel: claude-ready
`), 0o644))

	t.Setenv("MAX_SESSIONS", "9")
	t.Setenv("JIRA_LABEL_TRIGGER", "")

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 9, cfg.MaxSessions)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Agent.Command)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, "dexter", cfg.Settings.BotName)
	assert.Equal(t, "claude-ready", cfg.Settings.TriggerLabel, "empty env value does not clear file value")
}

func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := Load(missing, false)
	assert.NoError(t, err)

	_, err = Load(missing, true)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"BOT_NAME":                "dexter",
		"CLAUDE_MODEL":            "claude-opus-4-5",
		"PRUNE_THRESHOLD_DAYS":    "3",
		"MAX_OUTPUT_BUFFER_BYTES": "not-a-number",
		"AGENT_RUNTIME":           "docker",
		"AGENT_DOCKER_IMAGE":      "ghcr.io/mapthew/agent:latest",
		"VERBOSE_LOGS":            "true",
		"JIRA_PROJECTS":           "ABC, ,XYZ",
		"AGENT_PASS_ENV":          "ANTHROPIC_API_KEY",
		"JIRA_WEBHOOK_SECRET":     "jira-shared",
		"GITHUB_WEBHOOK_SECRET":   "gh-hmac",
		"AGENT_GIT_AUTHOR_EMAIL":  "ops@example.com",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dexter", cfg.Settings.BotName)
	assert.Equal(t, Model("claude-opus-4-5"), cfg.Settings.ClaudeModel)
	assert.Equal(t, 3, cfg.PruneThresholdDays)
	assert.Equal(t, output.DefaultMaxBytes, cfg.MaxBufferBytes)
	assert.Equal(t, RuntimeDocker, cfg.Agent.Runtime)
	assert.True(t, cfg.Settings.VerboseLogs)
	assert.Equal(t, []string{"ABC", "XYZ"}, cfg.Poller.Projects)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, cfg.Agent.PassEnv)
	assert.Equal(t, "jira-shared", cfg.Jira.WebhookSecret)
	assert.Equal(t, "gh-hmac", cfg.GitHub.WebhookSecret)
	assert.Equal(t, "ops@example.com", cfg.Agent.GitAuthorEmail)
	assert.Empty(t, cfg.Agent.GitAuthorName)
}

func TestApplyEnv_RejectsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{"MAX_SESSIONS": "lots"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"zero sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"zero threshold", func(c *Config) { c.PruneThresholdDays = 0 }},
		{"zero interval", func(c *Config) { c.PruneIntervalDays = 0 }},
		{"docker without image", func(c *Config) { c.Agent.Runtime = RuntimeDocker }},
		{"unknown runtime", func(c *Config) { c.Agent.Runtime = "vm" }},
		{"bad bot name", func(c *Config) { c.Settings.BotName = "Bad" }},
		{"poller without projects", func(c *Config) { c.Poller.Enabled = true }},
		{"http jira", func(c *Config) { c.Settings.JiraBaseURL = "http://jira.local" }},
		{"root workspaces", func(c *Config) { c.WorkspacesDir = "/" }},
		{"database in workspaces", func(c *Config) { c.DatabasePath = ".mapthew/workspaces/db.sqlite" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestJiraConfigured(t *testing.T) {
	cfg := Default()
	s := Settings{JiraBaseURL: "https://x.atlassian.net"}
	assert.False(t, cfg.JiraConfigured(s))

	cfg.Jira.Email = "bot@example.com"
	cfg.Jira.APIToken = "token"
	assert.True(t, cfg.JiraConfigured(s))
}
