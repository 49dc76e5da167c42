// Package config loads static process configuration from YAML and the
// environment, and owns the runtime-mutable settings (bot name, trigger label,
// model) behind a single validated mutator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mapthew/mapthew/pkg/output"
	"github.com/mapthew/mapthew/pkg/pathutil"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultBotName            = "mapthew"
	DefaultPort               = 3000
	DefaultMaxSessions        = 20
	DefaultPruneThresholdDays = 7
	DefaultPruneIntervalDays  = 1
	DefaultConcurrency        = 1
	DefaultAgentCommand       = "claude"
	DefaultPollInterval       = time.Minute
)

// Runtime selects how the agent process is launched.
type Runtime string

const (
	RuntimeLocal  Runtime = "local"
	RuntimeDocker Runtime = "docker"
)

// Config is the static configuration of a mapthew process.
type Config struct {
	Port          int    `yaml:"port"`
	StateDir      string `yaml:"stateDir"`
	DatabasePath  string `yaml:"databasePath"`
	WorkspacesDir string `yaml:"workspacesDir"`

	MaxSessions        int `yaml:"maxSessions"`
	PruneThresholdDays int `yaml:"pruneThresholdDays"`
	PruneIntervalDays  int `yaml:"pruneIntervalDays"`
	MaxBufferBytes     int `yaml:"maxBufferBytes"`
	Concurrency        int `yaml:"concurrency"`

	Agent  AgentConfig  `yaml:"agent"`
	Jira   JiraConfig   `yaml:"jira"`
	GitHub GitHubConfig `yaml:"github"`
	Poller PollerConfig `yaml:"poller"`

	// Settings seeds the runtime settings store. Values persisted in the
	// database take precedence.
	Settings Settings `yaml:"settings"`
}

// AgentConfig describes the coding agent subprocess.
type AgentConfig struct {
	Runtime         Runtime `yaml:"runtime"`
	Command         string  `yaml:"command"`
	MCPConfigPath   string  `yaml:"mcpConfigPath"`
	InstructionsDir string  `yaml:"instructionsDir"`
	DockerImage     string  `yaml:"dockerImage"`
	// PassEnv names host environment variables forwarded into agent containers.
	PassEnv []string `yaml:"passEnv"`
	// Timeout bounds one agent run. Zero waits for the process to exit.
	Timeout time.Duration `yaml:"timeout"`
	// GitAuthorName and GitAuthorEmail override the bot's commit identity.
	GitAuthorName  string `yaml:"gitAuthorName"`
	GitAuthorEmail string `yaml:"gitAuthorEmail"`
}

// JiraConfig holds issue-tracker credentials. The base URL is a runtime setting.
type JiraConfig struct {
	Email    string `yaml:"email"`
	APIToken string `yaml:"apiToken"`
	// WebhookSecret, when set, must be presented by webhook callers.
	WebhookSecret string `yaml:"webhookSecret"`
}

// GitHubConfig holds code-host credentials.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// PollerConfig controls the optional issue-tracker comment poller.
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Projects []string      `yaml:"projects"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		StateDir:           ".mapthew",
		DatabasePath:       ".mapthew/mapthew.db",
		WorkspacesDir:      ".mapthew/workspaces",
		MaxSessions:        DefaultMaxSessions,
		PruneThresholdDays: DefaultPruneThresholdDays,
		PruneIntervalDays:  DefaultPruneIntervalDays,
		MaxBufferBytes:     output.DefaultMaxBytes,
		Concurrency:        DefaultConcurrency,
		Agent: AgentConfig{
			Runtime: RuntimeLocal,
			Command: DefaultAgentCommand,
			PassEnv: []string{"ANTHROPIC_API_KEY", "GITHUB_TOKEN"},
		},
		Poller: PollerConfig{Interval: DefaultPollInterval},
		Settings: Settings{
			BotName:     DefaultBotName,
			ClaudeModel: DefaultModel,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides and validates the result. A missing file is not an error
// unless required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("STATE_DIR", &c.StateDir)
	str("DATABASE_PATH", &c.DatabasePath)
	str("WORKSPACES_DIR", &c.WorkspacesDir)
	str("JIRA_EMAIL", &c.Jira.Email)
	str("JIRA_API_TOKEN", &c.Jira.APIToken)
	str("JIRA_WEBHOOK_SECRET", &c.Jira.WebhookSecret)
	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("GITHUB_WEBHOOK_SECRET", &c.GitHub.WebhookSecret)
	str("AGENT_COMMAND", &c.Agent.Command)
	str("MCP_CONFIG_PATH", &c.Agent.MCPConfigPath)
	str("INSTRUCTIONS_PATH", &c.Agent.InstructionsDir)
	str("AGENT_DOCKER_IMAGE", &c.Agent.DockerImage)
	str("AGENT_GIT_AUTHOR_NAME", &c.Agent.GitAuthorName)
	str("AGENT_GIT_AUTHOR_EMAIL", &c.Agent.GitAuthorEmail)
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	list("AGENT_PASS_ENV", &c.Agent.PassEnv)
	list("JIRA_PROJECTS", &c.Poller.Projects)
	if v, ok := lookup("POLLER_ENABLED"); ok {
		c.Poller.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookup("AGENT_RUNTIME"); ok && v != "" {
		c.Agent.Runtime = Runtime(v)
	}

	str("BOT_NAME", &c.Settings.BotName)
	str("JIRA_LABEL_TRIGGER", &c.Settings.TriggerLabel)
	str("JIRA_BASE_URL", &c.Settings.JiraBaseURL)
	if v, ok := lookup("CLAUDE_MODEL"); ok && v != "" {
		c.Settings.ClaudeModel = Model(v)
	}
	if v, ok := lookup("VERBOSE_LOGS"); ok {
		c.Settings.VerboseLogs = v == "1" || strings.EqualFold(v, "true")
	}

	// Unusable buffer sizes fall back to the default rather than failing startup.
	if v, ok := lookup("MAX_OUTPUT_BUFFER_BYTES"); ok {
		c.MaxBufferBytes = output.MaxBytes(v)
	}

	for key, dst := range map[string]*int{
		"PORT":                 &c.Port,
		"MAX_SESSIONS":         &c.MaxSessions,
		"PRUNE_THRESHOLD_DAYS": &c.PruneThresholdDays,
		"PRUNE_INTERVAL_DAYS":  &c.PruneIntervalDays,
		"WORKER_CONCURRENCY":   &c.Concurrency,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the static fields and the seeded settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	if c.PruneThresholdDays <= 0 {
		return fmt.Errorf("pruneThresholdDays must be positive, got %d", c.PruneThresholdDays)
	}
	if c.PruneIntervalDays <= 0 {
		return fmt.Errorf("pruneIntervalDays must be positive, got %d", c.PruneIntervalDays)
	}
	if c.WorkspacesDir == "" || pathutil.IsFilesystemRoot(c.WorkspacesDir) {
		return fmt.Errorf("invalid workspacesDir %q", c.WorkspacesDir)
	}
	if pathutil.Within(c.DatabasePath, c.WorkspacesDir) {
		return fmt.Errorf("databasePath %s must not be inside workspacesDir %s", c.DatabasePath, c.WorkspacesDir)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	switch c.Agent.Runtime {
	case RuntimeLocal:
	case RuntimeDocker:
		if c.Agent.DockerImage == "" {
			return errors.New("agent.dockerImage is required for the docker runtime")
		}
	default:
		return fmt.Errorf("unknown agent runtime %q", c.Agent.Runtime)
	}
	if c.Poller.Enabled && len(c.Poller.Projects) == 0 {
		return errors.New("poller.projects is required when the poller is enabled")
	}
	return c.Settings.Validate()
}

// PruneThreshold and PruneInterval convert the day counts to durations.
func (c *Config) PruneThreshold() time.Duration {
	return time.Duration(c.PruneThresholdDays) * 24 * time.Hour
}

func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalDays) * 24 * time.Hour
}

// JiraConfigured reports whether credentials for the issue tracker are present.
func (c *Config) JiraConfigured(s Settings) bool {
	return s.JiraBaseURL != "" && c.Jira.Email != "" && c.Jira.APIToken != ""
}
