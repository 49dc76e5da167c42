package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mapthew/mapthew/pkg/log"
)

// Model identifies the model the agent is asked to use. It is passed through
// to the agent untouched.
type Model = anthropic.Model

// DefaultModel is used when nothing else is configured.
const DefaultModel Model = "claude-sonnet-4-5"

// SupportedModels are the values accepted through the settings API.
var SupportedModels = []Model{
	"claude-sonnet-4-5",
	"claude-opus-4-5",
	"claude-haiku-4-5",
}

var (
	ErrInvalidBotName = errors.New("invalid bot name: must be 1-32 lowercase alphanumeric characters, dashes or underscores, not starting with a dash or underscore")
	ErrInvalidJiraURL = errors.New("invalid JIRA base URL: must be a valid HTTPS URL")
	ErrInvalidModel   = errors.New("invalid model")
)

var botNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// IsValidBotName reports whether name can be used as the mention handle.
func IsValidBotName(name string) bool {
	return botNamePattern.MatchString(name)
}

// IsValidJiraURL accepts an empty string (not configured) or an absolute HTTPS URL.
func IsValidJiraURL(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// IsSupportedModel reports whether m is in SupportedModels.
func IsSupportedModel(m Model) bool {
	for _, candidate := range SupportedModels {
		if candidate == m {
			return true
		}
	}
	return false
}

// Settings are the values that can change while the process runs.
type Settings struct {
	BotName      string `yaml:"botName" json:"botName"`
	TriggerLabel string `yaml:"triggerLabel" json:"triggerLabel"`
	ClaudeModel  Model  `yaml:"claudeModel" json:"claudeModel"`
	JiraBaseURL  string `yaml:"jiraBaseUrl" json:"jiraBaseUrl"`
	VerboseLogs  bool   `yaml:"verboseLogs" json:"verboseLogs"`
}

// Validate rejects malformed bot names and non-HTTPS tracker URLs. The model is
// opaque to the pipeline, so any non-empty value is allowed here; the settings
// API narrows it to SupportedModels.
func (s Settings) Validate() error {
	if !IsValidBotName(s.BotName) {
		return fmt.Errorf("%w: %q", ErrInvalidBotName, s.BotName)
	}
	if !IsValidJiraURL(s.JiraBaseURL) {
		return fmt.Errorf("%w: %q", ErrInvalidJiraURL, s.JiraBaseURL)
	}
	if s.ClaudeModel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModel)
	}
	return nil
}

// DisplayName capitalises the first letter of the bot name.
func (s Settings) DisplayName() string {
	if s.BotName == "" {
		return ""
	}
	return strings.ToUpper(s.BotName[:1]) + s.BotName[1:]
}

// QueueName is the job queue used by this bot.
func (s Settings) QueueName() string {
	return s.BotName + "-jobs"
}

// BranchPrefix is the prefix the agent uses for branches it creates.
func (s Settings) BranchPrefix() string {
	return s.BotName + "-bot"
}

// TriggerPattern matches "@<bot> <instruction>" anywhere in a comment,
// case-insensitively, capturing the rest of that line as the instruction.
func (s Settings) TriggerPattern() *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(s.BotName) + `\s+(.*)`)
}

const settingsKey = "settings"

// shared is the part of Settings stored in the database. The trigger label and
// log verbosity always come from the process configuration.
type shared struct {
	BotName     string `json:"botName"`
	ClaudeModel Model  `json:"claudeModel"`
	JiraBaseURL string `json:"jiraBaseUrl"`
}

func sharedFrom(s Settings) shared {
	return shared{BotName: s.BotName, ClaudeModel: s.ClaudeModel, JiraBaseURL: s.JiraBaseURL}
}

func (sh shared) apply(s Settings) Settings {
	s.BotName = sh.BotName
	s.ClaudeModel = sh.ClaudeModel
	s.JiraBaseURL = sh.JiraBaseURL
	return s
}

// Store owns the current Settings. Reads are cheap snapshots; every change goes
// through a validating mutator. When a database is attached the bot name, model
// and Jira base URL are persisted and shared between processes.
type Store struct {
	mu      sync.RWMutex
	db      *sql.DB
	current Settings
}

// NewStore seeds the store with defaults and overlays the persisted bot name,
// model and Jira base URL.
// db may be nil for a process-local store.
func NewStore(ctx context.Context, db *sql.DB, defaults Settings) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &Store{db: db, current: defaults}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a snapshot of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// BotName returns the current mention handle.
func (s *Store) BotName() string {
	return s.Get().BotName
}

// SetBotName changes the mention handle. Invalid names are rejected and the
// previous value is kept.
func (s *Store) SetBotName(ctx context.Context, name string) error {
	next := s.Get()
	next.BotName = name
	return s.Save(ctx, next)
}

// Save validates next as a whole and, only if valid, persists its shared
// fields and publishes it.
func (s *Store) Save(ctx context.Context, next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		data, err := json.Marshal(sharedFrom(next))
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			settingsKey, string(data)); err != nil {
			return fmt.Errorf("failed to persist settings: %w", err)
		}
	}

	prev := s.current
	s.current = next
	if prev.BotName != next.BotName {
		log.Info("bot name updated", "from", prev.BotName, "to", next.BotName)
	}
	return nil
}

// Refresh re-reads persisted settings so that a process picks up changes made
// by another process sharing the database. Invalid persisted values are ignored.
func (s *Store) Refresh(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Keys missing from the row keep their current values.
	stored := sharedFrom(s.current)
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		log.Warn("ignoring unreadable persisted settings", "error", err)
		return nil
	}
	next := stored.apply(s.current)
	if err := next.Validate(); err != nil {
		log.Warn("ignoring invalid persisted settings", "error", err)
		return nil
	}
	s.current = next
	return nil
}
