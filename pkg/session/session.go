// Package session maps session keys to persistent workspace directories.
//
// The Manager is the only owner of the session table. Workspaces are created
// lazily, reused across jobs with the same key, and removed only by eviction
// (to stay under the session cap) or by the inactivity sweep.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/metrics"
	"github.com/mapthew/mapthew/pkg/pathutil"
)

// ErrEmptyKey is returned when an operation is given an empty session key.
var ErrEmptyKey = errors.New("session key is empty")

// ContinuationDir is the directory inside a workspace where the agent keeps
// resumable conversation state.
const ContinuationDir = ".claude"

// Record is one row of the session table.
type Record struct {
	Key           string
	WorkspacePath string
	LastUsedAt    time.Time
}

// Options configures a Manager.
type Options struct {
	// Root is the directory under which workspaces are created.
	Root string
	// MaxSessions is the soft cap enforced by Acquire.
	MaxSessions int
	// Store persists records across restarts. Nil keeps them in memory only.
	Store Store
	// Now defaults to time.Now.
	Now     func() time.Time
	Metrics *metrics.Recorder
}

type entry struct {
	Record
	inUse int
}

// Manager owns the session table and the workspace root.
type Manager struct {
	mu       sync.Mutex
	root     string
	max      int
	store    Store
	now      func() time.Time
	metrics  *metrics.Recorder
	sessions map[string]*entry
}

// NewManager creates the workspace root if needed and returns an empty manager.
// Call Load to adopt records persisted by a previous process.
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	if opts.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", opts.MaxSessions)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		root:     root,
		max:      opts.MaxSessions,
		store:    opts.Store,
		now:      now,
		metrics:  opts.Metrics,
		sessions: make(map[string]*entry),
	}, nil
}

// Load replaces the in-memory table with the persisted records whose
// workspace directory still exists. Records pointing at missing directories
// are forgotten.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*entry, len(records))
	for _, rec := range records {
		if info, err := os.Stat(rec.WorkspacePath); err != nil || !info.IsDir() {
			log.Warn("forgetting session with missing workspace", "session", rec.Key, "path", rec.WorkspacePath)
			if err := m.store.Delete(ctx, rec.Key); err != nil {
				log.Warn("failed to delete stale session record", "session", rec.Key, "error", err)
			}
			continue
		}
		m.sessions[rec.Key] = &entry{Record: rec}
	}
	m.metrics.SetSessions(len(m.sessions))
	log.Info("sessions loaded", "count", len(m.sessions), "root", m.root)
	return nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// MaxSessions returns the configured soft cap.
func (m *Manager) MaxSessions() int {
	return m.max
}

// SessionCount returns the number of session records.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// WorkspaceExists reports whether a record exists for key.
func (m *Manager) WorkspaceExists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// Records returns a snapshot of the session table ordered by nothing in particular.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.Record)
	}
	return out
}

// GetOrCreateWorkspace returns the workspace for key, creating it when absent.
// Both hits and creations refresh LastUsedAt. It never evicts; use Acquire for
// the capped path.
func (m *Manager) GetOrCreateWorkspace(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.getOrCreateLocked(ctx, key)
	if err != nil {
		return "", err
	}
	return e.WorkspacePath, nil
}

// Lease marks a workspace as in use. In-use sessions are skipped by eviction
// and pruning until Release is called.
type Lease struct {
	Key  string
	Path string
	// Created is true when this acquisition created the workspace.
	Created bool

	m    *Manager
	once sync.Once
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if e, ok := l.m.sessions[l.Key]; ok && e.inUse > 0 {
			e.inUse--
		}
	})
}

// Acquire runs the capacity policy for key and leases the resulting workspace.
// An existing workspace is reused without eviction. A new one is created after
// evicting the least recently used idle session if the table is at capacity.
//
// The whole check-evict-create sequence runs under the manager lock, so two
// concurrent acquisitions cannot both evict for the same free slot. The cap is
// still soft: when every resident session is in use nothing is evicted and
// the table grows past MaxSessions.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.sessions[key]
	if !exists && len(m.sessions) >= m.max {
		log.Info("session cap reached, evicting oldest", "count", len(m.sessions), "max", m.max)
		if err := m.evictOldestLocked(ctx); err != nil {
			log.Warn("eviction failed, continuing over capacity", "error", err)
		}
	}

	e, err := m.getOrCreateLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	e.inUse++
	return &Lease{Key: key, Path: e.WorkspacePath, Created: !exists, m: m}, nil
}

func (m *Manager) getOrCreateLocked(ctx context.Context, key string) (*entry, error) {
	now := m.now()
	if e, ok := m.sessions[key]; ok {
		e.LastUsedAt = now
		m.persist(ctx, e.Record)
		return e, nil
	}

	path := filepath.Join(m.root, DirName(key))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace for %s: %w", key, err)
	}
	e := &entry{Record: Record{Key: key, WorkspacePath: path, LastUsedAt: now}}
	m.sessions[key] = e
	m.persist(ctx, e.Record)
	m.metrics.SetSessions(len(m.sessions))
	log.Info("workspace created", "session", key, "path", path)
	return e, nil
}

// EvictOldestSession removes the idle session with the smallest LastUsedAt,
// together with its workspace. It is a no-op when there are no idle sessions.
func (m *Manager) EvictOldestSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictOldestLocked(ctx)
}

func (m *Manager) evictOldestLocked(ctx context.Context) error {
	var oldest *entry
	for _, e := range m.sessions {
		if e.inUse > 0 {
			continue
		}
		if oldest == nil || e.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	if err := m.removeLocked(ctx, oldest); err != nil {
		return err
	}
	m.metrics.IncEvictions()
	log.Info("session evicted", "session", oldest.Key, "last_used_at", oldest.LastUsedAt)
	return nil
}

// PruneInactiveSessions removes every idle session not used within
// thresholdDays. See PruneOlderThan.
func (m *Manager) PruneInactiveSessions(ctx context.Context, thresholdDays int) (int, error) {
	return m.PruneOlderThan(ctx, time.Duration(thresholdDays)*24*time.Hour)
}

// PruneOlderThan removes every idle session whose LastUsedAt is older than
// threshold. The reference time is taken once per sweep. A failure on one
// session does not stop the sweep; the failed record is kept for the next one
// and all failures are returned joined.
func (m *Manager) PruneOlderThan(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := m.now().Add(-threshold)

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		removed int
		errs    []error
	)
	for _, e := range m.sessions {
		if e.inUse > 0 || !e.LastUsedAt.Before(cutoff) {
			continue
		}
		if err := m.removeLocked(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		log.Info("session pruned", "session", e.Key, "last_used_at", e.LastUsedAt)
	}
	m.metrics.AddPruned(removed)
	return removed, errors.Join(errs...)
}

func (m *Manager) removeLocked(ctx context.Context, e *entry) error {
	if !pathutil.StrictlyWithin(e.WorkspacePath, m.root) {
		return fmt.Errorf("refusing to remove %s: not inside %s", e.WorkspacePath, m.root)
	}
	if err := os.RemoveAll(e.WorkspacePath); err != nil {
		return fmt.Errorf("failed to remove workspace for %s: %w", e.Key, err)
	}
	delete(m.sessions, e.Key)
	if m.store != nil {
		if err := m.store.Delete(ctx, e.Key); err != nil {
			log.Warn("failed to delete session record", "session", e.Key, "error", err)
		}
	}
	m.metrics.SetSessions(len(m.sessions))
	return nil
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		log.Warn("failed to persist session record", "session", rec.Key, "error", err)
	}
}

// HasExistingSession reports whether the workspace holds agent conversation
// state that can be resumed: at least one transcript under
// <workspace>/.claude/projects.
func HasExistingSession(workspacePath string) bool {
	projects := filepath.Join(workspacePath, ContinuationDir, "projects")
	found := false
	_ = filepath.WalkDir(projects, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// DirName returns the workspace directory name for key: a filesystem-safe
// rendering of the key followed by a short hash of the original, so keys that
// sanitise to the same text still get distinct directories.
func DirName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	safe := strings.Trim(b.String(), ".")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	sum := blake3.Sum256([]byte(key))
	return safe + "-" + hex.EncodeToString(sum[:4])
}
