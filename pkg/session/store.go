package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists session records.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
}

// SQLStore keeps records in the sessions table created by store.Open.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key, workspace_path, last_used_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec    Record
			usedAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.WorkspacePath, &usedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.LastUsedAt = time.UnixMilli(usedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, workspace_path, last_used_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   workspace_path = excluded.workspace_path,
		   last_used_at = excluded.last_used_at`,
		rec.Key, rec.WorkspacePath, rec.LastUsedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}
