// Package queue is a durable job queue on SQLite with bounded retries and
// exponential backoff.
//
// Jobs are claimed with a lease. A worker that dies mid-job leaves the row
// active with an expired lease, and the next claim picks it up again.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mapthew/mapthew/pkg/job"
)

// JobName is the name used for every ticket-processing job.
const JobName = "process-ticket"

// ErrClosed is returned by operations on a closed worker.
var ErrClosed = errors.New("queue: worker closed")

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("queue: job not found")

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay between attempts.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Options control retries for one job.
type Options struct {
	Attempts int
	Backoff  Backoff
}

// DefaultOptions retries three times, waiting 5s then 10s.
func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
	}
}

// Next returns the delay before the attempt following attemptsMade failures.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	switch b.Type {
	case BackoffExponential:
		return time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
	default:
		return b.Delay
	}
}

// Entry is a job as stored in the queue.
type Entry struct {
	ID           string
	Queue        string
	Name         string
	Job          job.Job
	Status       Status
	AttemptsMade int
	MaxAttempts  int
	Backoff      Backoff
	LastError    string
	CreatedAt    time.Time
	// RunAt is when a waiting job becomes ready, or when an active job's
	// lease expires.
	RunAt time.Time
}

// Exhausted reports whether no attempts remain.
func (e *Entry) Exhausted() bool {
	return e.AttemptsMade >= e.MaxAttempts
}

// Queue is one named queue in the jobs table.
type Queue struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

// New returns the queue called name.
func New(db *sql.DB, name string) *Queue {
	return &Queue{db: db, name: name, now: time.Now}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues j and returns its id.
func (q *Queue) Add(ctx context.Context, name string, j job.Job, opts Options) (string, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffFixed
	}
	payload, err := job.Marshal(j)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, name, payload, status, attempts_made, max_attempts,
		   backoff_type, backoff_ms, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		id, q.name, name, string(payload), StatusWaiting, opts.Attempts,
		string(opts.Backoff.Type), opts.Backoff.Delay.Milliseconds(), now, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

const entryColumns = `id, queue, name, payload, status, attempts_made, max_attempts,
	backoff_type, backoff_ms, last_error, created_at, run_at`

type scanner interface {
	Scan(dest ...any) error
}

// decodeError is a row whose payload does not decode into a job.
type decodeError struct {
	id  string
	err error
}

func (e *decodeError) Error() string { return fmt.Sprintf("job %s: %v", e.id, e.err) }
func (e *decodeError) Unwrap() error { return e.err }

func scanEntry(row scanner) (*Entry, error) {
	var (
		e         Entry
		payload   string
		status    string
		backoffT  string
		backoffMS int64
		created   int64
		runAt     int64
	)
	if err := row.Scan(&e.ID, &e.Queue, &e.Name, &payload, &status, &e.AttemptsMade, &e.MaxAttempts,
		&backoffT, &backoffMS, &e.LastError, &created, &runAt); err != nil {
		return nil, err
	}
	j, err := job.Unmarshal([]byte(payload))
	if err != nil {
		return nil, &decodeError{id: e.ID, err: err}
	}
	e.Job = j
	e.Status = Status(status)
	e.Backoff = Backoff{Type: BackoffType(backoffT), Delay: time.Duration(backoffMS) * time.Millisecond}
	e.CreatedAt = time.UnixMilli(created)
	e.RunAt = time.UnixMilli(runAt)
	return &e, nil
}

// Get returns the job with id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM jobs WHERE id = ? AND queue = ?`, id, q.name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE queue = ? GROUP BY status`, q.name)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// claim atomically moves the oldest ready job (or an active job whose lease
// expired) to active with a fresh lease. It returns nil when nothing is ready.
func (q *Queue) claim(ctx context.Context, lease time.Duration) (*Entry, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, run_at = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = ? AND status IN (?, ?) AND run_at <= ?
		   ORDER BY run_at, created_at
		   LIMIT 1
		 )
		 RETURNING `+entryColumns,
		StatusActive, now.Add(lease).UnixMilli(), now.UnixMilli(),
		q.name, StatusWaiting, StatusActive, now.UnixMilli())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	var de *decodeError
	if errors.As(err, &de) {
		// The row is already active; fail it so it is not reclaimed forever.
		if ferr := q.failUndecodable(ctx, de); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, fmt.Errorf("claimed job could not be decoded and was marked failed: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return e, nil
}

func (q *Queue) failUndecodable(ctx context.Context, de *decodeError) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, de.err.Error(), q.now().UnixMilli(), de.id)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", de.id, err)
	}
	return nil
}

// extend pushes the lease of an active job forward.
func (q *Queue) extend(ctx context.Context, id string, lease time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET run_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		q.now().Add(lease).UnixMilli(), q.now().UnixMilli(), id, StatusActive)
	return err
}

func (q *Queue) complete(ctx context.Context, e *Entry) error {
	e.AttemptsMade++
	e.Status = StatusCompleted
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts_made = ?, last_error = '', updated_at = ? WHERE id = ?`,
		StatusCompleted, e.AttemptsMade, q.now().UnixMilli(), e.ID)
	return err
}

// fail records a failed attempt and schedules the retry, if any remain.
func (q *Queue) fail(ctx context.Context, e *Entry, cause error) error {
	e.AttemptsMade++
	e.LastError = cause.Error()
	now := q.now()
	if e.Exhausted() {
		e.Status = StatusFailed
	} else {
		e.Status = StatusWaiting
		e.RunAt = now.Add(e.Backoff.Next(e.AttemptsMade))
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts_made = ?, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
		e.Status, e.AttemptsMade, e.LastError, e.RunAt.UnixMilli(), now.UnixMilli(), e.ID)
	return err
}
