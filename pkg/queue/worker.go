package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mapthew/mapthew/pkg/log"
)

// Handler processes one job attempt.
type Handler func(ctx context.Context, e *Entry) error

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a claimed job stays reserved without a heartbeat.
	Lease time.Duration
}

func (o *WorkerOptions) defaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
}

// Worker consumes a Queue.
type Worker struct {
	q       *Queue
	handler Handler
	opts    WorkerOptions

	mu          sync.Mutex
	onCompleted []func(*Entry)
	onFailed    []func(*Entry, error)
	closed      bool
	stop        chan struct{}
	inflight    sync.WaitGroup
	running     chan struct{}
}

// NewWorker returns a worker that runs h for every job in q.
func (q *Queue) NewWorker(h Handler, opts WorkerOptions) *Worker {
	opts.defaults()
	return &Worker{
		q:       q,
		handler: h,
		opts:    opts,
		stop:    make(chan struct{}),
	}
}

// OnCompleted registers fn to run after every successful job.
func (w *Worker) OnCompleted(fn func(*Entry)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCompleted = append(w.onCompleted, fn)
}

// OnFailed registers fn to run after every failed attempt, including ones
// that will be retried. Entry.Exhausted reports whether this was the last.
func (w *Worker) OnFailed(fn func(*Entry, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFailed = append(w.onFailed, fn)
}

// Run claims and processes jobs until ctx is cancelled or Close is called.
// It returns after in-flight jobs finish.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.running != nil {
		w.mu.Unlock()
		return errors.New("queue: worker already running")
	}
	w.running = make(chan struct{})
	done := w.running
	w.mu.Unlock()
	defer close(done)

	log.Info("worker started", "queue", w.q.name, "concurrency", w.opts.Concurrency)
	slots := make(chan struct{}, w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Wait for a free slot before claiming so jobs are not leased while idle.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			w.inflight.Wait()
			return nil
		case <-w.stop:
			w.inflight.Wait()
			return nil
		}

		e, err := w.q.claim(ctx, w.opts.Lease)
		if err != nil && ctx.Err() == nil {
			log.Error("failed to claim job", "queue", w.q.name, "error", err)
		}
		if e == nil {
			<-slots
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				w.inflight.Wait()
				return nil
			case <-w.stop:
				w.inflight.Wait()
				return nil
			}
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer func() { <-slots }()
			w.process(ctx, e)
		}()
	}
}

// Close stops claiming new jobs and waits for in-flight jobs to finish.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.stop)
	running := w.running
	w.mu.Unlock()

	if running != nil {
		<-running
	}
}

func (w *Worker) process(ctx context.Context, e *Entry) {
	logger := log.With("queue", w.q.name, "job_id", e.ID, "attempt", e.AttemptsMade+1)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, e.ID)
	err := w.run(ctx, e)
	stopHeartbeat()

	// Shutdown interrupted the attempt; leave the lease to expire so another
	// worker retries it without spending an attempt.
	if err != nil && ctx.Err() != nil {
		logger.Infow("job interrupted by shutdown", "error", err)
		return
	}

	// Bookkeeping must land even if ctx is cancelled right now.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.q.complete(bg, e); cerr != nil {
			logger.Errorw("failed to mark job completed", "error", cerr)
		}
		for _, fn := range w.hooksCompleted() {
			fn(e)
		}
		return
	}

	if ferr := w.q.fail(bg, e, err); ferr != nil {
		logger.Errorw("failed to record job failure", "error", ferr)
	}
	if e.Exhausted() {
		logger.Warnw("job failed permanently", "error", err)
	} else {
		logger.Warnw("job attempt failed; retrying", "error", err, "retry_at", e.RunAt)
	}
	for _, fn := range w.hooksFailed() {
		fn(e, err)
	}
}

// run calls the handler, converting a panic into an attempt failure.
func (w *Worker) run(ctx context.Context, e *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.handler(ctx, e)
}

func (w *Worker) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(w.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.extend(ctx, id, w.opts.Lease); err != nil && ctx.Err() == nil {
				log.Warn("failed to extend job lease", "job_id", id, "error", err)
			}
		}
	}
}

func (w *Worker) hooksCompleted() []func(*Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]func(*Entry){}, w.onCompleted...)
}

func (w *Worker) hooksFailed() []func(*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]func(*Entry, error){}, w.onFailed...)
}
