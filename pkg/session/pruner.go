package session

import (
	"context"
	"sync"
	"time"

	"github.com/mapthew/mapthew/pkg/log"
)

// Pruner runs the inactivity sweep once at start and then on a fixed interval
// until stopped.
type Pruner struct {
	manager   *Manager
	threshold time.Duration
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPruner(m *Manager, threshold, interval time.Duration) *Pruner {
	return &Pruner{manager: m, threshold: threshold, interval: interval}
}

// Start launches the sweep loop. Calling Start on a running pruner is a no-op.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pruner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	log.Info("session pruner started", "threshold", p.threshold, "interval", p.interval)
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("session pruner stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pruner) sweep(ctx context.Context) {
	removed, err := p.manager.PruneOlderThan(ctx, p.threshold)
	if err != nil {
		log.Error("session prune finished with errors", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		log.Info("session prune finished", "removed", removed, "remaining", p.manager.SessionCount())
	}
}
