package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruner_SweepsOnStart(t *testing.T) {
	clock := newClock()
	m := newManager(t, 5, clock, nil)
	_, err := m.GetOrCreateWorkspace(context.Background(), "OLD-1")
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)

	p := NewPruner(m, 7*24*time.Hour, time.Hour)
	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool { return m.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPruner_RunsOnInterval(t *testing.T) {
	clock := newClock()
	m := newManager(t, 5, clock, nil)

	p := NewPruner(m, time.Hour, 20*time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	_, err := m.GetOrCreateWorkspace(context.Background(), "LATE-1")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	assert.Eventually(t, func() bool { return m.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPruner_StopIsIdempotent(t *testing.T) {
	m := newManager(t, 5, newClock(), nil)
	p := NewPruner(m, time.Hour, time.Hour)
	p.Stop()
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
