package culler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtomas22/note/internal/logging"
	"github.com/devtomas22/note/internal/models"
)

type fakeKernels struct {
	mu       sync.Mutex
	kernels  []models.KernelInfo
	shutdown []string
	fail     map[string]bool
	// current replaces a listed kernel's state by the time it is re-checked.
	current  map[string]models.KernelInfo
	pruneArg time.Duration
	pruned   []string
}

func (f *fakeKernels) List() []models.KernelInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.KernelInfo(nil), f.kernels...)
}

func (f *fakeKernels) ShutdownIdle(_ context.Context, id string, idle func(models.KernelInfo) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return false, errors.New("boom")
	}
	info, ok := f.current[id]
	if !ok {
		for _, k := range f.kernels {
			if k.ID == id {
				info = k
			}
		}
	}
	if !idle(info) {
		return false, nil
	}
	f.shutdown = append(f.shutdown, id)
	return true, nil
}

func (f *fakeKernels) Prune(retention time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneArg = retention
	return f.pruned
}

func TestSweep_CullsIdleKernels(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-2 * time.Hour)
	fresh := now.Add(-time.Minute)

	fk := &fakeKernels{
		kernels: []models.KernelInfo{
			{ID: "idle-stale", Status: models.KernelStatusIdle, LastActivity: stale},
			{ID: "idle-fresh", Status: models.KernelStatusIdle, LastActivity: fresh},
			{ID: "busy-stale", Status: models.KernelStatusBusy, LastActivity: stale},
			{ID: "dead-stale", Status: models.KernelStatusDead, LastActivity: stale},
			{ID: "connected", Status: models.KernelStatusIdle, LastActivity: stale, Connections: 1},
			{ID: "failing", Status: models.KernelStatusIdle, LastActivity: stale},
		},
		fail:   map[string]bool{"failing": true},
		pruned: []string{"old-dead"},
	}
	c := New(fk, Config{IdleTimeout: time.Hour, DeadRetention: 10 * time.Minute, Logger: logging.Discard()})
	c.now = func() time.Time { return now }

	culled := c.Sweep(context.Background())
	assert.Equal(t, []string{"idle-stale"}, culled)
	assert.Equal(t, 10*time.Minute, fk.pruneArg)
	assert.Equal(t, Stats{Sweeps: 1, Culled: 1, Pruned: 1}, c.Stats())
}

func TestSweep_SkipsKernelsWithPendingWork(t *testing.T) {
	now := time.Now()
	stale := now.Add(-time.Hour)
	fk := &fakeKernels{
		kernels: []models.KernelInfo{
			{ID: "queued", Status: models.KernelStatusIdle, LastActivity: stale, Pending: 1},
			{ID: "raced", Status: models.KernelStatusIdle, LastActivity: stale},
		},
		current: map[string]models.KernelInfo{
			"raced": {ID: "raced", Status: models.KernelStatusIdle, LastActivity: stale, Pending: 1},
		},
	}
	c := New(fk, Config{IdleTimeout: time.Minute, Logger: logging.Discard()})

	assert.Empty(t, c.Sweep(context.Background()))
	assert.Empty(t, fk.shutdown)
	assert.Equal(t, 0, c.Stats().Culled)
}

func TestSweep_CullConnected(t *testing.T) {
	now := time.Now()
	fk := &fakeKernels{kernels: []models.KernelInfo{
		{ID: "connected", Status: models.KernelStatusIdle, LastActivity: now.Add(-time.Hour), Connections: 2},
	}}
	c := New(fk, Config{IdleTimeout: time.Minute, CullConnected: true, Logger: logging.Discard()})

	assert.Equal(t, []string{"connected"}, c.Sweep(context.Background()))
}

func TestSweep_DisabledByDefault(t *testing.T) {
	fk := &fakeKernels{kernels: []models.KernelInfo{
		{ID: "k", Status: models.KernelStatusIdle, LastActivity: time.Now().Add(-24 * time.Hour)},
	}}
	c := New(fk, Config{Logger: logging.Discard()})

	assert.Empty(t, c.Sweep(context.Background()))
	assert.Zero(t, fk.pruneArg)
	assert.Equal(t, 1, c.Stats().Sweeps)
}

func TestStartStop(t *testing.T) {
	fk := &fakeKernels{}
	c := New(fk, Config{Interval: 10 * time.Millisecond, Logger: logging.Discard()})
	c.Start()
	require.Eventually(t, func() bool { return c.Stats().Sweeps >= 2 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	after := c.Stats().Sweeps
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, c.Stats().Sweeps)
}
