// Package culler shuts down idle kernels and forgets dead ones.
package culler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devtomas22/note/internal/audit"
	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/models"
)

// DefaultInterval is how often the culler sweeps.
const DefaultInterval = time.Minute

// Kernels is the part of the supervisor the culler drives.
type Kernels interface {
	List() []models.KernelInfo
	ShutdownIdle(ctx context.Context, id string, idle func(models.KernelInfo) bool) (bool, error)
	Prune(retention time.Duration) []string
}

// Config tunes the culler.
type Config struct {
	Interval time.Duration
	// IdleTimeout of zero disables culling of idle kernels.
	IdleTimeout time.Duration
	// CullConnected also culls kernels with open client connections.
	CullConnected bool
	// DeadRetention of zero disables pruning of dead kernels.
	DeadRetention time.Duration
	Audit         *audit.Recorder
	Logger        *slog.Logger
}

// Stats counts culler actions since start.
type Stats struct {
	Sweeps int `json:"sweeps"`
	Culled int `json:"culled"`
	Pruned int `json:"pruned"`
}

// Culler periodically sweeps the kernel table.
type Culler struct {
	kernels Kernels
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a culler.
func New(k Kernels, cfg Config) *Culler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Culler{
		kernels: k,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the sweep loop.
func (c *Culler) Start() {
	c.wg.Add(1)
	go c.loop()
	c.log.Info("culler started", "interval", c.cfg.Interval, "idle_timeout", c.cfg.IdleTimeout)
}

// Stop ends the sweep loop and waits for an in-progress sweep.
func (c *Culler) Stop() {
	c.cancel()
	c.wg.Wait()
	st := c.Stats()
	c.log.Info("culler stopped", "sweeps", st.Sweeps, "culled", st.Culled, "pruned", st.Pruned)
}

func (c *Culler) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.ctx)
		}
	}
}

// Sweep runs one pass and returns the ids of kernels it shut down.
func (c *Culler) Sweep(ctx context.Context) []string {
	var culled []string
	if c.cfg.IdleTimeout > 0 {
		now := c.now()
		for _, k := range c.kernels.List() {
			if !c.idle(k, now) {
				continue
			}
			// The listing may be stale; the supervisor re-checks under its
			// own lock before stopping the kernel.
			var last models.KernelInfo
			stopped, err := c.kernels.ShutdownIdle(ctx, k.ID, func(cur models.KernelInfo) bool {
				last = cur
				return c.idle(cur, now)
			})
			if err != nil {
				c.log.Warn("cull kernel", "kernel_id", k.ID, "error", err)
				continue
			}
			if !stopped {
				continue
			}
			idleFor := now.Sub(last.LastActivity).Round(time.Second)
			c.log.Info("culled idle kernel", "kernel_id", k.ID, "idle", idleFor)
			metrics.Culled.WithLabelValues("idle").Inc()
			if _, err := c.cfg.Audit.Record("kernel.cull", map[string]any{
				"kernel_id": k.ID,
				"idle":      idleFor.String(),
			}, audit.OutcomeSuccess, k.ID, "idle for "+idleFor.String()); err != nil {
				c.log.Warn("audit write failed", "action", "kernel.cull", "error", err)
			}
			culled = append(culled, k.ID)
		}
	}

	var pruned []string
	if c.cfg.DeadRetention > 0 {
		pruned = c.kernels.Prune(c.cfg.DeadRetention)
		if len(pruned) > 0 {
			metrics.Culled.WithLabelValues("pruned").Add(float64(len(pruned)))
			c.log.Debug("pruned dead kernels", "count", len(pruned))
		}
	}

	c.mu.Lock()
	c.stats.Sweeps++
	c.stats.Culled += len(culled)
	c.stats.Pruned += len(pruned)
	c.mu.Unlock()
	return culled
}

// idle reports whether k has been idle, with nothing queued, for longer
// than the timeout.
func (c *Culler) idle(k models.KernelInfo, now time.Time) bool {
	if k.Status != models.KernelStatusIdle || k.Pending > 0 {
		return false
	}
	if k.Connections > 0 && !c.cfg.CullConnected {
		return false
	}
	return now.Sub(k.LastActivity) > c.cfg.IdleTimeout
}

// Stats returns a snapshot of the counters.
func (c *Culler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
