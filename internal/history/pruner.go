package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// pruneTimeout bounds a single scheduled prune.
const pruneTimeout = 30 * time.Second

// Logger is the subset of the bridge logger the pruner uses.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// PruneFunc deletes entries older than the retention and reports how many.
type PruneFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

// PrunerConfig holds configuration for the scheduled prune job.
type PrunerConfig struct {
	// Schedule is a standard cron expression or descriptor such as "@daily".
	Schedule string

	// Retention is how long entries are kept.
	Retention time.Duration

	// Prune is usually (*SQLiteRepository).PruneHistory.
	Prune PruneFunc

	Logger Logger
}

// Pruner runs PruneFunc on a cron schedule.
type Pruner struct {
	cron      *cron.Cron
	prune     PruneFunc
	retention time.Duration
	logger    Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
	removed int64
}

// NewPruner validates the schedule and builds a stopped pruner.
func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	if cfg.Retention <= 0 {
		return nil, ErrInvalidRetention
	}
	if cfg.Prune == nil {
		return nil, fmt.Errorf("history: prune function is required")
	}

	p := &Pruner{
		cron:      cron.New(),
		prune:     cfg.Prune,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}

	if _, err := p.cron.AddFunc(cfg.Schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("history: invalid prune schedule %q: %w", cfg.Schedule, err)
	}
	return p, nil
}

// Start begins the schedule. Calling Start twice has no effect.
func (p *Pruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish or ctx
// to expire.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately. The scheduled job calls it too.
func (p *Pruner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	n, err := p.prune(ctx, p.retention)

	p.mu.Lock()
	p.lastRun = time.Now()
	p.lastErr = err
	if err == nil {
		p.removed += n
	}
	p.mu.Unlock()

	if p.logger == nil {
		return
	}
	if err != nil {
		p.logger.Error("history prune failed", "error", err)
		return
	}
	p.logger.Info("history pruned", "removed", n, "retention", p.retention.String())
}

// Status reports the last run time, the total rows removed and the last
// run's error.
func (p *Pruner) Status() (lastRun time.Time, removed int64, lastErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun, p.removed, p.lastErr
}
