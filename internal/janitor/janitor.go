// Package janitor runs periodic maintenance sweeps: expired exact-cache
// rows and aged-out semantic cache entries.
package janitor

import (
	"context"
	"log/slog"
	"time"

	loom "github.com/nevindra/loom"
)

// Task is one named sweep. Run returns how many rows it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// ExactSweeper removes exact-cache rows whose TTL has passed. The
// SQLite store needs this; Redis expires keys natively.
type ExactSweeper interface {
	SweepExpiredCache(ctx context.Context) (int64, error)
}

// SemanticEvicter removes semantic cache rows older than a cutoff.
type SemanticEvicter interface {
	DeleteSemanticBefore(ctx context.Context, cutoff int64) (int64, error)
}

// SweepExact builds the exact-cache expiry task.
func SweepExact(store ExactSweeper) Task {
	return Task{
		Name: "exact_cache_expiry",
		Run:  store.SweepExpiredCache,
	}
}

// EvictSemantic builds the semantic-cache age-out task. Entries older
// than maxAge are deleted regardless of similarity.
func EvictSemantic(store SemanticEvicter, maxAge time.Duration) Task {
	return Task{
		Name: "semantic_cache_age_out",
		Run: func(ctx context.Context) (int64, error) {
			cutoff := loom.NowUnixMilli() - maxAge.Milliseconds()
			return store.DeleteSemanticBefore(ctx, cutoff)
		},
	}
}

// Janitor runs its tasks on a fixed interval until the context ends.
type Janitor struct {
	interval time.Duration
	tasks    []Task
	log      *slog.Logger
}

// New creates a Janitor. A nil logger discards output.
func New(interval time.Duration, log *slog.Logger, tasks ...Task) *Janitor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Janitor{interval: interval, tasks: tasks, log: log}
}

// Run starts the sweep loop. Blocks until ctx is cancelled. Task
// failures are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("janitor started", "interval", j.interval, "tasks", len(j.tasks))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every task once.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, t := range j.tasks {
		removed, err := t.Run(ctx)
		if err != nil {
			j.log.Warn("janitor task failed", "task", t.Name, "error", err)
			continue
		}
		if removed > 0 {
			j.log.Info("janitor swept", "task", t.Name, "removed", removed)
		}
	}
}
