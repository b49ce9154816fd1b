// Package orchestrator sequences entity sync passes and records each one in
// the run log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/crm-bridge/internal/store"
)

// Syncer executes one sync pass for one entity.
type Syncer interface {
	Run(ctx context.Context, mode string, since *time.Time) (store.RunStats, error)
}

// RunLog records sync runs.
type RunLog interface {
	StartRun(ctx context.Context, entity, mode string) (uuid.UUID, error)
	CompleteRun(ctx context.Context, id uuid.UUID, stats store.RunStats) error
	FailRun(ctx context.Context, id uuid.UUID, stats store.RunStats, errorMessage string) error
}

// Result is the outcome of one entity's pass.
type Result struct {
	Entity string
	Stats  store.RunStats
	Err    error
}

type entry struct {
	name   string
	syncer Syncer
}

// Orchestrator runs registered entities sequentially, in registration order.
// Entities sync one at a time so jobs land after their customers and
// estimates after their jobs.
type Orchestrator struct {
	entries []entry
	runs    RunLog
	logger  *slog.Logger
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for run progress.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator backed by the given run log.
func New(runs RunLog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runs:   runs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register appends one entity to the run order.
func (o *Orchestrator) Register(name string, syncer Syncer) {
	o.entries = append(o.entries, entry{name: name, syncer: syncer})
}

// RunAll syncs every registered entity in order. A failing entity is sealed
// as failed and the remaining entities still run; the returned error joins
// every per-entity failure.
func (o *Orchestrator) RunAll(ctx context.Context, mode string, since *time.Time) ([]Result, error) {
	results := make([]Result, 0, len(o.entries))
	var errs []error

	for _, e := range o.entries {
		res := o.runOne(ctx, e, mode, since)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, res.Err))
		}
	}

	return results, errors.Join(errs...)
}

func (o *Orchestrator) runOne(ctx context.Context, e entry, mode string, since *time.Time) Result {
	res := Result{Entity: e.name}

	runID, err := o.runs.StartRun(ctx, e.name, mode)
	if err != nil {
		res.Err = err
		return res
	}

	o.logger.Info("sync run started", "entity", e.name, "mode", mode, "run_id", runID)

	stats, err := e.syncer.Run(ctx, mode, since)
	res.Stats = stats
	if err != nil {
		res.Err = err
		o.logger.Error("sync run failed",
			"entity", e.name, "run_id", runID,
			"fetched", stats.Fetched, "failed", stats.Failed, "error", err)
		if sealErr := o.runs.FailRun(ctx, runID, stats, err.Error()); sealErr != nil {
			o.logger.Error("failed to seal sync run", "run_id", runID, "error", sealErr)
		}
		return res
	}

	o.logger.Info("sync run completed",
		"entity", e.name, "run_id", runID,
		"fetched", stats.Fetched, "created", stats.Created,
		"updated", stats.Updated, "failed", stats.Failed)

	if err := o.runs.CompleteRun(ctx, runID, stats); err != nil {
		res.Err = err
	}
	return res
}
