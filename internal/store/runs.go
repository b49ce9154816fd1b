package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses. A run is sealed exactly once; a row left in "started" after
// the process died must be read as failed/unknown by consumers.
const (
	RunStatusStarted   = "started"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunStats aggregates per-run record counters.
type RunStats struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// SyncRun is one row of the append-only sync-run log.
type SyncRun struct {
	ID           uuid.UUID  `json:"id"`
	EntityName   string     `json:"entityName"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	Stats        RunStats   `json:"stats"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// StartRun inserts a new run row with status "started".
func (s *Store) StartRun(ctx context.Context, entity, mode string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, entity_name, mode, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, entity, mode, RunStatusStarted, time.Now().UTC(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start sync run for %s: %w", entity, err)
	}
	return id, nil
}

// CompleteRun seals a run as completed with its final counters.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, stats RunStats) error {
	return s.sealRun(ctx, id, RunStatusCompleted, stats, "")
}

// FailRun seals a run as failed with the triggering error message and the
// counters accumulated before the failure.
func (s *Store) FailRun(ctx context.Context, id uuid.UUID, stats RunStats, errorMessage string) error {
	return s.sealRun(ctx, id, RunStatusFailed, stats, errorMessage)
}

func (s *Store) sealRun(ctx context.Context, id uuid.UUID, status string, stats RunStats, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs
		 SET status = $2, fetched = $3, created = $4, updated = $5, failed = $6,
		     completed_at = $7, error_message = NULLIF($8, '')
		 WHERE id = $1 AND status = $9`,
		id, status, stats.Fetched, stats.Created, stats.Updated, stats.Failed,
		time.Now().UTC(), errorMessage, RunStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to seal sync run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync run %s was already sealed", id)
	}
	return nil
}

// ListRuns returns recent runs, newest first, optionally filtered by entity.
func (s *Store) ListRuns(ctx context.Context, entity string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_name, mode, status, fetched, created, updated, failed,
		        started_at, completed_at, COALESCE(error_message, '')
		 FROM sync_runs
		 WHERE ($1 = '' OR entity_name = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		entity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// LatestRuns returns the most recent run per entity.
func (s *Store) LatestRuns(ctx context.Context) ([]SyncRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_name)
		        id, entity_name, mode, status, fetched, created, updated, failed,
		        started_at, completed_at, COALESCE(error_message, '')
		 FROM sync_runs
		 ORDER BY entity_name, started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest sync runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRuns(rows pgxRows) ([]SyncRun, error) {
	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(
			&r.ID, &r.EntityName, &r.Mode, &r.Status,
			&r.Stats.Fetched, &r.Stats.Created, &r.Stats.Updated, &r.Stats.Failed,
			&r.StartedAt, &r.CompletedAt, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sync runs: %w", err)
	}
	return runs, nil
}
