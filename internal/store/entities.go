package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is one mirrored source entity: a typed projection of known columns
// plus the preserved raw payload, so schema evolution never requires
// replaying history.
type Record struct {
	SourceID   int64
	TenantID   string
	ModifiedOn time.Time
	Columns    map[string]any
	Raw        json.RawMessage
}

// UpsertRecord writes one record into its entity table by natural key
// (tenant_id, source_id) and reports whether a new row was created. Table and
// column names come from the compile-time entity descriptors, never from
// remote data.
func (s *Store) UpsertRecord(ctx context.Context, table string, columns []string, rec Record) (bool, error) {
	cols := make([]string, 0, len(columns)+4)
	cols = append(cols, "tenant_id", "source_id")
	cols = append(cols, columns...)
	cols = append(cols, "raw_payload", "fetched_at")

	args := make([]any, 0, len(cols))
	args = append(args, rec.TenantID, rec.SourceID)
	for _, col := range columns {
		args = append(args, rec.Columns[col])
	}
	args = append(args, rec.Raw, time.Now().UTC())

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// Last-writer-wins on every non-key column.
	updates := make([]string, 0, len(columns)+2)
	for _, col := range columns {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updates = append(updates, "raw_payload = EXCLUDED.raw_payload", "fetched_at = EXCLUDED.fetched_at")

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT (tenant_id, source_id) DO UPDATE SET %s
		 RETURNING (xmax = 0)`,
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)

	var created bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&created); err != nil {
		return false, fmt.Errorf("failed to upsert %s record %d: %w", table, rec.SourceID, err)
	}

	return created, nil
}

// EntityFreshness returns the newest fetched_at in an entity table, or nil
// when the table is empty. Consumed by the status API.
func (s *Store) EntityFreshness(ctx context.Context, table string) (*time.Time, error) {
	var fetchedAt *time.Time
	query := fmt.Sprintf(`SELECT MAX(fetched_at) FROM %s`, table)
	if err := s.pool.QueryRow(ctx, query).Scan(&fetchedAt); err != nil {
		return nil, fmt.Errorf("failed to read freshness for %s: %w", table, err)
	}
	return fetchedAt, nil
}
