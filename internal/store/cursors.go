package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetCursor returns the persisted resume point for (entity, mode). The second
// return value reports whether a cursor exists.
func (s *Store) GetCursor(ctx context.Context, entity, mode string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor_value FROM sync_cursors WHERE entity_name = $1 AND mode = $2`,
		entity, mode,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load cursor for %s/%s: %w", entity, mode, err)
	}
	return value, true, nil
}

// SaveCursor overwrites the resume point for (entity, mode). Called only
// after the page it describes has been durably upserted.
func (s *Store) SaveCursor(ctx context.Context, entity, mode, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_cursors (entity_name, mode, cursor_value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_name, mode)
		 DO UPDATE SET cursor_value = EXCLUDED.cursor_value, updated_at = EXCLUDED.updated_at`,
		entity, mode, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s/%s: %w", entity, mode, err)
	}
	return nil
}
