package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	pool, cleanupFunc := SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	ctx := context.Background()

	// SetupTestDB already cycled up/down/up; the schema must be queryable.
	for _, table := range []string{
		"sync_cursors", "sync_runs",
		"customers", "jobs", "estimates", "appointments",
		"opportunities",
	} {
		var count int
		err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, 0, count, "table %s should start empty", table)
	}
}
