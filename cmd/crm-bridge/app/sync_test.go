package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-bridge/internal/config"
)

func TestSyncEntities(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Sync.Entities = []string{"customers", "jobs", "estimates", "appointments"}

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "no args covers the configured list",
			args: nil,
			want: []string{"customers", "jobs", "estimates", "appointments"},
		},
		{
			name: "args restrict the pass",
			args: []string{"jobs", "customers"},
			want: []string{"jobs", "customers"},
		},
		{
			name: "duplicates collapse",
			args: []string{"jobs", "jobs", "customers"},
			want: []string{"jobs", "customers"},
		},
		{
			name:    "unknown entity rejected",
			args:    []string{"jobs", "invoices"},
			wantErr: `unknown entity "invoices"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := syncEntities(cfg, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
