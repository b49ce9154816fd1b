// Package mirror pulls source entities page by page into the local Postgres
// mirror, tracking resumable cursors per entity and mode.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/source"
	"github.com/fieldops/crm-bridge/internal/store"
)

// PageSource fetches pages from the source API.
type PageSource interface {
	ListPage(ctx context.Context, path string, page int, modifiedOnOrAfter time.Time) (*source.Page, error)
	ExportPage(ctx context.Context, path string, from string) (*source.Page, error)
}

// RecordStore persists projected records.
type RecordStore interface {
	UpsertRecord(ctx context.Context, table string, columns []string, rec store.Record) (created bool, err error)
}

// CursorStore persists resumable sync cursors.
type CursorStore interface {
	GetCursor(ctx context.Context, entity, mode string) (string, bool, error)
	SaveCursor(ctx context.Context, entity, mode, value string) error
}

// Fetcher mirrors one entity. A run walks pages until the source reports no
// more, upserting every record and advancing the persisted cursor after each
// successful page so an aborted run resumes where it left off.
type Fetcher struct {
	entity   Entity
	src      PageSource
	records  RecordStore
	cursors  CursorStore
	tenantID string
	lookback time.Duration
	delay    time.Duration
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// FetcherOption is a functional option for configuring the fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger sets the logger for page progress.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// withClock overrides the wall clock, for tests.
func withClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

// withSleep overrides the inter-page pause, for tests.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) FetcherOption {
	return func(f *Fetcher) {
		f.sleep = sleep
	}
}

// NewFetcher creates a fetcher for one entity.
func NewFetcher(
	entity Entity,
	src PageSource,
	records RecordStore,
	cursors CursorStore,
	cfg *config.SourceConfig,
	opts ...FetcherOption,
) (*Fetcher, error) {
	delay, err := cfg.PageDelayDuration()
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		entity:   entity,
		src:      src,
		records:  records,
		cursors:  cursors,
		tenantID: cfg.TenantID,
		lookback: cfg.Lookback(),
		delay:    delay,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepCtx,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Run executes one sync pass in the given mode and returns its counters. The
// returned stats are valid even on error: they cover the pages completed
// before the failure. For incremental mode a non-nil since overrides the
// persisted watermark.
func (f *Fetcher) Run(ctx context.Context, mode string, since *time.Time) (store.RunStats, error) {
	switch mode {
	case config.ModeIncremental:
		return f.runIncremental(ctx, since)
	case config.ModeFull:
		return f.runFull(ctx)
	default:
		return store.RunStats{}, fmt.Errorf("unknown sync mode: %s", mode)
	}
}

// runIncremental pages through the list endpoint filtered by modification
// time. The watermark is the largest modifiedOn seen so far; it is persisted
// after every page, so a re-run after an abort refetches at most the records
// of the failed page.
func (f *Fetcher) runIncremental(ctx context.Context, since *time.Time) (store.RunStats, error) {
	var stats store.RunStats

	watermark, err := f.incrementalWatermark(ctx, since)
	if err != nil {
		return stats, err
	}
	maxModified := watermark

	// An explicit override widens the fetch window without rewinding the
	// saved watermark: the cursor only ever moves forward.
	if since != nil {
		stored, ok, err := f.cursors.GetCursor(ctx, f.entity.Name, config.ModeIncremental)
		if err != nil {
			return stats, fmt.Errorf("failed to load %s cursor: %w", f.entity.Name, err)
		}
		if ok {
			if t, perr := time.Parse(time.RFC3339, stored); perr == nil && t.After(maxModified) {
				maxModified = t
			}
		}
	}

	for page := 1; ; page++ {
		if page > 1 {
			if err := f.sleep(ctx, f.delay); err != nil {
				return stats, err
			}
		}

		pg, err := f.src.ListPage(ctx, f.entity.Path, page, watermark)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch %s page %d: %w", f.entity.Name, page, err)
		}

		// An empty page means the window is drained even if the source
		// still claims more pages.
		if len(pg.Data) == 0 {
			f.logger.Info("mirror drained",
				"entity", f.entity.Name, "mode", config.ModeIncremental, "page", page)
			return stats, nil
		}

		f.upsertPage(ctx, pg.Data, &stats, func(modifiedOn time.Time) {
			if modifiedOn.After(maxModified) {
				maxModified = modifiedOn
			}
		})

		f.logger.Info("mirrored page",
			"entity", f.entity.Name, "mode", config.ModeIncremental,
			"page", page, "records", len(pg.Data), "failed", stats.Failed)

		if err := f.cursors.SaveCursor(ctx, f.entity.Name, config.ModeIncremental,
			maxModified.UTC().Format(time.RFC3339)); err != nil {
			return stats, fmt.Errorf("failed to save %s cursor: %w", f.entity.Name, err)
		}

		if !pg.HasMore {
			return stats, nil
		}
	}
}

// runFull walks the export endpoint. The opaque continuation token is
// persisted after every page and retained once the walk drains, so the next
// full run continues from the end of this one.
func (f *Fetcher) runFull(ctx context.Context) (store.RunStats, error) {
	var stats store.RunStats

	from, _, err := f.cursors.GetCursor(ctx, f.entity.Name, config.ModeFull)
	if err != nil {
		return stats, fmt.Errorf("failed to load %s cursor: %w", f.entity.Name, err)
	}

	for page := 1; ; page++ {
		if page > 1 {
			if err := f.sleep(ctx, f.delay); err != nil {
				return stats, err
			}
		}

		pg, err := f.src.ExportPage(ctx, f.entity.Path, from)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch %s export page %d: %w", f.entity.Name, page, err)
		}

		f.upsertPage(ctx, pg.Data, &stats, nil)

		f.logger.Info("mirrored page",
			"entity", f.entity.Name, "mode", config.ModeFull,
			"page", page, "records", len(pg.Data), "failed", stats.Failed)

		if pg.ContinueFrom != "" {
			from = pg.ContinueFrom
			if err := f.cursors.SaveCursor(ctx, f.entity.Name, config.ModeFull, from); err != nil {
				return stats, fmt.Errorf("failed to save %s cursor: %w", f.entity.Name, err)
			}
		}

		if !pg.HasMore {
			return stats, nil
		}
	}
}

// upsertPage projects and stores every record on one page. Malformed records
// and storage failures count as failed without aborting the page.
func (f *Fetcher) upsertPage(
	ctx context.Context,
	data []json.RawMessage,
	stats *store.RunStats,
	observe func(modifiedOn time.Time),
) {
	for _, raw := range data {
		stats.Fetched++

		rec, err := f.entity.Project(raw)
		if err != nil {
			stats.Failed++
			f.logger.Warn("skipping record", "entity", f.entity.Name, "error", err)
			continue
		}
		rec.TenantID = f.tenantID

		created, err := f.records.UpsertRecord(ctx, f.entity.Table, f.entity.Columns, rec)
		if err != nil {
			stats.Failed++
			f.logger.Warn("failed to store record",
				"entity", f.entity.Name, "source_id", rec.SourceID, "error", err)
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}

		if observe != nil && !rec.ModifiedOn.IsZero() {
			observe(rec.ModifiedOn)
		}
	}
}

// incrementalWatermark resolves the starting point: explicit override, then
// the persisted cursor, then the configured lookback window.
func (f *Fetcher) incrementalWatermark(ctx context.Context, since *time.Time) (time.Time, error) {
	if since != nil {
		return since.UTC(), nil
	}

	value, ok, err := f.cursors.GetCursor(ctx, f.entity.Name, config.ModeIncremental)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load %s cursor: %w", f.entity.Name, err)
	}
	if ok {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("corrupt %s cursor %q: %w", f.entity.Name, value, err)
		}
		return t, nil
	}

	return f.now().UTC().Add(-f.lookback), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
