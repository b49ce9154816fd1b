package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/source"
	"github.com/fieldops/crm-bridge/internal/store"
)

type listCall struct {
	path      string
	page      int
	watermark time.Time
}

type exportCall struct {
	path string
	from string
}

// fakeSource replays scripted pages and records every call.
type fakeSource struct {
	mu          sync.Mutex
	listPages   []*source.Page
	listErrs    []error
	exportPages []*source.Page
	exportErrs  []error
	listCalls   []listCall
	exportCalls []exportCall
}

func (f *fakeSource) ListPage(_ context.Context, path string, page int, modifiedOnOrAfter time.Time) (*source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, listCall{path: path, page: page, watermark: modifiedOnOrAfter})
	i := len(f.listCalls) - 1
	if i < len(f.listErrs) && f.listErrs[i] != nil {
		return nil, f.listErrs[i]
	}
	if i >= len(f.listPages) {
		return nil, fmt.Errorf("unexpected list call %d", i)
	}
	return f.listPages[i], nil
}

func (f *fakeSource) ExportPage(_ context.Context, path string, from string) (*source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls = append(f.exportCalls, exportCall{path: path, from: from})
	i := len(f.exportCalls) - 1
	if i < len(f.exportErrs) && f.exportErrs[i] != nil {
		return nil, f.exportErrs[i]
	}
	if i >= len(f.exportPages) {
		return nil, fmt.Errorf("unexpected export call %d", i)
	}
	return f.exportPages[i], nil
}

// fakeRecordStore upserts into a map keyed by source ID; existing keys count
// as updates. failOn forces an error for specific source IDs.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[int64]store.Record
	failOn  map[int64]error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[int64]store.Record), failOn: map[int64]error{}}
}

func (f *fakeRecordStore) UpsertRecord(_ context.Context, _ string, _ []string, rec store.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[rec.SourceID]; ok {
		return false, err
	}
	_, existed := f.records[rec.SourceID]
	f.records[rec.SourceID] = rec
	return !existed, nil
}

// fakeCursorStore keeps cursors in memory keyed by entity/mode.
type fakeCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
	saves   []string
	saveErr error
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: make(map[string]string)}
}

func (f *fakeCursorStore) key(entity, mode string) string { return entity + "/" + mode }

func (f *fakeCursorStore) GetCursor(_ context.Context, entity, mode string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cursors[f.key(entity, mode)]
	return v, ok, nil
}

func (f *fakeCursorStore) SaveCursor(_ context.Context, entity, mode, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.cursors[f.key(entity, mode)] = value
	f.saves = append(f.saves, value)
	return nil
}

func sourceCfg() *config.SourceConfig {
	return &config.SourceConfig{
		BaseURL:        "https://source.example.com",
		TenantID:       "tenant-1",
		PageSize:       100,
		LookbackDays:   30,
		PageDelay:      "1ms",
		RequestTimeout: "5s",
		MaxRetries:     2,
	}
}

func customerPayload(id int64, modifiedOn time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id": %d, "name": "Customer %d", "active": true, "modifiedOn": %q}`,
		id, id, modifiedOn.Format(time.RFC3339)))
}

func customerPage(startID int64, n int, hasMore bool, modifiedOn time.Time) *source.Page {
	pg := &source.Page{HasMore: hasMore}
	for i := 0; i < n; i++ {
		pg.Data = append(pg.Data, customerPayload(startID+int64(i), modifiedOn))
	}
	return pg
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestFetcher_IncrementalWalksAllPages(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		listPages: []*source.Page{
			customerPage(1, 100, true, base.Add(1*time.Hour)),
			customerPage(101, 100, true, base.Add(2*time.Hour)),
			customerPage(201, 40, false, base.Add(3*time.Hour)),
		},
	}
	records := newFakeRecordStore()
	cursors := newFakeCursorStore()
	cursors.cursors["customers/incremental"] = base.Format(time.RFC3339)

	f, err := NewFetcher(Customers(), src, records, cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{Fetched: 240, Created: 240}, stats)
	assert.Len(t, records.records, 240)

	require.Len(t, src.listCalls, 3)
	for i, call := range src.listCalls {
		assert.Equal(t, "customers", call.path)
		assert.Equal(t, i+1, call.page)
		assert.Equal(t, base, call.watermark, "every page uses the run's starting watermark")
	}

	// Cursor advances to the largest modifiedOn after each page.
	require.Len(t, cursors.saves, 3)
	assert.Equal(t, base.Add(1*time.Hour).Format(time.RFC3339), cursors.saves[0])
	assert.Equal(t, base.Add(2*time.Hour).Format(time.RFC3339), cursors.saves[1])
	assert.Equal(t, base.Add(3*time.Hour).Format(time.RFC3339), cursors.saves[2])
}

func TestFetcher_IncrementalFirstRunUsesLookback(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		listPages: []*source.Page{customerPage(1, 2, false, now)},
	}

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), newFakeCursorStore(), sourceCfg(),
		withSleep(noSleep), withClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	require.Len(t, src.listCalls, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), src.listCalls[0].watermark)
}

func TestFetcher_IncrementalStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	// An empty page with hasMore=true must end the run, not page forever.
	src := &fakeSource{
		listPages: []*source.Page{{Data: nil, HasMore: true}},
	}
	cursors := newFakeCursorStore()

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{}, stats)
	require.Len(t, src.listCalls, 1)
	assert.Empty(t, cursors.saves, "nothing new to remember")
}

func TestFetcher_IncrementalSinceOverridesCursor(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		listPages: []*source.Page{customerPage(1, 1, false, since)},
	}
	cursors := newFakeCursorStore()
	cursors.cursors["customers/incremental"] = "2026-01-01T00:00:00Z"

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), config.ModeIncremental, &since)
	require.NoError(t, err)

	require.Len(t, src.listCalls, 1)
	assert.Equal(t, since, src.listCalls[0].watermark)
}

func TestFetcher_SinceOverrideNeverRewindsCursor(t *testing.T) {
	t.Parallel()

	stored := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	modified := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	src := &fakeSource{
		listPages: []*source.Page{customerPage(1, 2, false, modified)},
	}
	cursors := newFakeCursorStore()
	cursors.cursors["customers/incremental"] = stored.Format(time.RFC3339)

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	// The override widens the fetch window back to March 1st, but the
	// records it refetches are older than the saved watermark, which must
	// stay put.
	_, err = f.Run(context.Background(), config.ModeIncremental, &since)
	require.NoError(t, err)

	require.Len(t, src.listCalls, 1)
	assert.Equal(t, since, src.listCalls[0].watermark)
	assert.Equal(t, stored.Format(time.RFC3339), cursors.cursors["customers/incremental"])
}

func TestFetcher_IncrementalAbortKeepsLastPageCursor(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		listPages: []*source.Page{customerPage(1, 100, true, base.Add(time.Hour)), nil},
		listErrs:  []error{nil, errors.New("boom")},
	}
	records := newFakeRecordStore()
	cursors := newFakeCursorStore()
	cursors.cursors["customers/incremental"] = base.Format(time.RFC3339)

	f, err := NewFetcher(Customers(), src, records, cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.Error(t, err)

	// Page 1 survived: its records are stored and its cursor persisted, so
	// the next run starts past it.
	assert.Equal(t, store.RunStats{Fetched: 100, Created: 100}, stats)
	assert.Len(t, records.records, 100)
	assert.Equal(t, base.Add(time.Hour).Format(time.RFC3339), cursors.cursors["customers/incremental"])
}

func TestFetcher_IncrementalMalformedRecordCountsFailed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pg := &source.Page{
		Data: []json.RawMessage{
			customerPayload(1, now),
			json.RawMessage(`{"name": "no id"}`),
			json.RawMessage(`not json`),
			customerPayload(2, now),
		},
	}
	src := &fakeSource{listPages: []*source.Page{pg}}
	records := newFakeRecordStore()

	f, err := NewFetcher(Customers(), src, records, newFakeCursorStore(), sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{Fetched: 4, Created: 2, Failed: 2}, stats)
	assert.Len(t, records.records, 2)
}

func TestFetcher_IncrementalUpsertFailureContinuesPage(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{listPages: []*source.Page{customerPage(1, 3, false, now)}}
	records := newFakeRecordStore()
	records.failOn[2] = errors.New("constraint violation")

	f, err := NewFetcher(Customers(), src, records, newFakeCursorStore(), sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{Fetched: 3, Created: 2, Failed: 1}, stats)
}

func TestFetcher_IncrementalCreatedVersusUpdated(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{listPages: []*source.Page{customerPage(1, 3, false, now)}}
	records := newFakeRecordStore()
	records.records[2] = store.Record{SourceID: 2}

	f, err := NewFetcher(Customers(), src, records, newFakeCursorStore(), sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{Fetched: 3, Created: 2, Updated: 1}, stats)
}

func TestFetcher_IncrementalCorruptCursor(t *testing.T) {
	t.Parallel()

	cursors := newFakeCursorStore()
	cursors.cursors["customers/incremental"] = "not-a-timestamp"

	f, err := NewFetcher(Customers(), &fakeSource{}, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), config.ModeIncremental, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestFetcher_FullWalksContinuationTokens(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p1 := customerPage(1, 2, true, now)
	p1.ContinueFrom = "token-1"
	p2 := customerPage(3, 2, true, now)
	p2.ContinueFrom = "token-2"
	p3 := customerPage(5, 1, false, now)
	p3.ContinueFrom = "token-3"

	src := &fakeSource{exportPages: []*source.Page{p1, p2, p3}}
	records := newFakeRecordStore()
	cursors := newFakeCursorStore()

	f, err := NewFetcher(Customers(), src, records, cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeFull, nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunStats{Fetched: 5, Created: 5}, stats)

	require.Len(t, src.exportCalls, 3)
	assert.Equal(t, "", src.exportCalls[0].from, "first full run starts a fresh export")
	assert.Equal(t, "token-1", src.exportCalls[1].from)
	assert.Equal(t, "token-2", src.exportCalls[2].from)

	// The final token is retained so the next full run continues from the
	// end of this one.
	assert.Equal(t, "token-3", cursors.cursors["customers/full"])
}

func TestFetcher_FullResumesFromStoredToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{exportPages: []*source.Page{customerPage(1, 1, false, now)}}
	cursors := newFakeCursorStore()
	cursors.cursors["customers/full"] = "token-9"

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), config.ModeFull, nil)
	require.NoError(t, err)

	require.Len(t, src.exportCalls, 1)
	assert.Equal(t, "token-9", src.exportCalls[0].from)
}

func TestFetcher_FullAbortKeepsLastToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p1 := customerPage(1, 2, true, now)
	p1.ContinueFrom = "token-1"

	src := &fakeSource{
		exportPages: []*source.Page{p1, nil},
		exportErrs:  []error{nil, errors.New("boom")},
	}
	cursors := newFakeCursorStore()

	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), cursors, sourceCfg(), withSleep(noSleep))
	require.NoError(t, err)

	stats, err := f.Run(context.Background(), config.ModeFull, nil)
	require.Error(t, err)

	assert.Equal(t, store.RunStats{Fetched: 2, Created: 2}, stats)
	assert.Equal(t, "token-1", cursors.cursors["customers/full"])
}

func TestFetcher_UnknownMode(t *testing.T) {
	t.Parallel()

	f, err := NewFetcher(Customers(), &fakeSource{}, newFakeRecordStore(), newFakeCursorStore(), sourceCfg())
	require.NoError(t, err)

	_, err = f.Run(context.Background(), "hourly", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync mode")
}

func TestFetcher_SleepsBetweenPages(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		listPages: []*source.Page{
			customerPage(1, 1, true, now),
			customerPage(2, 1, false, now),
		},
	}

	var sleeps []time.Duration
	f, err := NewFetcher(Customers(), src, newFakeRecordStore(), newFakeCursorStore(), sourceCfg(),
		withSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}))
	require.NoError(t, err)

	_, err = f.Run(context.Background(), config.ModeIncremental, nil)
	require.NoError(t, err)

	// One pause between the two pages, none before the first.
	require.Len(t, sleeps, 1)
	assert.Equal(t, time.Millisecond, sleeps[0])
}
