package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

type fakeSink struct {
	writes map[string][]Record
	failOn string
}

func newFakeSink() *fakeSink {
	return &fakeSink{writes: map[string][]Record{}}
}

func (f *fakeSink) InsertRows(_ context.Context, table string, rows []Record, rowKeyFn func(Record) (string, error)) (int, error) {
	if f.failOn == table {
		return 0, &xerrors.UpstreamError{Status: 500, Body: "boom"}
	}
	for _, r := range rows {
		if _, err := rowKeyFn(r); err != nil {
			return 0, err
		}
	}
	f.writes[table] = append(f.writes[table], rows...)
	return len(rows), nil
}

type fakeExtractor struct {
	name    string
	table   string
	records []Record
	keyFn   func(Record) (string, error)
}

func (f *fakeExtractor) Name() string         { return f.name }
func (f *fakeExtractor) RawTableName() string { return f.table }
func (f *fakeExtractor) FetchRecords(_ context.Context, _ *time.Time) ([]Record, error) {
	return f.records, nil
}
func (f *fakeExtractor) RecordKey(r Record) (string, error) { return f.keyFn(r) }

func testDeps(t *testing.T) (Deps, *fakeSink) {
	t.Helper()
	dir := t.TempDir()
	store, err := watermark.Open(dir, "jobs")
	require.NoError(t, err)

	fs := newFakeSink()
	logger := obslog.NewContextLogger(obslog.New(obslog.LevelError), nil)
	return Deps{
		Sink:      fs,
		Watermark: store,
		Logger:    logger,
		Now:       func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	}, fs
}

// TestRunCycleS1NoWatermarkFallsBackToNow matches scenario S1: no prior watermark, two jobs, no
// per-record timestamps, so the new watermark falls back to now.
func TestRunCycleS1NoWatermarkFallsBackToNow(t *testing.T) {
	deps, fs := testDeps(t)

	ex := &fakeExtractor{
		name:  "jobs",
		table: "jobs",
		records: []Record{
			{"id": "J1", "workcenter": map[string]any{"code": "WC-A"}},
			{"id": "J2", "jobNo": "N2"},
		},
		keyFn: func(r Record) (string, error) {
			if id, ok := r["id"].(string); ok && id != "" {
				return id, nil
			}
			return "", &xerrors.MissingIdentifier{Domain: "jobs", Record: r}
		},
	}

	result, err := RunCycle(context.Background(), ex, deps)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	assert.True(t, result.Watermark.Equal(deps.Now().UTC()))

	rows := fs.writes["jobs"]
	require.Len(t, rows, 2)
	keys := map[string]bool{}
	for _, r := range rows {
		keys[r["rowKey"].(string)] = true
	}
	assert.True(t, keys["J1"])
	assert.True(t, keys["J2"])
}

func TestRunCycleEmptyFetchLeavesWatermarkUnchanged(t *testing.T) {
	deps, _ := testDeps(t)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, deps.Watermark.Set("jobs", start))

	ex := &fakeExtractor{name: "jobs", table: "jobs", records: nil}

	result, err := RunCycle(context.Background(), ex, deps)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Written)
	assert.True(t, result.Watermark.Equal(start))

	got, ok, err := deps.Watermark.Get()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(start))
}

// TestRunCycleDropsMissingIdentifierRecords exercises invariant 7: a
// record lacking a key is dropped but does not block the others.
func TestRunCycleDropsMissingIdentifierRecords(t *testing.T) {
	deps, fs := testDeps(t)

	ex := &fakeExtractor{
		name:  "jobs",
		table: "jobs",
		records: []Record{
			{"id": "J1"},
			{"note": "no identifier here"},
		},
		keyFn: func(r Record) (string, error) {
			if id, ok := r["id"].(string); ok && id != "" {
				return id, nil
			}
			return "", &xerrors.MissingIdentifier{Domain: "jobs", Record: r}
		},
	}

	result, err := RunCycle(context.Background(), ex, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, fs.writes["jobs"], 1)
}

func TestRunCycleSinkFailureLeavesWatermarkUnchanged(t *testing.T) {
	deps, fs := testDeps(t)
	fs.failOn = "jobs"

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, deps.Watermark.Set("jobs", start))

	ex := &fakeExtractor{
		name:  "jobs",
		table: "jobs",
		records: []Record{
			{"id": "J1"},
		},
		keyFn: func(r Record) (string, error) { return r["id"].(string), nil },
	}

	_, err := RunCycle(context.Background(), ex, deps)
	require.Error(t, err)

	got, ok, err := deps.Watermark.Get()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(start))
}

// TestRunCycleResolvesWatermarkFromRecordTimestamp matches scenario S2.
func TestRunCycleResolvesWatermarkFromRecordTimestamp(t *testing.T) {
	deps, _ := testDeps(t)

	ex := &fakeExtractor{
		name:  "production",
		table: "production",
		records: []Record{
			{"id": "E1", "timestamp": "2024-05-31T12:00:00Z", "quantityGood": 10},
		},
		keyFn: func(r Record) (string, error) { return r["id"].(string), nil },
	}

	result, err := RunCycle(context.Background(), ex, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)

	want := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	assert.True(t, result.Watermark.Equal(want))
}
