package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
)

type fakeSink struct{ failOn string }

func (f *fakeSink) InsertRows(_ context.Context, table string, rows []extractor.Record, keyFn func(extractor.Record) (string, error)) (int, error) {
	if f.failOn == table {
		return 0, errors.New("sink unavailable")
	}
	return len(rows), nil
}

type fakeExtractor struct {
	name    string
	records []extractor.Record
	fail    bool
}

func (f *fakeExtractor) Name() string         { return f.name }
func (f *fakeExtractor) RawTableName() string { return f.name }
func (f *fakeExtractor) FetchRecords(_ context.Context, _ *time.Time) ([]extractor.Record, error) {
	if f.fail {
		return nil, errors.New("fetch failed")
	}
	return f.records, nil
}
func (f *fakeExtractor) RecordKey(r extractor.Record) (string, error) {
	return r["id"].(string), nil
}

func newRunner(t *testing.T, sink extractor.RawSink) *Runner {
	t.Helper()
	logger := obslog.NewContextLogger(obslog.New(obslog.LevelError), nil)
	return New(Config{Sink: sink, Logger: logger, Now: func() time.Time { return time.Now() }})
}

func register(t *testing.T, r *Runner, name string, ex extractor.Extractor) {
	t.Helper()
	dir := t.TempDir()
	wm, err := watermark.Open(dir, name)
	require.NoError(t, err)
	r.Register(name, ex, wm)
}

func TestRunOnceRunsAllSelectedExtractors(t *testing.T) {
	r := newRunner(t, &fakeSink{})
	register(t, r, "jobs", &fakeExtractor{name: "jobs", records: []extractor.Record{{"id": "J1"}}})
	register(t, r, "production", &fakeExtractor{name: "production", records: []extractor.Record{{"id": "E1"}}})

	require.NoError(t, r.RunOnce(context.Background(), nil))

	status := r.Status()
	assert.Equal(t, 1, status["jobs"].RunCount)
	assert.Equal(t, 1, status["production"].RunCount)
	assert.Empty(t, status["jobs"].LastError)
}

func TestRunOnceContinuesAfterOneExtractorFails(t *testing.T) {
	r := newRunner(t, &fakeSink{})
	register(t, r, "jobs", &fakeExtractor{name: "jobs", fail: true})
	register(t, r, "production", &fakeExtractor{name: "production", records: []extractor.Record{{"id": "E1"}}})

	require.NoError(t, r.RunOnce(context.Background(), nil))

	status := r.Status()
	assert.Equal(t, 1, status["jobs"].ErrorCount)
	assert.NotEmpty(t, status["jobs"].LastError)
	assert.Equal(t, 1, status["production"].RunCount)
	assert.Empty(t, status["production"].LastError)
}

func TestRunOnceRejectsUnknownExtractorName(t *testing.T) {
	r := newRunner(t, &fakeSink{})
	register(t, r, "jobs", &fakeExtractor{name: "jobs"})

	err := r.RunOnce(context.Background(), []string{"not-registered"})
	assert.Error(t, err)
}

func TestRunStopsAfterMaxIterations(t *testing.T) {
	r := newRunner(t, &fakeSink{})
	register(t, r, "jobs", &fakeExtractor{name: "jobs"})

	err := r.Run(context.Background(), nil, time.Millisecond, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Status()["jobs"].RunCount)
}

// TestRunStopsOnContextCancellation exercises the cooperative shutdown
// flag: a context cancelled before the loop starts skips every
// extractor at the next safe point (the per-extractor boundary).
func TestRunStopsOnContextCancellation(t *testing.T) {
	r := newRunner(t, &fakeSink{})
	register(t, r, "jobs", &fakeExtractor{name: "jobs"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, nil, time.Millisecond, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Status()["jobs"].RunCount)
}
