// Package extractor defines the shared cycle algorithm every domain
// extractor runs under, generalizing the teacher's worker.Pool
// processNext loop (dequeue → context-bounded run → record outcome)
// onto a fetch → transform → key → write → advance-watermark pipeline.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jrortiz726/plex-raw-extract/internal/canon"
	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// Record is an untyped natural-key-bearing extraction unit, shared
// across every domain's fetch/transform steps.
type Record = map[string]any

// Extractor is the minimal capability set a domain must provide.
type Extractor interface {
	Name() string
	RawTableName() string
	FetchRecords(ctx context.Context, since *time.Time) ([]Record, error)
	RecordKey(record Record) (string, error)
}

// Transformer is implemented by extractors that enrich a record before
// keying and canonicalization; it is optional in the cycle algorithm.
type Transformer interface {
	TransformRecord(record Record) (Record, error)
}

// MetadataProvider is implemented by extractors that want an auxiliary
// extraction-metadata record written alongside each row.
type MetadataProvider interface {
	ExtractorMetadata(record Record, rowKey string) map[string]any
}

// timestampFields are scanned, in order, when resolving the new
// watermark from a cycle's transformed records.
var timestampFields = []string{"lastUpdated", "updated_at", "updatedAt", "timestamp"}

// RawSink is the subset of *sink.Sink the cycle algorithm depends on;
// an interface seam lets tests substitute a fake landing table.
type RawSink interface {
	InsertRows(ctx context.Context, table string, rows []Record, rowKeyFn func(Record) (string, error)) (int, error)
}

// Deps bundles the shared collaborators a cycle needs.
type Deps struct {
	Sink      RawSink
	Watermark *watermark.Store
	Logger    *obslog.ContextLogger
	Now       func() time.Time
}

// CycleResult reports what one RunCycle call accomplished.
type CycleResult struct {
	Written   int
	Skipped   int
	Watermark time.Time
}

const metadataTableSuffix = "_metadata"

// keyedRecord pairs a transformed record with its derived row key.
type keyedRecord struct {
	key    string
	record Record
}

// RunCycle drives one extraction cycle for ex per the authoritative
// ten-step algorithm: read watermark, fetch, transform, key, write,
// advance watermark, optionally write auxiliary metadata.
func RunCycle(ctx context.Context, ex Extractor, deps Deps) (CycleResult, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cycleID := fmt.Sprintf("cyc-%s", uuid.New().String()[:8])
	logger := deps.Logger.WithFields(map[string]any{"extractor": ex.Name(), "cycle_id": cycleID})

	since, hasSince, err := deps.Watermark.Get()
	if err != nil {
		return CycleResult{}, fmt.Errorf("read watermark for %s: %w", ex.Name(), err)
	}

	var sincePtr *time.Time
	if hasSince {
		sincePtr = &since
	}

	records, err := ex.FetchRecords(ctx, sincePtr)
	if err != nil {
		logger.WithError(err).Errorf("fetch failed")
		return CycleResult{}, err
	}

	if len(records) == 0 {
		result := CycleResult{Written: 0}
		if hasSince {
			result.Watermark = since
		} else {
			result.Watermark = now().UTC()
		}
		return result, nil
	}

	transformed := make([]Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		t := r
		if tr, ok := ex.(Transformer); ok {
			t, err = tr.TransformRecord(r)
			if err != nil {
				return CycleResult{}, fmt.Errorf("transform record for %s: %w", ex.Name(), err)
			}
		}
		transformed = append(transformed, t)
	}

	keyed := make([]keyedRecord, 0, len(transformed))
	skipped := 0
	for _, t := range transformed {
		key, err := ex.RecordKey(t)
		if err != nil {
			var missing *xerrors.MissingIdentifier
			if errors.As(err, &missing) {
				logger.WithField("record", missing.Record).Warnf("dropping record with no natural key")
				skipped++
				continue
			}
			return CycleResult{}, err
		}
		row := make(Record, len(t)+1)
		for k, v := range t {
			row[k] = v
		}
		row["rowKey"] = key
		keyed = append(keyed, keyedRecord{key: key, record: row})
	}

	canonRows := make([]Record, 0, len(keyed))
	for _, kr := range keyed {
		canonRows = append(canonRows, canon.Canonicalize(kr.record))
	}

	written, err := deps.Sink.InsertRows(ctx, ex.RawTableName(), canonRows, rowKeyFromField)
	if err != nil {
		logger.WithError(err).Errorf("sink insert failed")
		return CycleResult{}, err
	}

	newWatermark := resolveLastTimestamp(transformed, now().UTC())
	if err := deps.Watermark.Set(ex.Name(), newWatermark); err != nil {
		return CycleResult{}, fmt.Errorf("advance watermark for %s: %w", ex.Name(), err)
	}

	if mp, ok := ex.(MetadataProvider); ok && !MetadataWritesDisabled() {
		writeMetadata(ctx, deps, ex, mp, keyed, logger)
	}

	return CycleResult{Written: written, Skipped: skipped, Watermark: newWatermark}, nil
}

func rowKeyFromField(r Record) (string, error) {
	key, _ := r["rowKey"].(string)
	return key, nil
}

func writeMetadata(ctx context.Context, deps Deps, ex Extractor, mp MetadataProvider, keyed []keyedRecord, logger *obslog.ContextLogger) {
	table := ex.RawTableName() + metadataTableSuffix

	entries := make([]Record, 0, len(keyed))
	for _, kr := range keyed {
		meta := mp.ExtractorMetadata(kr.record, kr.key)
		if meta == nil {
			meta = Record{}
		}
		entry := make(Record, len(meta)+2)
		for k, v := range meta {
			entry[k] = v
		}
		entry["rowKey"] = kr.key
		entry["extractorName"] = ex.Name()
		entries = append(entries, canon.Canonicalize(entry))
	}

	_, err := deps.Sink.InsertRows(ctx, table, entries, rowKeyFromField)
	if err != nil {
		logger.WithError(err).Warnf("metadata write failed; disabling metadata writes for remainder of process")
		disableMetadataWrites()
	}
}

// resolveLastTimestamp scans each transformed record's well-known
// timestamp fields and returns the maximum parseable instant found, or
// fallback if none were found.
func resolveLastTimestamp(records []Record, fallback time.Time) time.Time {
	var max time.Time
	found := false

	for _, r := range records {
		for _, field := range timestampFields {
			v, ok := r[field]
			if !ok {
				continue
			}
			t, ok := canon.TryParseTimestamp(v)
			if !ok {
				continue
			}
			t = t.UTC()
			if !found || t.After(max) {
				max = t
				found = true
			}
		}
	}

	if !found {
		return fallback
	}
	return max
}
