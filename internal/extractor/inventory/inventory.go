// Package inventory implements the inventory-containers domain
// extractor, with the client-side conservative staleness filter the
// upstream API does not support natively.
package inventory

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/canon"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/httpclient"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

const (
	containersPath = "/inventory/v1/inventory-tracking/containers"
	tableName      = "inventory"
	domainName     = "inventory"
)

// Extractor pulls inventory-tracking containers.
type Extractor struct {
	Client       *httpclient.Client
	Facility     facility.Facility
	LookbackDays int
	Now          func() time.Time

	// Dedup, when set, rejects natural keys already seen in a prior
	// cycle's ring window — the container-tracking feed can return
	// records whose lastUpdatedDate falls just inside the staleness
	// filter's boundary on consecutive cycles.
	Dedup *watermark.Dedup
}

func (e *Extractor) Name() string         { return domainName }
func (e *Extractor) RawTableName() string { return tableName }

// FetchRecords paginates containers with limit=1000, then keeps only
// records whose lastUpdatedDate|lastUpdated is absent, unparseable, or
// >= since — a conservative filter that never drops a record it can't
// confidently date.
func (e *Extractor) FetchRecords(ctx context.Context, since *time.Time) ([]extractor.Record, error) {
	query := url.Values{"limit": {"1000"}}

	records, err := e.Client.Paginate(ctx, containersPath, query, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("paginate inventory containers: %w", err)
	}

	var kept []extractor.Record
	if since == nil {
		kept = make([]extractor.Record, len(records))
		for i, r := range records {
			kept[i] = extractor.Record(r)
		}
	} else {
		kept = make([]extractor.Record, 0, len(records))
		for _, r := range records {
			record := extractor.Record(r)
			if keepByStaleness(record, *since) {
				kept = append(kept, record)
			}
		}
	}

	return e.rejectSeen(kept)
}

// rejectSeen drops records whose natural key is already present in the
// dedup ring, and records every newly-kept key into it. A record whose
// key cannot be derived is passed through unfiltered — RunCycle's own
// MissingIdentifier handling is the right place to drop it.
func (e *Extractor) rejectSeen(records []extractor.Record) ([]extractor.Record, error) {
	if e.Dedup == nil {
		return records, nil
	}

	kept := make([]extractor.Record, 0, len(records))
	for _, r := range records {
		key, err := e.RecordKey(r)
		if err != nil {
			kept = append(kept, r)
			continue
		}

		seen, err := e.Dedup.Contains(key)
		if err != nil {
			return nil, fmt.Errorf("check inventory dedup ring: %w", err)
		}
		if seen {
			continue
		}
		if err := e.Dedup.Record(key); err != nil {
			return nil, fmt.Errorf("record inventory dedup ring: %w", err)
		}
		kept = append(kept, r)
	}
	return kept, nil
}

func keepByStaleness(record map[string]any, since time.Time) bool {
	v, ok := record["lastUpdatedDate"]
	if !ok {
		v, ok = record["lastUpdated"]
	}
	if !ok {
		return true
	}
	t, ok := canon.TryParseTimestamp(v)
	if !ok {
		return true
	}
	return !t.UTC().Before(since.UTC())
}

// TransformRecord stamps pcn/facility.
func (e *Extractor) TransformRecord(record extractor.Record) (extractor.Record, error) {
	e.Facility.Stamp(record)
	return record, nil
}

// RecordKey implements the inventory row-key rule: id | containerId |
// container | {partNumber}-{locationId}.
func (e *Extractor) RecordKey(record extractor.Record) (string, error) {
	for _, key := range []string{"id", "containerId", "container"} {
		if v := stringField(record, key); v != "" {
			return v, nil
		}
	}

	partNumber := stringField(record, "partNumber")
	locationID := stringField(record, "locationId")
	if partNumber != "" {
		return fmt.Sprintf("%s-%s", partNumber, locationID), nil
	}

	return "", &xerrors.MissingIdentifier{Domain: domainName, Record: record}
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
