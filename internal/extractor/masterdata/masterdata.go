// Package masterdata implements the master-data domain extractor:
// workcenters, parts, and operations from the vendor's production and
// MDM APIs, plus a supplemented buildings feed the distilled catalog
// omitted but the original source's facility configuration carried.
package masterdata

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
	tableName  = "masterdata"
	domainName = "masterdata"
)

// feed describes one master-data source endpoint: its path, the
// recordType it is tagged with, the candidate natural-key fields (first
// match wins), and the timestamp field used for staleness filtering.
type feed struct {
	path         string
	recordType   string
	idFields     []string
	timestampKey string
}

var feeds = []feed{
	{
		path:         "/production/v1/production-definitions/workcenters",
		recordType:   "workcenter",
		idFields:     []string{"id", "workcenterId", "externalId"},
		timestampKey: "lastUpdated",
	},
	{
		path:         "/mdm/v1/parts",
		recordType:   "part",
		idFields:     []string{"id", "partId", "partNumber"},
		timestampKey: "lastUpdatedDate",
	},
	{
		path:         "/mdm/v1/operations",
		recordType:   "operation",
		idFields:     []string{"id", "operationId"},
		timestampKey: "lastUpdatedDate",
	},
	{
		path:         "/mdm/v1/buildings",
		recordType:   "building",
		idFields:     []string{"id", "buildingId"},
		timestampKey: "lastUpdatedDate",
	},
}

// Extractor pulls workcenters, parts, operations, and buildings.
type Extractor struct {
	Client       *httpclient.Client
	Facility     facility.Facility
	LookbackDays int

	// Dedup, when set, rejects natural keys already recorded in a prior
	// cycle's ring window. Reference-data feeds paginate without a
	// server-side cursor, so a boundary record can legitimately reappear
	// across cycles; the ring keeps it from being reprocessed.
	Dedup *watermark.Dedup
}

func (e *Extractor) Name() string         { return domainName }
func (e *Extractor) RawTableName() string { return tableName }

// FetchRecords paginates every feed, tagging each record with its
// recordType and dropping items whose timestamp field is present,
// parseable, and strictly older than since; items with a missing or
// unparseable timestamp are retained.
func (e *Extractor) FetchRecords(ctx context.Context, since *time.Time) ([]extractor.Record, error) {
	var records []extractor.Record

	for _, f := range feeds {
		page, err := e.Client.Paginate(ctx, f.path, url.Values{}, "", 1000)
		if err != nil {
			return nil, fmt.Errorf("paginate %s: %w", f.recordType, err)
		}

		for _, r := range page {
			record := extractor.Record(r)
			record["recordType"] = f.recordType

			if since != nil && shouldDropByTimestamp(record, f.timestampKey, *since) {
				continue
			}
			records = append(records, record)
		}
	}

	return e.rejectSeen(records)
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
			return nil, fmt.Errorf("check masterdata dedup ring: %w", err)
		}
		if seen {
			continue
		}
		if err := e.Dedup.Record(key); err != nil {
			return nil, fmt.Errorf("record masterdata dedup ring: %w", err)
		}
		kept = append(kept, r)
	}
	return kept, nil
}

func shouldDropByTimestamp(record map[string]any, field string, since time.Time) bool {
	v, ok := record[field]
	if !ok {
		return false
	}
	t, ok := canon.TryParseTimestamp(v)
	if !ok {
		return false
	}
	return t.UTC().Before(since.UTC())
}

// TransformRecord stamps pcn/facility.
func (e *Extractor) TransformRecord(record extractor.Record) (extractor.Record, error) {
	e.Facility.Stamp(record)
	return record, nil
}

// RecordKey implements the master-data row-key rule:
// "{recordType}:{first matching id field}".
func (e *Extractor) RecordKey(record extractor.Record) (string, error) {
	recordType, _ := record["recordType"].(string)

	var idFields []string
	for _, f := range feeds {
		if f.recordType == recordType {
			idFields = f.idFields
			break
		}
	}

	for _, field := range idFields {
		if v := stringField(record, field); v != "" {
			return fmt.Sprintf("%s:%s", recordType, v), nil
		}
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
