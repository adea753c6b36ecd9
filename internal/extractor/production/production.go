// Package production implements the production-entries domain
// extractor: the vendor's production-history API, enriched with job
// and workcenter identifiers and a handful of promoted fields.
package production

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/httpclient"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

const (
	entriesPath = "/production/v1/production-history/production-entries"
	tableName   = "production"
	domainName  = "production"
)

// Extractor pulls production-history entries.
type Extractor struct {
	Client       *httpclient.Client
	Facility     facility.Facility
	LookbackDays int
	Now          func() time.Time
}

func (e *Extractor) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Extractor) Name() string         { return domainName }
func (e *Extractor) RawTableName() string { return tableName }

func (e *Extractor) FetchRecords(ctx context.Context, since *time.Time) ([]extractor.Record, error) {
	now := e.clock().UTC()
	from := now.AddDate(0, 0, -e.LookbackDays)
	if since != nil {
		from = *since
	}

	query := url.Values{
		"beginDate": {from.Format(time.RFC3339)},
		"endDate":   {now.Format(time.RFC3339)},
	}

	records, err := e.Client.Paginate(ctx, entriesPath, query, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("paginate production entries: %w", err)
	}

	out := make([]extractor.Record, len(records))
	for i, r := range records {
		out[i] = extractor.Record(r)
	}
	return out, nil
}

var timestampPromotions = map[string]string{
	"startTime":     "createdAt",
	"endTime":       "completedAt",
	"createdTime":   "createdAt",
	"completedTime": "completedAt",
}

// TransformRecord promotes job/workcenter identifiers and select
// timestamps, then stamps pcn/facility. Numeric fields
// (quantityGood/quantityRejected/sequenceNumber) already arrive at the
// top level and pass through the canonicalizer unchanged.
func (e *Extractor) TransformRecord(record extractor.Record) (extractor.Record, error) {
	if wc, ok := record["workcenter"].(map[string]any); ok {
		for _, field := range []string{"code", "id", "name"} {
			if v, ok := wc[field]; ok {
				record["workcenter"+capitalize(field)] = v
			}
		}
	}

	for source, dest := range timestampPromotions {
		if v, ok := record[source]; ok {
			record[dest] = v
		}
	}

	e.Facility.Stamp(record)
	return record, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-('a'-'A')) + s[1:]
}

// RecordKey implements the production row-key rule: id | entryId |
// {workcenterId}-{timestamp or createdAt}.
func (e *Extractor) RecordKey(record extractor.Record) (string, error) {
	if id, ok := record["id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := record["entryId"].(string); ok && id != "" {
		return id, nil
	}

	wcID := stringField(record, "workcenterId")
	ts := firstNonEmpty(record, "timestamp", "createdAt")
	if wcID != "" {
		return fmt.Sprintf("%s-%s", wcID, ts), nil
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

func firstNonEmpty(record map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringField(record, k); v != "" {
			return v
		}
	}
	return ""
}
