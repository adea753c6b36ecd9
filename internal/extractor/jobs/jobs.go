// Package jobs implements the jobs domain extractor: scheduling API
// jobs enriched with a representative workcenter derived either from
// the job record itself or its first scheduling operation.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/httpclient"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

const (
	jobsPath       = "/scheduling/v1/jobs"
	operationsPath = "/scheduling/v1/jobs/%v/operations"
	tableName      = "jobs"
	domainName     = "jobs"
)

// Extractor pulls scheduled jobs and their operations.
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

// FetchRecords paginates /scheduling/v1/jobs over [since, now] (since
// defaulting to now-lookbackDays), then augments each job with its
// operations list; an operations-fetch failure is swallowed as "no
// operations" rather than failing the cycle.
func (e *Extractor) FetchRecords(ctx context.Context, since *time.Time) ([]extractor.Record, error) {
	now := e.clock().UTC()
	from := now.AddDate(0, 0, -e.LookbackDays)
	if since != nil {
		from = *since
	}

	query := url.Values{
		"dateFrom": {from.Format(time.RFC3339)},
		"dateTo":   {now.Format(time.RFC3339)},
	}

	records, err := e.Client.Paginate(ctx, jobsPath, query, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("paginate jobs: %w", err)
	}

	results := make([]extractor.Record, 0, len(records))
	for _, r := range records {
		job := extractor.Record(r)
		job["operations"] = e.fetchOperations(ctx, job["id"])
		results = append(results, job)
	}
	return results, nil
}

func (e *Extractor) fetchOperations(ctx context.Context, jobID any) []any {
	if jobID == nil {
		return nil
	}
	path := fmt.Sprintf(operationsPath, jobID)
	raw, err := e.Client.Get(ctx, path, nil)
	if err != nil {
		return nil
	}
	var ops []any
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil
	}
	return ops
}

// TransformRecord derives the representative workcenter fields and
// stamps pcn/facility, per the jobs enrichment rule.
func (e *Extractor) TransformRecord(record extractor.Record) (extractor.Record, error) {
	code, id, name := findWorkcenter(record)
	if code != "" {
		record["workcenterCode"] = code
	}
	if id != "" {
		record["workcenterId"] = id
	}
	if name != "" {
		record["workcenterName"] = name
	}

	e.Facility.Stamp(record)
	return record, nil
}

// findWorkcenter searches, in order: a nested workcenter.{code,id,name}
// object on the job itself, the job's flat workcenterCode/workcenterId/
// workcenterName fields, then the nested workcenter object of the first
// operation that carries one. A plain string "workcenter" value is not
// read.
func findWorkcenter(record extractor.Record) (code, id, name string) {
	if wc, ok := record["workcenter"].(map[string]any); ok {
		code = stringField(wc, "code")
		id = stringField(wc, "id")
		name = stringField(wc, "name")
		if code != "" || id != "" || name != "" {
			return
		}
	}
	if code == "" {
		code = stringField(record, "workcenterCode")
	}
	if id == "" {
		id = stringField(record, "workcenterId")
	}
	if name == "" {
		name = stringField(record, "workcenterName")
	}
	if code != "" || id != "" || name != "" {
		return
	}

	ops, _ := record["operations"].([]any)
	for _, raw := range ops {
		op, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if wc, ok := op["workcenter"].(map[string]any); ok {
			code = stringField(wc, "code")
			id = stringField(wc, "id")
			name = stringField(wc, "name")
			if code != "" || id != "" || name != "" {
				return
			}
		}
	}
	return
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// RecordKey implements the jobs row-key rule: id | jobId |
// (jobNo or jobNumber)-(scheduledStart or ...).
func (e *Extractor) RecordKey(record extractor.Record) (string, error) {
	if id := stringField(record, "id"); id != "" {
		return id, nil
	}
	if id := stringField(record, "jobId"); id != "" {
		return id, nil
	}

	jobNo := firstNonEmpty(record, "jobNo", "jobNumber")
	start := firstNonEmpty(record, "scheduledStart", "scheduledStartDate", "startDate")
	if jobNo != "" {
		return fmt.Sprintf("%s-%s", jobNo, start), nil
	}

	return "", &xerrors.MissingIdentifier{Domain: domainName, Record: record}
}

func firstNonEmpty(record map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringField(record, k); v != "" {
			return v
		}
	}
	return ""
}
