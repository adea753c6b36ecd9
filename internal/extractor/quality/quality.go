// Package quality implements the quality domain extractor, which draws
// from the DataSource API's fixed catalog of predefined server-side
// queries instead of the paginated REST endpoints the other domains use.
package quality

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/canon"
	"github.com/jrortiz726/plex-raw-extract/internal/dsclient"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

const (
	tableName  = "quality"
	domainName = "quality"

	controlPlanKeysDatasourceID = 17981
	controlPlanGetDatasourceID  = 7262
)

// datasource describes one entry in the fixed catalog of quality
// datasources: its id, the recordType it is tagged with, and the input
// template sent on every execution (before any per-key expansion).
type datasource struct {
	id         int
	recordType string
	inputs     map[string]any
}

// catalog is the fixed set of quality datasources, per the external
// interfaces' authoritative id list. Control_Plan_Get (7262) is handled
// specially: its inputs are derived per discovered Control_Plan_Key
// rather than used as-is from this table.
var catalog = []datasource{
	{id: 2199, recordType: "inspections", inputs: map[string]any{}},
	{id: 17473, recordType: "ncr", inputs: map[string]any{}},
	{id: 81, recordType: "defects", inputs: map[string]any{}},
	{id: 30949, recordType: "checksheets", inputs: map[string]any{}},
	{id: 2998, recordType: "containers", inputs: map[string]any{"Containers": ""}},
	{id: 21773, recordType: "specifications", inputs: map[string]any{"Specification_Key": 0}},
	{id: 4142, recordType: "checksheets", inputs: map[string]any{}},
	{id: 18718, recordType: "checklists", inputs: map[string]any{"Checklist_No": -1}},
	{id: 7262, recordType: "control_plan", inputs: nil}, // expanded per Control_Plan_Key
	{id: 6456, recordType: "audits", inputs: map[string]any{}},
	{id: 19938, recordType: "corrective_actions", inputs: map[string]any{}},
	{id: 2158, recordType: "gauges", inputs: map[string]any{"Checksheet_No": -1}},
	{id: 15387, recordType: "sampling_plans", inputs: map[string]any{}},
	{id: 5112, recordType: "spc", inputs: map[string]any{}},
}

// Extractor pulls quality records from the DataSource API's fixed
// catalog.
type Extractor struct {
	Client    *dsclient.Client
	Facility  facility.Facility
	BatchSize int
	Now       func() time.Time
}

func (e *Extractor) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Extractor) Name() string         { return domainName }
func (e *Extractor) RawTableName() string { return tableName }

// FetchRecords executes every catalog datasource (expanding
// Control_Plan_Get per discovered key), filters rows against since by the
// first column whose name contains "date" or "time", and flattens each
// table row to a record. A failed datasource execution is skipped
// without being logged, and fetch continues across the remaining
// datasources rather than aborting the whole cycle.
func (e *Extractor) FetchRecords(ctx context.Context, since *time.Time) ([]extractor.Record, error) {
	var records []extractor.Record
	now := e.clock().UTC()

	for _, ds := range e.expandCatalog(ctx) {
		resp, err := e.Client.Execute(ctx, ds.id, ds.inputs)
		if err != nil {
			continue
		}
		records = append(records, recordsFromResponse(ds, resp, since, now)...)
	}

	return records, nil
}

// expandCatalog returns the catalog with Control_Plan_Get's single
// placeholder entry replaced by one entry per Control_Plan_Key
// discovered via a preliminary call to datasource 17981.
func (e *Extractor) expandCatalog(ctx context.Context) []datasource {
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	expanded := make([]datasource, 0, len(catalog))
	for _, ds := range catalog {
		if ds.id != controlPlanGetDatasourceID {
			expanded = append(expanded, ds)
			continue
		}

		keys, err := e.discoverControlPlanKeys(ctx, batchSize)
		if err != nil {
			continue // not logged; this datasource contributes nothing this cycle
		}
		for _, key := range keys {
			expanded = append(expanded, datasource{
				id:         ds.id,
				recordType: ds.recordType,
				inputs:     map[string]any{"Control_Plan_Key": key},
			})
		}
	}
	return expanded
}

func (e *Extractor) discoverControlPlanKeys(ctx context.Context, batchSize int) ([]int, error) {
	resp, err := e.Client.Execute(ctx, controlPlanKeysDatasourceID, map[string]any{"RowLimit": batchSize})
	if err != nil {
		return nil, err
	}

	var keys []int
	for _, table := range resp.Tables {
		keyCol := columnIndex(table.Columns, "Control_Plan_Key")
		if keyCol < 0 {
			continue
		}
		for _, row := range table.Rows {
			if keyCol >= len(row) {
				continue
			}
			if k, ok := toInt(row[keyCol]); ok {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func recordsFromResponse(ds datasource, resp dsclient.Response, since *time.Time, now time.Time) []extractor.Record {
	transactionNo := resp.TransactionNo
	if transactionNo == "" {
		transactionNo = "no_transaction"
	}
	transactionNo = strings.ReplaceAll(transactionNo, ":", "-")

	if len(resp.Tables) == 0 {
		record := extractor.Record{
			"recordType":         ds.recordType,
			"dataSourceId":       ds.id,
			"dataSourceName":     "",
			"tableIndex":         -1,
			"rowIndex":           0,
			"transactionNo":      transactionNo,
			"rowLimitedExceeded": resp.RowLimitedExceeded,
			"inputs":             ds.inputs,
			"timestamp":          now.Format(time.RFC3339),
		}
		if len(resp.Outputs) > 0 {
			for k, v := range resp.Outputs {
				record[k] = v
			}
		} else if resp.Raw != "" {
			record["rawPayload"] = resp.Raw
		}
		return []extractor.Record{record}
	}

	var records []extractor.Record
	for tableIdx, table := range resp.Tables {
		dateCol := dateLikeColumn(table.Columns)
		for rowIdx, row := range table.Rows {
			fields := rowToFields(table.Columns, row)

			if since != nil && dateCol >= 0 && dateCol < len(row) {
				if t, ok := canon.TryParseTimestamp(row[dateCol]); ok && t.UTC().Before(*since) {
					continue
				}
			}

			record := extractor.Record{
				"recordType":         ds.recordType,
				"dataSourceId":       ds.id,
				"dataSourceName":     "",
				"tableIndex":         tableIdx,
				"rowIndex":           rowIdx,
				"transactionNo":      transactionNo,
				"rowLimitedExceeded": resp.RowLimitedExceeded,
				"inputs":             ds.inputs,
				"timestamp":          now.Format(time.RFC3339),
			}
			for k, v := range fields {
				record[k] = v
			}
			records = append(records, record)
		}
	}
	return records
}

func rowToFields(columns []string, row []any) map[string]any {
	fields := make(map[string]any, len(columns))
	for i, col := range columns {
		if i < len(row) {
			fields[col] = row[i]
		} else {
			fields[col] = nil
		}
	}
	return fields
}

func dateLikeColumn(columns []string) int {
	for i, col := range columns {
		lower := strings.ToLower(col)
		if strings.Contains(lower, "date") || strings.Contains(lower, "time") {
			return i
		}
	}
	return -1
}

func columnIndex(columns []string, name string) int {
	for i, col := range columns {
		if col == name {
			return i
		}
	}
	return -1
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// TransformRecord stamps pcn/facility.
func (e *Extractor) TransformRecord(record extractor.Record) (extractor.Record, error) {
	e.Facility.Stamp(record)
	return record, nil
}

// RecordKey implements the quality row-key rule:
// "{recordType}:{datasourceId}:{transactionNo}:{tableIdx}:{rowIdx}".
func (e *Extractor) RecordKey(record extractor.Record) (string, error) {
	recordType, _ := record["recordType"].(string)
	dsID, _ := record["dataSourceId"].(int)
	transactionNo, _ := record["transactionNo"].(string)
	tableIdx, _ := record["tableIndex"].(int)
	rowIdx, _ := record["rowIndex"].(int)

	if recordType == "" {
		return "", &xerrors.MissingIdentifier{Domain: domainName, Record: record}
	}

	return fmt.Sprintf("%s:%d:%s:%d:%d", recordType, dsID, transactionNo, tableIdx, rowIdx), nil
}
