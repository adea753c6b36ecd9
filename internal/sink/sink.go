// Package sink implements the Raw Sink: the downstream landing-table
// platform that extraction cycles write rows into. It is grounded on
// the teacher's storage.CouchDBClient (a thin kivik wrapper), with the
// "table" concept modeled onto CouchDB as a per-table reserved local
// marker document plus a "{table}:{rowKey}" document-ID naming convention
// within one database — CouchDB's get-current-revision-then-PUT model
// maps directly onto upsert-by-key semantics without a schema layer.
package sink

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// Config configures a Sink's connection to the landing database.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink is the raw landing-table client used by every extractor. One
// Sink instance is shared by all extractors in a process; EnsureTable
// memoizes which tables have already been provisioned so repeated
// cycles do not re-issue the marker-document write every time.
type Sink struct {
	client *kivik.Client
	db     *kivik.DB
	dbName string

	mu     sync.Mutex
	tables map[string]bool
}

// Open connects to the raw database, creating it if it does not exist.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	connectionURL, err := buildConnectionURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("build raw sink connection url: %w", err)
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("create raw sink client: %w", err)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if err := ensureDatabase(ctx, client, cfg.Database); err != nil {
		return nil, err
	}

	return &Sink{
		client: client,
		db:     client.DB(cfg.Database),
		dbName: cfg.Database,
		tables: make(map[string]bool),
	}, nil
}

func buildConnectionURL(cfg Config) (string, error) {
	if cfg.URL == "" {
		return "", fmt.Errorf("raw sink url cannot be empty")
	}
	if cfg.Username == "" && cfg.Password == "" {
		return cfg.URL, nil
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse raw sink url: %w", err)
	}
	parsed.User = url.UserPassword(cfg.Username, cfg.Password)
	return parsed.String(), nil
}

func ensureDatabase(ctx context.Context, client *kivik.Client, name string) error {
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check raw database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			return fmt.Errorf("create raw database %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Sink) Close() error {
	return s.client.Close()
}

// tableMarkerID is the reserved document that represents a table's
// existence; it records nothing beyond a creation timestamp and exists
// purely so EnsureTable has something to check and create.
func tableMarkerID(table string) string {
	return "_local/table:" + table
}

// EnsureTable records that table has been provisioned, creating its
// reserved marker document on first use. Subsequent calls for the same
// table in this process are no-ops.
func (s *Sink) EnsureTable(ctx context.Context, table string) error {
	s.mu.Lock()
	if s.tables[table] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	marker := map[string]any{
		"table":      table,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.db.Put(ctx, tableMarkerID(table), marker)
	if err != nil && kivik.HTTPStatus(err) != 409 {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

// rowDocID derives a document ID from a table and row key, giving every
// row a deterministic, upsert-stable identity within the shared database.
func rowDocID(table, rowKey string) string {
	return table + ":" + rowKey
}

// InsertRows upserts rows into table, keyed by rowKeyFn applied to each
// row. Each row is inserted individually (CouchDB has no native bulk
// upsert semantics that preserve per-document revision conflicts
// cleanly through kivik's BulkDocs without extra bookkeeping), so a
// failure partway through a batch still leaves earlier rows committed —
// consistent with the engine's at-least-once, not exactly-once,
// guarantee. Returns the count of rows actually written (existing rows
// with identical content still count as written, matching upsert
// semantics) and the first error encountered, if any.
func (s *Sink) InsertRows(ctx context.Context, table string, rows []map[string]any, rowKeyFn func(map[string]any) (string, error)) (int, error) {
	if err := s.EnsureTable(ctx, table); err != nil {
		return 0, err
	}

	written := 0
	for _, row := range rows {
		key, err := rowKeyFn(row)
		if err != nil {
			return written, err
		}

		if err := s.upsertRow(ctx, table, key, row); err != nil {
			return written, err
		}
		written++
	}

	return written, nil
}

func (s *Sink) upsertRow(ctx context.Context, table, rowKey string, row map[string]any) error {
	docID := rowDocID(table, rowKey)

	doc := make(map[string]any, len(row)+1)
	for k, v := range row {
		doc[k] = v
	}

	existingRev, err := s.currentRev(ctx, docID)
	if err != nil {
		return err
	}
	if existingRev != "" {
		doc["_rev"] = existingRev
	}

	if _, err := s.db.Put(ctx, docID, doc); err != nil {
		if kivik.HTTPStatus(err) >= 400 {
			return &xerrors.UpstreamError{Status: kivik.HTTPStatus(err), Body: err.Error()}
		}
		return fmt.Errorf("upsert row %s: %w", docID, err)
	}
	return nil
}

func (s *Sink) currentRev(ctx context.Context, docID string) (string, error) {
	row := s.db.Get(ctx, docID)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return "", nil
		}
		return "", fmt.Errorf("look up current revision of %s: %w", docID, row.Err())
	}
	return row.Rev, nil
}
