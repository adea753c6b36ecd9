package masterdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/httpclient"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
)

func newExtractor(serverURL string) *Extractor {
	client := httpclient.New(httpclient.Config{
		BaseURL:        serverURL,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	return &Extractor{Client: client, Facility: facility.Resolve("acme"), LookbackDays: 30}
}

// TestFetchRecordsS5 matches scenario S5: parts feed returns P1 (stale,
// dropped), P2 (fresh, kept), P3 (missing timestamp, retained).
func TestFetchRecordsS5(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/mdm/v1/parts":
			_, _ = w.Write([]byte(`[
				{"id":"P1","lastUpdatedDate":"2023-12-31T00:00:00Z"},
				{"id":"P2","lastUpdatedDate":"2024-02-01T00:00:00Z"},
				{"id":"P3"}
			]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	ex := newExtractor(server.URL)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records, err := ex.FetchRecords(context.Background(), &since)
	require.NoError(t, err)

	var parts []map[string]any
	for _, r := range records {
		if r["recordType"] == "part" {
			parts = append(parts, r)
		}
	}
	require.Len(t, parts, 2)

	keys := map[string]bool{}
	for _, p := range parts {
		key, err := ex.RecordKey(p)
		require.NoError(t, err)
		keys[key] = true
	}
	assert.True(t, keys["part:P2"])
	assert.True(t, keys["part:P3"])
	assert.False(t, keys["part:P1"])
}

func TestRecordKeyUsesFeedSpecificIDFields(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	key, err := ex.RecordKey(map[string]any{"recordType": "workcenter", "externalId": "WC-9"})
	require.NoError(t, err)
	assert.Equal(t, "workcenter:WC-9", key)
}

func TestRecordKeyMissingIdentifier(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	_, err := ex.RecordKey(map[string]any{"recordType": "operation"})
	assert.Error(t, err)
}

// TestFetchRecordsDedupSuppressesReplayedKeyAcrossCycles matches a
// reference-data record reappearing on a subsequent cycle's page (these
// feeds paginate without a server-side cursor): the dedup ring should
// reject it the second time.
func TestFetchRecordsDedupSuppressesReplayedKeyAcrossCycles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/mdm/v1/buildings":
			_, _ = w.Write([]byte(`[{"id":"B1"}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	dedup, err := watermark.OpenDedup(t.TempDir(), "masterdata")
	require.NoError(t, err)
	defer dedup.Close()

	ex := newExtractor(server.URL)
	ex.Dedup = dedup

	first, err := ex.FetchRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := ex.FetchRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, second)
}
