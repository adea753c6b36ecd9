package inventory

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
	return &Extractor{Client: client, Facility: facility.Resolve("acme"), LookbackDays: 7}
}

// TestFetchRecordsS3 matches scenario S3: C1 stale, C2 fresh, C3
// timestamp-absent (retained conservatively).
func TestFetchRecordsS3(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"C1","lastUpdatedDate":"2024-04-30T00:00:00Z"},
			{"id":"C2","lastUpdated":"2024-05-02T00:00:00Z"},
			{"id":"C3"}
		]`))
	}))
	defer server.Close()

	ex := newExtractor(server.URL)
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	records, err := ex.FetchRecords(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, records, 2)

	keys := map[string]bool{}
	for _, r := range records {
		key, err := ex.RecordKey(r)
		require.NoError(t, err)
		keys[key] = true
	}
	assert.True(t, keys["C2"])
	assert.True(t, keys["C3"])
	assert.False(t, keys["C1"])
}

func TestFetchRecordsNoWatermarkKeepsEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"C1","lastUpdatedDate":"2024-04-30T00:00:00Z"}]`))
	}))
	defer server.Close()

	ex := newExtractor(server.URL)
	records, err := ex.FetchRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordKeyFallsBackToPartLocation(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	key, err := ex.RecordKey(map[string]any{"partNumber": "P1", "locationId": "L1"})
	require.NoError(t, err)
	assert.Equal(t, "P1-L1", key)
}

func TestFetchMovementsNotImplemented(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	assert.ErrorIs(t, ex.FetchMovements(), ErrMovementsNotImplemented)
}

// TestFetchRecordsDedupSuppressesReplayedKeyAcrossCycles matches a
// boundary record reappearing on a subsequent cycle's page: the dedup
// ring should reject it the second time even though it is no longer
// filtered out by the staleness check.
func TestFetchRecordsDedupSuppressesReplayedKeyAcrossCycles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"C1","lastUpdatedDate":"2024-05-02T00:00:00Z"}]`))
	}))
	defer server.Close()

	dedup, err := watermark.OpenDedup(t.TempDir(), "inventory")
	require.NoError(t, err)
	defer dedup.Close()

	ex := newExtractor(server.URL)
	ex.Dedup = dedup

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	first, err := ex.FetchRecords(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := ex.FetchRecords(context.Background(), &since)
	require.NoError(t, err)
	assert.Empty(t, second)
}
