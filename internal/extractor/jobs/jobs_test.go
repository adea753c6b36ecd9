package jobs

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
)

func newExtractor(serverURL string) *Extractor {
	client := httpclient.New(httpclient.Config{
		BaseURL:        serverURL,
		APIKey:         "k",
		CustomerID:     "c",
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	return &Extractor{
		Client:       client,
		Facility:     facility.Resolve("acme"),
		LookbackDays: 7,
		Now:          func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	}
}

// TestFetchRecordsS1 matches scenario S1: two jobs on page one, empty
// page two, one job carrying a nested workcenter, the other bare.
func TestFetchRecordsS1(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == jobsPath && r.URL.Query().Get("offset") == "0":
			_, _ = w.Write([]byte(`[{"id":"J1","workcenter":{"code":"WC-A"}},{"id":"J2","jobNo":"N2"}]`))
		case r.URL.Path == jobsPath:
			_, _ = w.Write([]byte(`[]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	ex := newExtractor(server.URL)
	records, err := ex.FetchRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	transformed := make([]map[string]any, len(records))
	for i, r := range records {
		out, err := ex.TransformRecord(r)
		require.NoError(t, err)
		transformed[i] = out
	}

	assert.Equal(t, "WC-A", transformed[0]["workcenterCode"])
	assert.Equal(t, "acme", transformed[0]["pcn"])

	key1, err := ex.RecordKey(transformed[0])
	require.NoError(t, err)
	assert.Equal(t, "J1", key1)

	key2, err := ex.RecordKey(transformed[1])
	require.NoError(t, err)
	assert.Equal(t, "J2", key2)
}

func TestRecordKeyFallsBackToJobNoAndStart(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	key, err := ex.RecordKey(map[string]any{"jobNumber": "N9", "scheduledStart": "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, "N9-2024-01-01", key)
}

func TestRecordKeyMissingIdentifier(t *testing.T) {
	ex := newExtractor("http://example.invalid")
	_, err := ex.RecordKey(map[string]any{"note": "nothing usable"})
	assert.Error(t, err)
}

func TestOperationsFetchFailureYieldsNoOperations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ex := newExtractor(server.URL)
	ops := ex.fetchOperations(context.Background(), "J1")
	assert.Nil(t, ops)
}
