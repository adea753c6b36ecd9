package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowDocIDIsDeterministic(t *testing.T) {
	assert.Equal(t, "jobs:JOB-100", rowDocID("jobs", "JOB-100"))
	assert.Equal(t, rowDocID("jobs", "JOB-100"), rowDocID("jobs", "JOB-100"))
}

func TestTableMarkerIDIsScopedPerTable(t *testing.T) {
	assert.NotEqual(t, tableMarkerID("jobs"), tableMarkerID("production"))
}

func TestBuildConnectionURLInjectsCredentials(t *testing.T) {
	got, err := buildConnectionURL(Config{
		URL:      "http://localhost:5984",
		Username: "admin",
		Password: "secret",
	})
	assert.NoError(t, err)
	assert.Contains(t, got, "admin:secret@")
}

func TestBuildConnectionURLPassesThroughWithoutCredentials(t *testing.T) {
	got, err := buildConnectionURL(Config{URL: "http://localhost:5984"})
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:5984", got)
}

func TestBuildConnectionURLRejectsEmpty(t *testing.T) {
	_, err := buildConnectionURL(Config{})
	assert.Error(t, err)
}
