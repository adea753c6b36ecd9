// Package canon implements record canonicalization: flattening a nested
// record into scalar-or-JSON-text columns, and the shared timestamp
// parser every domain extractor uses to resolve watermarks and filter
// stale records.
package canon

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// Canonicalize flattens record into columns suitable for the raw sink:
// nested maps/slices become JSON text, timestamps become ISO-8601 UTC
// text, everything else passes through unchanged. Ordering is not
// significant.
func Canonicalize(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = canonicalizeValue(v)
	}
	return out
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fallbackString(val)
		}
		return string(b)
	default:
		return v
	}
}

func fallbackString(v any) string {
	return strings.TrimSpace(jsonOrSprint(v))
}

func jsonOrSprint(v any) string {
	b, err := json.Marshal(struct {
		V any `json:"v"`
	}{V: v})
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseTimestamp accepts a time.Time, a numeric UNIX-seconds value, or an
// ISO-8601 string (with "Z" normalized to "+00:00"), returning UTC. Any
// other shape yields UnsupportedTimestamp.
func ParseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case int:
		return time.Unix(int64(val), 0).UTC(), nil
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case string:
		return parseTimestampString(val)
	default:
		return time.Time{}, &xerrors.UnsupportedTimestamp{Value: v}
	}
}

func parseTimestampString(s string) (time.Time, error) {
	normalized := s
	if strings.HasSuffix(normalized, "Z") {
		normalized = strings.TrimSuffix(normalized, "Z") + "+00:00"
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.UTC(), nil
		}
	}

	// Bare numeric string: treat as UNIX seconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}

	return time.Time{}, &xerrors.UnsupportedTimestamp{Value: s}
}

// TryParseTimestamp is ParseTimestamp without surfacing the error type to
// callers that only need a bool — used by domain extractors that treat
// an unparseable timestamp as "retain the record" rather than a hard
// failure.
func TryParseTimestamp(v any) (time.Time, bool) {
	t, err := ParseTimestamp(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
