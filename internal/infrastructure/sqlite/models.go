package sqlite

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is RFC 3339 with fixed-width nanoseconds. Zero padding
// keeps lexicographic order identical to chronological order, which
// the timestamp range queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage. Always UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// formatTimePtr renders an optional timestamp, nil becoming SQL NULL.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime reads a stored timestamp. Accepts plain RFC 3339 too so
// rows written by other tools still load.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(time.RFC3339Nano, s)
	if err2 == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
}

// parseTimePtr reads an optional stored timestamp.
func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON encodes v for a nullable JSON column; nil and empty
// values store as NULL.
func marshalJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	s := string(data)
	if s == "null" || s == "{}" {
		return nil, nil
	}
	return &s, nil
}

// rawOrNil converts a nullable TEXT column into json.RawMessage.
func rawOrNil(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

// textOrNil converts raw JSON into a nullable TEXT column value.
func textOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
