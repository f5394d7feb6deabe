package recordings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxListLimit caps the page size a caller can request.
const maxListLimit = 100

var validate = validator.New()

// FilterEntry is one event or action filter in a listing query.
type FilterEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// EventName returns the name the events table is filtered on, preferring the
// explicit name over the id.
func (f FilterEntry) EventName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// RecordingsQuery is the parsed and validated listing filter.
type RecordingsQuery struct {
	SessionIDs []string      `json:"session_ids"`
	Events     []FilterEntry `json:"events"`
	Actions    []FilterEntry `json:"actions"`
	DateFrom   *time.Time    `json:"date_from"`
	DateTo     *time.Time    `json:"date_to"`
	Order      string        `json:"order" validate:"omitempty,oneof=start_time duration active_seconds click_count keypress_count mouse_activity_count console_error_count"`
	Limit      int           `json:"limit" validate:"min=0"`
	Offset     int           `json:"offset" validate:"min=0"`
}

// EventNames flattens the event and action filters into the names the replay
// events store matches on.
func (q RecordingsQuery) EventNames() []string {
	var names []string
	for _, f := range append(append([]FilterEntry{}, q.Events...), q.Actions...) {
		if n := f.EventName(); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// ParseRecordingsQuery decodes a listing query from URL parameters. Each
// parameter value is decoded as JSON when possible and kept as a raw string
// otherwise, so session_ids=["a","b"] and order=start_time both work. The
// legacy version and as_query parameters are accepted and ignored.
func ParseRecordingsQuery(values url.Values) (RecordingsQuery, error) {
	q := RecordingsQuery{}
	for key := range values {
		raw := values.Get(key)
		switch key {
		case "version", "as_query":
			// legacy client parameters, no longer meaningful
		case "session_ids":
			ids, err := decodeStringList(raw)
			if err != nil {
				return q, fmt.Errorf("session_ids: %w", err)
			}
			q.SessionIDs = ids
		case "events":
			entries, err := decodeFilterEntries(raw)
			if err != nil {
				return q, fmt.Errorf("events: %w", err)
			}
			q.Events = entries
		case "actions":
			entries, err := decodeFilterEntries(raw)
			if err != nil {
				return q, fmt.Errorf("actions: %w", err)
			}
			q.Actions = entries
		case "date_from":
			t, err := parseQueryTime(raw)
			if err != nil {
				return q, fmt.Errorf("date_from: %w", err)
			}
			q.DateFrom = t
		case "date_to":
			t, err := parseQueryTime(raw)
			if err != nil {
				return q, fmt.Errorf("date_to: %w", err)
			}
			q.DateTo = t
		case "order":
			q.Order = decodeString(raw)
		case "limit":
			n, err := decodeInt(raw)
			if err != nil {
				return q, fmt.Errorf("limit: %w", err)
			}
			if n > maxListLimit {
				return q, fmt.Errorf("limit: must not exceed %d", maxListLimit)
			}
			q.Limit = n
		case "offset":
			n, err := decodeInt(raw)
			if err != nil {
				return q, fmt.Errorf("offset: %w", err)
			}
			q.Offset = n
		}
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

// decodeString unwraps a JSON string value, keeping the raw text when the
// value was not JSON.
func decodeString(raw string) string {
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return raw
}

func decodeStringList(raw string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("expected a JSON list of strings")
	}
	return ids, nil
}

func decodeFilterEntries(raw string) ([]FilterEntry, error) {
	var entries []FilterEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("expected a JSON list of filters")
	}
	return entries, nil
}

func decodeInt(raw string) (int, error) {
	var n int
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return 0, fmt.Errorf("expected an integer")
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func parseQueryTime(raw string) (*time.Time, error) {
	s := decodeString(raw)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}
