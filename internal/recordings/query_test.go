package recordings

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordingsQuery(t *testing.T) {
	t.Run("decodes JSON-encoded parameters", func(t *testing.T) {
		values := url.Values{}
		values.Set("session_ids", `["a","b","c"]`)
		values.Set("events", `[{"id":"$pageview","name":"$pageview","type":"events"}]`)
		values.Set("limit", "25")
		values.Set("offset", "50")

		q, err := ParseRecordingsQuery(values)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, q.SessionIDs)
		require.Len(t, q.Events, 1)
		assert.Equal(t, "$pageview", q.Events[0].Name)
		assert.Equal(t, 25, q.Limit)
		assert.Equal(t, 50, q.Offset)
	})

	t.Run("accepts bare strings where JSON decoding fails", func(t *testing.T) {
		values := url.Values{}
		values.Set("order", "duration")

		q, err := ParseRecordingsQuery(values)
		require.NoError(t, err)
		assert.Equal(t, "duration", q.Order)
	})

	t.Run("accepts quoted strings too", func(t *testing.T) {
		values := url.Values{}
		values.Set("order", `"duration"`)

		q, err := ParseRecordingsQuery(values)
		require.NoError(t, err)
		assert.Equal(t, "duration", q.Order)
	})

	t.Run("ignores legacy parameters", func(t *testing.T) {
		values := url.Values{}
		values.Set("version", "3")
		values.Set("as_query", "true")

		_, err := ParseRecordingsQuery(values)
		assert.NoError(t, err)
	})

	t.Run("parses dates in RFC3339 and date-only forms", func(t *testing.T) {
		values := url.Values{}
		values.Set("date_from", "2024-05-01")
		values.Set("date_to", "2024-05-02T10:30:00Z")

		q, err := ParseRecordingsQuery(values)
		require.NoError(t, err)
		require.NotNil(t, q.DateFrom)
		require.NotNil(t, q.DateTo)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), q.DateFrom.UTC())
		assert.Equal(t, time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC), q.DateTo.UTC())
	})

	t.Run("defaults the limit", func(t *testing.T) {
		q, err := ParseRecordingsQuery(url.Values{})
		require.NoError(t, err)
		assert.Equal(t, 50, q.Limit)
	})

	t.Run("rejects malformed session_ids", func(t *testing.T) {
		values := url.Values{}
		values.Set("session_ids", "not-a-list")
		_, err := ParseRecordingsQuery(values)
		assert.Error(t, err)
	})

	t.Run("rejects unknown order columns", func(t *testing.T) {
		values := url.Values{}
		values.Set("order", "password")
		_, err := ParseRecordingsQuery(values)
		assert.Error(t, err)
	})

	t.Run("rejects non-numeric and negative limits", func(t *testing.T) {
		values := url.Values{}
		values.Set("limit", "lots")
		_, err := ParseRecordingsQuery(values)
		assert.Error(t, err)

		values.Set("limit", "-1")
		_, err = ParseRecordingsQuery(values)
		assert.Error(t, err)

		values.Set("limit", "5000")
		_, err = ParseRecordingsQuery(values)
		assert.Error(t, err)
	})

	t.Run("rejects unparseable dates", func(t *testing.T) {
		values := url.Values{}
		values.Set("date_from", "yesterday")
		_, err := ParseRecordingsQuery(values)
		assert.Error(t, err)
	})
}

func TestEventNames(t *testing.T) {
	q := RecordingsQuery{
		Events:  []FilterEntry{{Name: "$pageview"}, {ID: "$autocapture"}},
		Actions: []FilterEntry{{Name: "signup clicked"}},
	}
	assert.Equal(t, []string{"$pageview", "$autocapture", "signup clicked"}, q.EventNames())
}
