// Package replayevents queries the ClickHouse replay events store: the
// system of record for recording metadata until a recording is persisted,
// and the only backend that can answer filtered listing queries.
package replayevents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/models"
)

// QueryTiming is one phase of a store-internal query breakdown. Values are
// in seconds; callers rescale for presentation.
type QueryTiming struct {
	Key     string
	Seconds float64
}

// ListQuery is the filter shape the store accepts. The caller validates it;
// the store treats it as opaque input and only reads what it understands.
type ListQuery struct {
	SessionIDs []string
	EventNames []string
	DateFrom   *time.Time
	DateTo     *time.Time
	Order      string
	Limit      int
	Offset     int
}

// Store runs replay-event queries against ClickHouse.
type Store struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewStore creates a replay events store.
func NewStore(conn driver.Conn, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{conn: conn, logger: logger}
}

// Exists reports whether any replay events were ingested for the session.
func (s *Store) Exists(ctx context.Context, teamID uuid.UUID, sessionID string) (bool, error) {
	const q = `SELECT count() FROM session_replay_events WHERE team_id = ? AND session_id = ?`
	var count uint64
	if err := s.conn.QueryRow(ctx, q, teamID, sessionID).Scan(&count); err != nil {
		return false, fmt.Errorf("replay events exists: %w", err)
	}
	return count > 0, nil
}

const recordingColumns = `
	session_id,
	any(distinct_id),
	min(min_first_timestamp) AS start_time,
	max(max_last_timestamp) AS end_time,
	toInt32(dateDiff('second', min(min_first_timestamp), max(max_last_timestamp))) AS duration,
	toInt32(intDiv(sum(active_milliseconds), 1000)) AS active_seconds,
	toInt32(sum(click_count)),
	toInt32(sum(keypress_count)),
	toInt32(sum(mouse_activity_count)),
	toInt32(sum(console_log_count)),
	toInt32(sum(console_warn_count)),
	toInt32(sum(console_error_count)),
	any(first_url),
	any(snapshot_source),
	max(max_last_timestamp) > now() - INTERVAL 5 MINUTE AS ongoing`

// GetMetadata synthesizes a Recording projection from replay event
// aggregates. Returns nil when no events exist for the session.
func (s *Store) GetMetadata(ctx context.Context, teamID uuid.UUID, sessionID string) (*models.Recording, error) {
	q := fmt.Sprintf(`SELECT %s FROM session_replay_events WHERE team_id = ? AND session_id = ? GROUP BY session_id`, recordingColumns)
	rows, err := s.conn.Query(ctx, q, teamID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay events metadata: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecording(rows, teamID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// orderColumns is the safelist of caller-specifiable sort keys.
var orderColumns = map[string]string{
	"start_time":           "start_time",
	"duration":             "duration",
	"active_seconds":       "active_seconds",
	"click_count":          "sum(click_count)",
	"keypress_count":       "sum(keypress_count)",
	"mouse_activity_count": "sum(mouse_activity_count)",
	"console_error_count":  "sum(console_error_count)",
}

// ListRecordings runs the listing query and returns a page of synthesized
// recordings, whether more results exist past the page, and the internal
// phase timings of the query.
func (s *Store) ListRecordings(ctx context.Context, teamID uuid.UUID, q ListQuery) ([]models.Recording, bool, []QueryTiming, error) {
	var timings []QueryTiming

	prepareStart := time.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	orderBy, ok := orderColumns[q.Order]
	if !ok {
		orderBy = "start_time"
	}

	conds := []string{"team_id = ?"}
	args := []any{teamID}
	if len(q.SessionIDs) > 0 {
		conds = append(conds, "session_id IN ?")
		args = append(args, q.SessionIDs)
	}
	if q.DateFrom != nil {
		conds = append(conds, "min_first_timestamp >= ?")
		args = append(args, *q.DateFrom)
	}
	if q.DateTo != nil {
		conds = append(conds, "max_last_timestamp <= ?")
		args = append(args, *q.DateTo)
	}
	if len(q.EventNames) > 0 {
		conds = append(conds, "session_id IN (SELECT `$session_id` FROM events WHERE team_id = ? AND event IN ?)")
		args = append(args, teamID, q.EventNames)
	}

	// Fetch one row past the page to learn whether more results exist.
	stmt := fmt.Sprintf(
		`SELECT %s FROM session_replay_events WHERE %s GROUP BY session_id ORDER BY %s DESC LIMIT %d OFFSET %d`,
		recordingColumns, strings.Join(conds, " AND "), orderBy, limit+1, q.Offset,
	)
	timings = append(timings, QueryTiming{Key: "./recordings/prepare", Seconds: time.Since(prepareStart).Seconds()})

	execStart := time.Now()
	rows, err := s.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, false, timings, fmt.Errorf("replay events list: %w", err)
	}
	defer rows.Close()
	timings = append(timings, QueryTiming{Key: "./recordings/execute", Seconds: time.Since(execStart).Seconds()})

	scanStart := time.Now()
	var recordings []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows, teamID)
		if err != nil {
			return nil, false, timings, err
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, timings, fmt.Errorf("replay events scan: %w", err)
	}
	timings = append(timings, QueryTiming{Key: "./recordings/scan", Seconds: time.Since(scanStart).Seconds()})

	hasMore := len(recordings) > limit
	if hasMore {
		recordings = recordings[:limit]
	}
	return recordings, hasMore, timings, nil
}

// MatchingEvents returns ids of events in the session matching the given
// event names.
func (s *Store) MatchingEvents(ctx context.Context, teamID uuid.UUID, sessionID string, eventNames []string) ([]string, []QueryTiming, error) {
	const q = "SELECT toString(uuid) FROM events WHERE team_id = ? AND `$session_id` = ? AND event IN ? ORDER BY timestamp"
	execStart := time.Now()
	rows, err := s.conn.Query(ctx, q, teamID, sessionID, eventNames)
	if err != nil {
		return nil, nil, fmt.Errorf("matching events: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	timings := []QueryTiming{{Key: "./events/execute", Seconds: time.Since(execStart).Seconds()}}
	return ids, timings, rows.Err()
}

func scanRecording(rows driver.Rows, teamID uuid.UUID) (models.Recording, error) {
	var (
		sessionID          string
		distinctID         string
		startTime, endTime time.Time
		duration           int32
		activeSeconds      int32
		clicks, keys       int32
		mouse              int32
		logs, warns, errs  int32
		startURL           string
		snapshotSource     string
		ongoing            bool
	)
	if err := rows.Scan(
		&sessionID, &distinctID, &startTime, &endTime, &duration, &activeSeconds,
		&clicks, &keys, &mouse, &logs, &warns, &errs, &startURL, &snapshotSource, &ongoing,
	); err != nil {
		return models.Recording{}, fmt.Errorf("scan recording: %w", err)
	}
	start := startTime
	end := endTime
	inactive := duration - activeSeconds
	if inactive < 0 {
		inactive = 0
	}
	return models.Recording{
		SessionID:          sessionID,
		TeamID:             teamID,
		DistinctID:         distinctID,
		Duration:           int(duration),
		ActiveSeconds:      int(activeSeconds),
		InactiveSeconds:    int(inactive),
		StartTime:          &start,
		EndTime:            &end,
		ClickCount:         int(clicks),
		KeypressCount:      int(keys),
		MouseActivityCount: int(mouse),
		ConsoleLogCount:    int(logs),
		ConsoleWarnCount:   int(warns),
		ConsoleErrorCount:  int(errs),
		StartURL:           startURL,
		SnapshotSource:     snapshotSource,
		Ongoing:            ongoing,
	}, nil
}
