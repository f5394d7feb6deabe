package recordings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessionscope/backend/internal/models"
)

// Repository is the Postgres side of recording state: materialized rows,
// soft deletes, viewed bookkeeping and long-term storage pointers.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const recordingCols = `
	team_id, session_id, distinct_id, duration, active_seconds, inactive_seconds,
	start_time, end_time, click_count, keypress_count, mouse_activity_count,
	console_log_count, console_warn_count, console_error_count, start_url,
	deleted, object_storage_path, storage_version`

// GetBySession fetches the materialized row for a session, nil when the
// recording has never been materialized.
func (r *Repository) GetBySession(ctx context.Context, teamID uuid.UUID, sessionID string) (*models.Recording, error) {
	q := fmt.Sprintf(`SELECT %s FROM session_recordings WHERE team_id = $1 AND session_id = $2`, recordingCols)
	row := r.db.QueryRow(ctx, q, teamID, sessionID)
	rec, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return &rec, nil
}

// ListBySessionIDs fetches materialized rows for the given sessions,
// deleted ones included so the caller can drop them knowingly.
func (r *Repository) ListBySessionIDs(ctx context.Context, teamID uuid.UUID, sessionIDs []string) ([]models.Recording, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM session_recordings WHERE team_id = $1 AND session_id = ANY($2)`, recordingCols)
	rows, err := r.db.Query(ctx, q, teamID, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []models.Recording
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPersistedBySessionIDs fetches only the rows a pinned lookup may trust:
// recordings finalized into long-term storage, plus deletion tombstones.
// Rows materialized for bookkeeping (a pending persist, a viewed mark) are
// excluded so their stale metadata never shadows the replay events store.
func (r *Repository) ListPersistedBySessionIDs(ctx context.Context, teamID uuid.UUID, sessionIDs []string) ([]models.Recording, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM session_recordings
		WHERE team_id = $1 AND session_id = ANY($2)
		AND (object_storage_path IS NOT NULL OR deleted)`, recordingCols)
	rows, err := r.db.Query(ctx, q, teamID, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("list persisted recordings: %w", err)
	}
	defer rows.Close()

	var out []models.Recording
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert materializes or refreshes a recording row from synthesized
// metadata. Storage pointers and the deleted flag are never overwritten
// here; those only move through FinalizeStorage and MarkDeleted.
func (r *Repository) Upsert(ctx context.Context, rec models.Recording) error {
	const q = `
		INSERT INTO session_recordings (
			team_id, session_id, distinct_id, duration, active_seconds, inactive_seconds,
			start_time, end_time, click_count, keypress_count, mouse_activity_count,
			console_log_count, console_warn_count, console_error_count, start_url
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (team_id, session_id) DO UPDATE SET
			distinct_id = EXCLUDED.distinct_id,
			duration = EXCLUDED.duration,
			active_seconds = EXCLUDED.active_seconds,
			inactive_seconds = EXCLUDED.inactive_seconds,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			click_count = EXCLUDED.click_count,
			keypress_count = EXCLUDED.keypress_count,
			mouse_activity_count = EXCLUDED.mouse_activity_count,
			console_log_count = EXCLUDED.console_log_count,
			console_warn_count = EXCLUDED.console_warn_count,
			console_error_count = EXCLUDED.console_error_count,
			start_url = EXCLUDED.start_url,
			updated_at = NOW()`
	_, err := r.db.Exec(ctx, q,
		rec.TeamID, rec.SessionID, rec.DistinctID, rec.Duration, rec.ActiveSeconds,
		rec.InactiveSeconds, rec.StartTime, rec.EndTime, rec.ClickCount,
		rec.KeypressCount, rec.MouseActivityCount, rec.ConsoleLogCount,
		rec.ConsoleWarnCount, rec.ConsoleErrorCount, rec.StartURL,
	)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a recording. The caller materializes the row
// first, so a missing row here is a programming error surfaced as one.
func (r *Repository) MarkDeleted(ctx context.Context, teamID uuid.UUID, sessionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE session_recordings SET deleted = TRUE, updated_at = NOW() WHERE team_id = $1 AND session_id = $2`,
		teamID, sessionID)
	if err != nil {
		return fmt.Errorf("mark recording deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark recording deleted: no row for session %s", sessionID)
	}
	return nil
}

// FinalizeStorage records that the recording's blobs now live under a
// long-term storage path.
func (r *Repository) FinalizeStorage(ctx context.Context, teamID uuid.UUID, sessionID, path, version string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE session_recordings SET object_storage_path = $3, storage_version = $4, updated_at = NOW()
		 WHERE team_id = $1 AND session_id = $2`,
		teamID, sessionID, path, version)
	if err != nil {
		return fmt.Errorf("finalize recording storage: %w", err)
	}
	return nil
}

// MarkViewed records that the user has watched the recording. Idempotent.
func (r *Repository) MarkViewed(ctx context.Context, teamID uuid.UUID, sessionID string, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_recording_viewed (team_id, session_id, user_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		teamID, sessionID, userID)
	if err != nil {
		return fmt.Errorf("mark recording viewed: %w", err)
	}
	return nil
}

// ViewedSessions returns which of the given sessions the user has watched.
func (r *Repository) ViewedSessions(ctx context.Context, teamID uuid.UUID, userID uuid.UUID, sessionIDs []string) (map[string]bool, error) {
	if len(sessionIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT session_id FROM session_recording_viewed
		 WHERE team_id = $1 AND user_id = $2 AND session_id = ANY($3)`,
		teamID, userID, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("list viewed sessions: %w", err)
	}
	defer rows.Close()

	viewed := make(map[string]bool, len(sessionIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		viewed[id] = true
	}
	return viewed, rows.Err()
}

// OtherViewers returns, per session, the emails of users other than the
// requester who have watched it.
func (r *Repository) OtherViewers(ctx context.Context, teamID uuid.UUID, excludeUserID uuid.UUID, sessionIDs []string) (map[string][]string, error) {
	if len(sessionIDs) == 0 {
		return map[string][]string{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT v.session_id, u.email
		 FROM session_recording_viewed v
		 JOIN users u ON u.id = v.user_id
		 WHERE v.team_id = $1 AND v.user_id <> $2 AND v.session_id = ANY($3)
		 ORDER BY v.viewed_at`,
		teamID, excludeUserID, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("list other viewers: %w", err)
	}
	defer rows.Close()

	viewers := make(map[string][]string)
	for rows.Next() {
		var sessionID, email string
		if err := rows.Scan(&sessionID, &email); err != nil {
			return nil, err
		}
		viewers[sessionID] = append(viewers[sessionID], email)
	}
	return viewers, rows.Err()
}

func scanRow(row pgx.Row) (models.Recording, error) {
	var rec models.Recording
	var path, version *string
	err := row.Scan(
		&rec.TeamID, &rec.SessionID, &rec.DistinctID, &rec.Duration,
		&rec.ActiveSeconds, &rec.InactiveSeconds, &rec.StartTime, &rec.EndTime,
		&rec.ClickCount, &rec.KeypressCount, &rec.MouseActivityCount,
		&rec.ConsoleLogCount, &rec.ConsoleWarnCount, &rec.ConsoleErrorCount,
		&rec.StartURL, &rec.Deleted, &path, &version,
	)
	if err != nil {
		return models.Recording{}, err
	}
	if path != nil {
		rec.ObjectStoragePath = *path
	}
	if version != nil {
		rec.StorageVersion = *version
	}
	return rec, nil
}
