package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordingStorage says where a recording's snapshot data currently lives.
const (
	// StorageObjectStorage means snapshots were finalized into the blob store.
	StorageObjectStorage = "object_storage"
	// StorageClickHouse means the recording is still on the hot path and has
	// not been persisted; metadata comes from the replay events store.
	StorageClickHouse = "clickhouse"
)

// StorageVersion20230801 is the only supported persisted key layout:
// blob objects live directly under the recording's object storage path.
const StorageVersion20230801 = "2023-08-01"

// Snapshot source kinds, in the order a client consumes them.
const (
	SourceBlob     = "blob"
	SourceRealtime = "realtime"
)

// SnapshotSource is one discoverable location a client can fetch snapshot
// data from. Blob entries carry both timestamps and a blob key; the realtime
// entry, when present, is always last and has no end timestamp.
type SnapshotSource struct {
	Source         string     `json:"source"`
	StartTimestamp *time.Time `json:"start_timestamp"`
	EndTimestamp   *time.Time `json:"end_timestamp"`
	BlobKey        string     `json:"blob_key,omitempty"`
}

// Recording is one captured user session. It is materialized lazily: from a
// persisted Postgres row when one exists, otherwise synthesized from replay
// event aggregates in ClickHouse. Viewed state, viewers and person identity
// are enrichment applied after construction, never loaded with the core row.
type Recording struct {
	SessionID          string     `json:"id"`
	TeamID             uuid.UUID  `json:"-"`
	DistinctID         string     `json:"distinct_id"`
	Duration           int        `json:"recording_duration"`
	ActiveSeconds      int        `json:"active_seconds"`
	InactiveSeconds    int        `json:"inactive_seconds"`
	StartTime          *time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	ClickCount         int        `json:"click_count"`
	KeypressCount      int        `json:"keypress_count"`
	MouseActivityCount int        `json:"mouse_activity_count"`
	ConsoleLogCount    int        `json:"console_log_count"`
	ConsoleWarnCount   int        `json:"console_warn_count"`
	ConsoleErrorCount  int        `json:"console_error_count"`
	StartURL           string     `json:"start_url"`
	Deleted            bool       `json:"-"`
	ObjectStoragePath  string     `json:"-"`
	StorageVersion     string     `json:"-"`
	SnapshotSource     string     `json:"snapshot_source"`
	Ongoing            bool       `json:"ongoing"`
	ActivityScore      *float64   `json:"activity_score"`

	// Enrichment (see WithViewerState / WithPerson).
	Viewed  bool     `json:"viewed"`
	Viewers []string `json:"viewers"`
	Person  *Person  `json:"person,omitempty"`
}

// Storage reports which backend currently owns the recording's snapshot data.
func (r Recording) Storage() string {
	if r.ObjectStoragePath != "" {
		return StorageObjectStorage
	}
	return StorageClickHouse
}

// Persisted reports whether the recording has been finalized into the blob store.
func (r Recording) Persisted() bool {
	return r.ObjectStoragePath != ""
}

// BlobIngestionPath is the bucket prefix the ingestion pipeline writes live
// snapshot chunks under, derived deterministically from the recording identity.
func (r Recording) BlobIngestionPath(rootPrefix string) string {
	return fmt.Sprintf("%s/team_id/%s/session_id/%s/data", rootPrefix, r.TeamID, r.SessionID)
}

// WithViewerState returns a copy enriched with the requesting user's viewed
// flag and the list of other viewers. The receiver is left untouched so the
// persisted-row and synthesized load paths can never alias.
func (r Recording) WithViewerState(viewed bool, viewers []string) Recording {
	r.Viewed = viewed
	if viewers == nil {
		viewers = []string{}
	}
	r.Viewers = viewers
	return r
}

// WithPerson returns a copy enriched with the person identity resolved for
// the recording's distinct id.
func (r Recording) WithPerson(p *Person) Recording {
	r.Person = p
	return r
}
