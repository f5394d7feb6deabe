package recordings

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/models"
)

// ingestionLagWindow bounds how long ago a recording may have started before
// we stop offering a realtime source. Sessions that old have certainly
// finished.
const ingestionLagWindow = 24 * time.Hour

// ErrUnknownStorageVersion means a persisted recording carries a key layout
// this service does not understand. That is a data corruption or rollout
// ordering problem, never a client error.
var ErrUnknownStorageVersion = fmt.Errorf("unknown recording storage version")

// ObjectLister lists blob store keys under a prefix.
type ObjectLister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// SyncPublisher notifies the ingestion tier that a client wants realtime
// snapshots for a session, so it starts mirroring them into the hot cache.
type SyncPublisher interface {
	PublishSubscription(ctx context.Context, teamID uuid.UUID, sessionID string) error
}

// SourceLoader discovers where a recording's snapshot data can be fetched
// from: finalized blobs in object storage plus, for recordings that may
// still be live, the realtime hot cache.
type SourceLoader struct {
	store           ObjectLister
	realtime        SyncPublisher
	ingestionPrefix string
	logger          *zap.Logger
}

func NewSourceLoader(store ObjectLister, realtime SyncPublisher, ingestionPrefix string, logger *zap.Logger) *SourceLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceLoader{store: store, realtime: realtime, ingestionPrefix: ingestionPrefix, logger: logger}
}

// ListSources returns the recording's snapshot sources, blob entries sorted
// by start timestamp with the realtime entry, when offered, always last.
// Offering a realtime source also publishes a subscription so the hot cache
// begins filling before the client asks for it; publish failures are
// tolerated since the client will simply see an empty snapshot list.
func (l *SourceLoader) ListSources(ctx context.Context, rec models.Recording) ([]models.SnapshotSource, error) {
	prefix, err := l.blobPrefix(rec)
	if err != nil {
		return nil, err
	}

	keys, err := l.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blob keys: %w", err)
	}

	sources := make([]models.SnapshotSource, 0, len(keys)+1)
	var oldestStart, newestEnd time.Time
	for _, key := range keys {
		start, end, blobKey, ok := parseBlobKey(key, prefix)
		if !ok {
			l.logger.Warn("skipping malformed blob key", zap.String("key", key))
			continue
		}
		if oldestStart.IsZero() || start.Before(oldestStart) {
			oldestStart = start
		}
		if end.After(newestEnd) {
			newestEnd = end
		}
		s, e := start, end
		sources = append(sources, models.SnapshotSource{
			Source:         models.SourceBlob,
			StartTimestamp: &s,
			EndTimestamp:   &e,
			BlobKey:        blobKey,
		})
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].StartTimestamp.Before(*sources[j].StartTimestamp)
	})

	if l.mightHaveRealtime(rec, len(sources), oldestStart) {
		realtimeSource := models.SnapshotSource{Source: models.SourceRealtime}
		if !newestEnd.IsZero() {
			t := newestEnd
			realtimeSource.StartTimestamp = &t
		}
		sources = append(sources, realtimeSource)

		if err := l.realtime.PublishSubscription(ctx, rec.TeamID, rec.SessionID); err != nil {
			l.logger.Debug("realtime subscription publish failed",
				zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}

	return sources, nil
}

func (l *SourceLoader) blobPrefix(rec models.Recording) (string, error) {
	if rec.Persisted() {
		if rec.StorageVersion != models.StorageVersion20230801 {
			return "", fmt.Errorf("%w: %q", ErrUnknownStorageVersion, rec.StorageVersion)
		}
		return rec.ObjectStoragePath, nil
	}
	return rec.BlobIngestionPath(l.ingestionPrefix), nil
}

// mightHaveRealtime decides whether the session could still be producing
// snapshots. Persisted recordings are finished; otherwise a session with no
// blobs yet may have just started, and one with blobs is live only while its
// oldest blob started inside the ingestion lag window.
func (l *SourceLoader) mightHaveRealtime(rec models.Recording, blobCount int, oldestStart time.Time) bool {
	if rec.Persisted() {
		return false
	}
	if blobCount == 0 {
		return true
	}
	return time.Since(oldestStart) < ingestionLagWindow
}

// parseBlobKey extracts the time range a blob covers from its key. Keys look
// like "<prefix>/1619712000000-1619712060000.json": the name before the
// first dot must be exactly two millisecond epochs joined by a dash. The
// returned blob key is the name relative to the prefix, extension included.
func parseBlobKey(key string, prefix string) (start, end time.Time, blobKey string, ok bool) {
	name := strings.TrimPrefix(key, prefix+"/")
	if name == key || name == "" || strings.Contains(name, "/") {
		return time.Time{}, time.Time{}, "", false
	}
	stem, _, _ := strings.Cut(name, ".")
	parts := strings.Split(stem, "-")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, "", false
	}
	var millis [2]int64
	for i, p := range parts {
		ms, err := parseMillis(p)
		if err != nil {
			return time.Time{}, time.Time{}, "", false
		}
		millis[i] = ms
	}
	start = time.UnixMilli(millis[0]).UTC()
	end = time.UnixMilli(millis[1]).UTC()
	if end.Before(start) {
		start, end = end, start
	}
	return start, end, name, true
}

func parseMillis(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timestamp segment")
	}
	// ParseInt alone would admit signs and underscores, so keep the digit
	// check; it in turn rejects segments too long to fit an int64.
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit in timestamp segment")
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp segment out of range")
	}
	return ms, nil
}
