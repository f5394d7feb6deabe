// Package realtime reads buffered snapshot lines for in-flight recordings
// from the Redis hot cache and signals the ingestion pipeline to keep a
// recording synced into it.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	snapshotKeyPrefix   = "replay:snapshots"
	subscriptionChannel = "replay:realtime-subscriptions"
)

// Render formats for buffered snapshot lines.
const (
	// FormatLegacy wraps parsed lines in a {"snapshots": [...]} document.
	FormatLegacy = "og"
	// FormatJSONLines returns raw lines joined by newlines, unparsed.
	FormatJSONLines = "2024-04-30"
)

// Snapshots reads the hot cache. The cache is written only by the ingestion
// pipeline; this side never mutates it.
type Snapshots struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSnapshots creates a hot-cache snapshot reader.
func NewSnapshots(client *redis.Client, logger *zap.Logger) *Snapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshots{client: client, logger: logger}
}

func snapshotKey(teamID uuid.UUID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", snapshotKeyPrefix, teamID, sessionID)
}

// Lines returns the currently buffered snapshot lines for a recording.
// A recording with no live data yields an empty slice, not an error.
func (s *Snapshots) Lines(ctx context.Context, teamID uuid.UUID, sessionID string) ([]string, error) {
	lines, err := s.client.LRange(ctx, snapshotKey(teamID, sessionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hot cache read: %w", err)
	}
	return lines, nil
}

// subscriptionMessage asks the ingestion pipeline to start mirroring a
// recording's snapshots into the hot cache.
type subscriptionMessage struct {
	TeamID    string `json:"team_id"`
	SessionID string `json:"session_id"`
}

// PublishSubscription signals ingestion to start syncing a recording into the
// hot cache. It is idempotent on the consumer side and advisory here: the UI
// will poll for realtime snapshots shortly, and the client round trip masks
// the propagation delay of this signal.
func (s *Snapshots) PublishSubscription(ctx context.Context, teamID uuid.UUID, sessionID string) error {
	body, err := json.Marshal(subscriptionMessage{TeamID: teamID.String(), SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, subscriptionChannel, body).Err(); err != nil {
		return fmt.Errorf("publish subscription: %w", err)
	}
	return nil
}

// RenderLegacy parses each buffered line as one JSON value and wraps them
// under a "snapshots" key for clients that predate the newline-delimited format.
func RenderLegacy(lines []string) (map[string]any, error) {
	snapshots := make([]any, 0, len(lines))
	for _, line := range lines {
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("parse snapshot line: %w", err)
		}
		snapshots = append(snapshots, v)
	}
	return map[string]any{"snapshots": snapshots}, nil
}

// RenderJSONLines joins raw lines verbatim into a newline-delimited body.
// Lines are not re-parsed; whatever ingestion buffered is what goes out.
func RenderJSONLines(lines []string) string {
	return strings.Join(lines, "\n")
}
