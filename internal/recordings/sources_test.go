package recordings

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionscope/backend/internal/models"
)

type fakeLister struct {
	keys       []string
	err        error
	seenPrefix string
}

func (f *fakeLister) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.seenPrefix = prefix
	return f.keys, f.err
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishSubscription(_ context.Context, _ uuid.UUID, sessionID string) error {
	f.published = append(f.published, sessionID)
	return f.err
}

func testRecording() models.Recording {
	return models.Recording{
		SessionID: "session-1",
		TeamID:    uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
	}
}

func TestListSources(t *testing.T) {
	rec := testRecording()
	prefix := rec.BlobIngestionPath("session_recordings")

	t.Run("parses blob keys into timestamped sources", func(t *testing.T) {
		lister := &fakeLister{keys: []string{
			prefix + "/1619712000000-1619712060000.json",
		}}
		loader := NewSourceLoader(lister, &fakePublisher{}, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		require.NotEmpty(t, sources)
		assert.Equal(t, prefix, lister.seenPrefix)

		blob := sources[0]
		assert.Equal(t, models.SourceBlob, blob.Source)
		assert.Equal(t, "1619712000000-1619712060000.json", blob.BlobKey)
		assert.Equal(t, time.Date(2021, 4, 29, 16, 0, 0, 0, time.UTC), blob.StartTimestamp.UTC())
		assert.Equal(t, time.Date(2021, 4, 29, 16, 1, 0, 0, time.UTC), blob.EndTimestamp.UTC())
	})

	t.Run("sorts blobs by start timestamp", func(t *testing.T) {
		lister := &fakeLister{keys: []string{
			prefix + "/1619712120000-1619712180000.json",
			prefix + "/1619712000000-1619712060000.json",
		}}
		loader := NewSourceLoader(lister, &fakePublisher{}, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(sources), 2)
		assert.True(t, sources[0].StartTimestamp.Before(*sources[1].StartTimestamp))
	})

	t.Run("drops malformed keys", func(t *testing.T) {
		lister := &fakeLister{keys: []string{
			prefix + "/not-a-number.json",
			prefix + "/1619712000000.json",
			prefix + "/100-200-300.json",
			prefix + "/nested/1619712000000-1619712060000.json",
			prefix + "/1619712000000-1619712060000.json",
		}}
		loader := NewSourceLoader(lister, &fakePublisher{}, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)

		var blobs []models.SnapshotSource
		for _, s := range sources {
			if s.Source == models.SourceBlob {
				blobs = append(blobs, s)
			}
		}
		require.Len(t, blobs, 1)
		assert.Equal(t, "1619712000000-1619712060000.json", blobs[0].BlobKey)
	})

	t.Run("offers realtime after fresh blobs with start at newest end", func(t *testing.T) {
		end := time.Now().Add(-time.Minute).UnixMilli()
		start := end - 60_000
		lister := &fakeLister{keys: []string{
			fmt.Sprintf("%s/%d-%d.json", prefix, start, end),
		}}
		pub := &fakePublisher{}
		loader := NewSourceLoader(lister, pub, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		require.Len(t, sources, 2)

		rt := sources[1]
		assert.Equal(t, models.SourceRealtime, rt.Source)
		require.NotNil(t, rt.StartTimestamp)
		assert.Equal(t, time.UnixMilli(end).UTC(), rt.StartTimestamp.UTC())
		assert.Nil(t, rt.EndTimestamp)
		assert.Equal(t, []string{"session-1"}, pub.published)
	})

	t.Run("no realtime when the session started too long ago", func(t *testing.T) {
		lister := &fakeLister{keys: []string{
			prefix + "/1619712000000-1619712060000.json",
		}}
		pub := &fakePublisher{}
		loader := NewSourceLoader(lister, pub, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		for _, s := range sources {
			assert.NotEqual(t, models.SourceRealtime, s.Source)
		}
		assert.Empty(t, pub.published)
	})

	t.Run("a recent blob cannot revive a session whose first blob is stale", func(t *testing.T) {
		staleStart := time.Now().Add(-25 * time.Hour).UnixMilli()
		freshEnd := time.Now().Add(-time.Minute).UnixMilli()
		lister := &fakeLister{keys: []string{
			fmt.Sprintf("%s/%d-%d.json", prefix, staleStart, staleStart+60_000),
			fmt.Sprintf("%s/%d-%d.json", prefix, freshEnd-60_000, freshEnd),
		}}
		loader := NewSourceLoader(lister, &fakePublisher{}, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		for _, s := range sources {
			assert.NotEqual(t, models.SourceRealtime, s.Source)
		}
	})

	t.Run("no blobs at all still offers realtime", func(t *testing.T) {
		pub := &fakePublisher{}
		loader := NewSourceLoader(&fakeLister{}, pub, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, models.SourceRealtime, sources[0].Source)
		assert.Nil(t, sources[0].StartTimestamp)
		assert.Equal(t, []string{"session-1"}, pub.published)
	})

	t.Run("publish failure does not fail the listing", func(t *testing.T) {
		pub := &fakePublisher{err: fmt.Errorf("redis down")}
		loader := NewSourceLoader(&fakeLister{}, pub, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), rec)
		require.NoError(t, err)
		assert.Len(t, sources, 1)
	})

	t.Run("persisted recordings list under the storage path without realtime", func(t *testing.T) {
		persisted := rec
		persisted.ObjectStoragePath = "session_recordings_lts/team_id/t/session_id/session-1/data"
		persisted.StorageVersion = models.StorageVersion20230801

		end := time.Now().Add(-time.Minute).UnixMilli()
		lister := &fakeLister{keys: []string{
			fmt.Sprintf("%s/%d-%d.json", persisted.ObjectStoragePath, end-60_000, end),
		}}
		pub := &fakePublisher{}
		loader := NewSourceLoader(lister, pub, "session_recordings", nil)

		sources, err := loader.ListSources(context.Background(), persisted)
		require.NoError(t, err)
		assert.Equal(t, persisted.ObjectStoragePath, lister.seenPrefix)
		require.Len(t, sources, 1)
		assert.Equal(t, models.SourceBlob, sources[0].Source)
		assert.Empty(t, pub.published)
	})

	t.Run("unknown storage version is an error", func(t *testing.T) {
		persisted := rec
		persisted.ObjectStoragePath = "somewhere"
		persisted.StorageVersion = "2019-01-01"
		loader := NewSourceLoader(&fakeLister{}, &fakePublisher{}, "session_recordings", nil)

		_, err := loader.ListSources(context.Background(), persisted)
		assert.ErrorIs(t, err, ErrUnknownStorageVersion)
	})
}

func TestParseBlobKey(t *testing.T) {
	const prefix = "root/data"

	t.Run("swaps reversed timestamps", func(t *testing.T) {
		start, end, _, ok := parseBlobKey(prefix+"/1619712060000-1619712000000.json", prefix)
		require.True(t, ok)
		assert.True(t, start.Before(end))
	})

	t.Run("keeps the extension in the blob key", func(t *testing.T) {
		_, _, blobKey, ok := parseBlobKey(prefix+"/100-200.jsonl", prefix)
		require.True(t, ok)
		assert.Equal(t, "100-200.jsonl", blobKey)
	})

	t.Run("rejects keys outside the prefix", func(t *testing.T) {
		_, _, _, ok := parseBlobKey("elsewhere/100-200.json", prefix)
		assert.False(t, ok)
	})

	t.Run("rejects timestamps too large for an epoch", func(t *testing.T) {
		huge := strings.Repeat("9", 25)
		_, _, _, ok := parseBlobKey(prefix+"/"+huge+"-"+huge+".json", prefix)
		assert.False(t, ok)
	})
}
