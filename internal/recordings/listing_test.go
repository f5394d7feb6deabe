package recordings

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionscope/backend/internal/models"
	"github.com/sessionscope/backend/internal/replayevents"
)

type fakePersisted struct {
	rows    []models.Recording
	viewed  map[string]bool
	viewers map[string][]string
}

func (f *fakePersisted) ListBySessionIDs(_ context.Context, _ uuid.UUID, sessionIDs []string) ([]models.Recording, error) {
	wanted := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		wanted[id] = true
	}
	var out []models.Recording
	for _, rec := range f.rows {
		if wanted[rec.SessionID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePersisted) ListPersistedBySessionIDs(ctx context.Context, teamID uuid.UUID, sessionIDs []string) ([]models.Recording, error) {
	rows, err := f.ListBySessionIDs(ctx, teamID, sessionIDs)
	if err != nil {
		return nil, err
	}
	var out []models.Recording
	for _, rec := range rows {
		if rec.Persisted() || rec.Deleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePersisted) ViewedSessions(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ []string) (map[string]bool, error) {
	if f.viewed == nil {
		return map[string]bool{}, nil
	}
	return f.viewed, nil
}

func (f *fakePersisted) OtherViewers(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ []string) (map[string][]string, error) {
	if f.viewers == nil {
		return map[string][]string{}, nil
	}
	return f.viewers, nil
}

type fakeEvents struct {
	recordings []models.Recording
	hasNext    bool
	timings    []replayevents.QueryTiming
	seenQuery  replayevents.ListQuery
}

func (f *fakeEvents) ListRecordings(_ context.Context, _ uuid.UUID, q replayevents.ListQuery) ([]models.Recording, bool, []replayevents.QueryTiming, error) {
	f.seenQuery = q
	if len(q.SessionIDs) == 0 {
		return f.recordings, f.hasNext, f.timings, nil
	}
	wanted := make(map[string]bool, len(q.SessionIDs))
	for _, id := range q.SessionIDs {
		wanted[id] = true
	}
	var out []models.Recording
	for _, rec := range f.recordings {
		if wanted[rec.SessionID] {
			out = append(out, rec)
		}
	}
	return out, f.hasNext, f.timings, nil
}

type fakeIdentities struct {
	people map[string]*models.Person
}

func (f *fakeIdentities) GetByDistinctIDs(_ context.Context, _ uuid.UUID, _ []string) (map[string]*models.Person, error) {
	if f.people == nil {
		return map[string]*models.Person{}, nil
	}
	return f.people, nil
}

func namedRecording(sessionID string) models.Recording {
	return models.Recording{SessionID: sessionID, DistinctID: "user-" + sessionID}
}

func persistedRecording(sessionID string) models.Recording {
	rec := namedRecording(sessionID)
	rec.ObjectStoragePath = "lts/" + sessionID
	rec.StorageVersion = models.StorageVersion20230801
	return rec
}

func TestListPinned(t *testing.T) {
	team := uuid.New()
	user := uuid.New()

	t.Run("preserves caller order across both stores", func(t *testing.T) {
		persisted := &fakePersisted{rows: []models.Recording{persistedRecording("a")}}
		events := &fakeEvents{recordings: []models.Recording{namedRecording("b"), namedRecording("c")}}
		lister := NewLister(persisted, events, &fakeIdentities{}, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{
			SessionIDs: []string{"c", "a", "b"},
		}, NewTimings())
		require.NoError(t, err)

		var order []string
		for _, rec := range result.Results {
			order = append(order, rec.SessionID)
		}
		assert.Equal(t, []string{"c", "a", "b"}, order)
		assert.False(t, result.HasNext)
	})

	t.Run("drops deleted recordings and never refetches them", func(t *testing.T) {
		deleted := namedRecording("a")
		deleted.Deleted = true
		persisted := &fakePersisted{rows: []models.Recording{deleted}}
		events := &fakeEvents{recordings: []models.Recording{namedRecording("a"), namedRecording("b")}}
		lister := NewLister(persisted, events, &fakeIdentities{}, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{
			SessionIDs: []string{"a", "b"},
		}, NewTimings())
		require.NoError(t, err)

		require.Len(t, result.Results, 1)
		assert.Equal(t, "b", result.Results[0].SessionID)
		assert.NotContains(t, events.seenQuery.SessionIDs, "a")
	})

	t.Run("rows pending persistence do not shadow the replay events store", func(t *testing.T) {
		stale := namedRecording("a")
		stale.DistinctID = "stale-user"
		fresh := namedRecording("a")
		fresh.DistinctID = "fresh-user"
		persisted := &fakePersisted{rows: []models.Recording{stale}}
		events := &fakeEvents{recordings: []models.Recording{fresh}}
		lister := NewLister(persisted, events, &fakeIdentities{}, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{
			SessionIDs: []string{"a"},
		}, NewTimings())
		require.NoError(t, err)

		assert.Contains(t, events.seenQuery.SessionIDs, "a")
		require.Len(t, result.Results, 1)
		assert.Equal(t, "fresh-user", result.Results[0].DistinctID)
	})

	t.Run("sessions unknown to both stores are omitted", func(t *testing.T) {
		lister := NewLister(&fakePersisted{}, &fakeEvents{}, &fakeIdentities{}, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{
			SessionIDs: []string{"ghost"},
		}, NewTimings())
		require.NoError(t, err)
		assert.Empty(t, result.Results)
	})
}

func TestListFiltered(t *testing.T) {
	team := uuid.New()
	user := uuid.New()

	t.Run("overlays materialized state and drops deleted rows", func(t *testing.T) {
		deleted := namedRecording("b")
		deleted.Deleted = true
		persistedRow := namedRecording("a")
		persistedRow.ObjectStoragePath = "lts/path"
		persistedRow.StorageVersion = models.StorageVersion20230801

		persisted := &fakePersisted{rows: []models.Recording{persistedRow, deleted}}
		events := &fakeEvents{
			recordings: []models.Recording{namedRecording("a"), namedRecording("b"), namedRecording("c")},
			hasNext:    true,
		}
		lister := NewLister(persisted, events, &fakeIdentities{}, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{Limit: 3}, NewTimings())
		require.NoError(t, err)

		require.Len(t, result.Results, 2)
		assert.Equal(t, "a", result.Results[0].SessionID)
		assert.Equal(t, "lts/path", result.Results[0].ObjectStoragePath)
		assert.Equal(t, "c", result.Results[1].SessionID)
		assert.True(t, result.HasNext)
	})

	t.Run("passes filters through to the events store", func(t *testing.T) {
		events := &fakeEvents{}
		lister := NewLister(&fakePersisted{}, events, &fakeIdentities{}, nil)

		_, err := lister.List(context.Background(), team, user, RecordingsQuery{
			Events: []FilterEntry{{Name: "$pageview"}},
			Order:  "duration",
			Limit:  10,
			Offset: 20,
		}, NewTimings())
		require.NoError(t, err)

		assert.Equal(t, []string{"$pageview"}, events.seenQuery.EventNames)
		assert.Equal(t, "duration", events.seenQuery.Order)
		assert.Equal(t, 10, events.seenQuery.Limit)
		assert.Equal(t, 20, events.seenQuery.Offset)
	})
}

func TestListEnrichment(t *testing.T) {
	team := uuid.New()
	user := uuid.New()

	t.Run("attaches viewed state, viewers and persons", func(t *testing.T) {
		person := &models.Person{ID: uuid.New(), DistinctIDs: []string{"user-a"}}
		persisted := &fakePersisted{
			viewed:  map[string]bool{"a": true},
			viewers: map[string][]string{"a": {"colleague@example.com"}},
		}
		events := &fakeEvents{recordings: []models.Recording{namedRecording("a")}}
		identities := &fakeIdentities{people: map[string]*models.Person{"user-a": person}}
		lister := NewLister(persisted, events, identities, nil)

		result, err := lister.List(context.Background(), team, user, RecordingsQuery{Limit: 10}, NewTimings())
		require.NoError(t, err)

		require.Len(t, result.Results, 1)
		rec := result.Results[0]
		assert.True(t, rec.Viewed)
		assert.Equal(t, []string{"colleague@example.com"}, rec.Viewers)
		assert.Equal(t, person, rec.Person)
	})

	t.Run("requires an authenticated user", func(t *testing.T) {
		lister := NewLister(&fakePersisted{}, &fakeEvents{}, &fakeIdentities{}, nil)
		_, err := lister.List(context.Background(), team, uuid.Nil, RecordingsQuery{}, NewTimings())
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("folds store query timings into the request timings", func(t *testing.T) {
		events := &fakeEvents{timings: []replayevents.QueryTiming{
			{Key: "./recordings/execute", Seconds: 0.25},
		}}
		lister := NewLister(&fakePersisted{}, events, &fakeIdentities{}, nil)

		timings := NewTimings()
		_, err := lister.List(context.Background(), team, user, RecordingsQuery{Limit: 10}, timings)
		require.NoError(t, err)

		header := timings.ServerTiming()
		assert.Contains(t, header, "ch_recordings_execute;dur=250.00")
		assert.True(t, strings.Contains(header, "load_viewed_recordings;dur="))
	})
}
