package recordings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/models"
	"github.com/sessionscope/backend/internal/persons"
	"github.com/sessionscope/backend/internal/replayevents"
)

// ErrNotAuthenticated means a listing was attempted without a resolved user.
// Viewed-state enrichment is per user, so an anonymous listing is meaningless.
var ErrNotAuthenticated = fmt.Errorf("listing requires an authenticated user")

// PersistedStore is the Postgres surface the lister needs.
type PersistedStore interface {
	ListBySessionIDs(ctx context.Context, teamID uuid.UUID, sessionIDs []string) ([]models.Recording, error)
	ListPersistedBySessionIDs(ctx context.Context, teamID uuid.UUID, sessionIDs []string) ([]models.Recording, error)
	ViewedSessions(ctx context.Context, teamID uuid.UUID, userID uuid.UUID, sessionIDs []string) (map[string]bool, error)
	OtherViewers(ctx context.Context, teamID uuid.UUID, excludeUserID uuid.UUID, sessionIDs []string) (map[string][]string, error)
}

// ReplayEventsStore is the ClickHouse surface the lister needs.
type ReplayEventsStore interface {
	ListRecordings(ctx context.Context, teamID uuid.UUID, q replayevents.ListQuery) ([]models.Recording, bool, []replayevents.QueryTiming, error)
}

// IdentityStore resolves persons for recording distinct ids.
type IdentityStore interface {
	GetByDistinctIDs(ctx context.Context, teamID uuid.UUID, distinctIDs []string) (map[string]*models.Person, error)
}

// ListResult is one page of listed recordings.
type ListResult struct {
	Results []models.Recording
	HasNext bool
}

// Lister merges the persisted store and the replay events store into a
// single recording listing, then enriches the page with viewer state and
// person identity.
type Lister struct {
	persisted  PersistedStore
	events     ReplayEventsStore
	identities IdentityStore
	logger     *zap.Logger
}

func NewLister(persisted PersistedStore, events ReplayEventsStore, identities IdentityStore, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{persisted: persisted, events: events, identities: identities, logger: logger}
}

// List returns the recordings matching the query. When the query pins
// specific session ids the result preserves the caller's order exactly,
// minus deleted recordings; otherwise the replay events store drives order
// and pagination. All phases report into timings.
func (l *Lister) List(ctx context.Context, teamID uuid.UUID, userID uuid.UUID, q RecordingsQuery, timings *Timings) (ListResult, error) {
	if userID == uuid.Nil {
		return ListResult{}, ErrNotAuthenticated
	}

	var (
		result ListResult
		err    error
	)
	if len(q.SessionIDs) > 0 {
		result, err = l.listPinned(ctx, teamID, q, timings)
	} else {
		result, err = l.listFiltered(ctx, teamID, q, timings)
	}
	if err != nil {
		return ListResult{}, err
	}

	if err := l.enrich(ctx, teamID, userID, &result, timings); err != nil {
		return ListResult{}, err
	}
	if result.Results == nil {
		result.Results = []models.Recording{}
	}
	return result, nil
}

// listPinned resolves an explicit set of sessions: durably persisted rows
// first, the rest synthesized from replay events, in the caller's order.
// Only finalized rows count as persisted here; a row materialized while a
// persist is still in flight must not shadow the live projection.
func (l *Lister) listPinned(ctx context.Context, teamID uuid.UUID, q RecordingsQuery, timings *Timings) (ListResult, error) {
	stopPersisted := timings.Measure("load_persisted_recordings")
	rows, err := l.persisted.ListPersistedBySessionIDs(ctx, teamID, q.SessionIDs)
	stopPersisted()
	if err != nil {
		return ListResult{}, err
	}

	byID := make(map[string]models.Recording, len(q.SessionIDs))
	deleted := make(map[string]bool)
	for _, rec := range rows {
		if rec.Deleted {
			deleted[rec.SessionID] = true
			continue
		}
		byID[rec.SessionID] = rec
	}

	var remaining []string
	for _, id := range q.SessionIDs {
		if _, ok := byID[id]; !ok && !deleted[id] {
			remaining = append(remaining, id)
		}
	}

	if len(remaining) > 0 {
		stopCH := timings.Measure("load_recordings_from_clickhouse")
		synthesized, _, chTimings, err := l.events.ListRecordings(ctx, teamID, replayevents.ListQuery{
			SessionIDs: remaining,
			Limit:      len(remaining),
		})
		stopCH()
		l.mergeQueryTimings(timings, chTimings)
		if err != nil {
			return ListResult{}, err
		}
		for _, rec := range synthesized {
			byID[rec.SessionID] = rec
		}
	}

	stopBuild := timings.Measure("build_recordings")
	results := make([]models.Recording, 0, len(byID))
	for _, id := range q.SessionIDs {
		if rec, ok := byID[id]; ok {
			results = append(results, rec)
		}
	}
	stopBuild()

	return ListResult{Results: results, HasNext: false}, nil
}

// listFiltered runs the replay events query and overlays materialized state
// onto the returned page, dropping recordings soft-deleted since ingestion.
func (l *Lister) listFiltered(ctx context.Context, teamID uuid.UUID, q RecordingsQuery, timings *Timings) (ListResult, error) {
	stopCH := timings.Measure("load_recordings_from_clickhouse")
	synthesized, hasNext, chTimings, err := l.events.ListRecordings(ctx, teamID, replayevents.ListQuery{
		EventNames: q.EventNames(),
		DateFrom:   q.DateFrom,
		DateTo:     q.DateTo,
		Order:      q.Order,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	stopCH()
	l.mergeQueryTimings(timings, chTimings)
	if err != nil {
		return ListResult{}, err
	}

	ids := make([]string, 0, len(synthesized))
	for _, rec := range synthesized {
		ids = append(ids, rec.SessionID)
	}

	stopPersisted := timings.Measure("load_persisted_recordings")
	rows, err := l.persisted.ListBySessionIDs(ctx, teamID, ids)
	stopPersisted()
	if err != nil {
		return ListResult{}, err
	}
	materialized := make(map[string]models.Recording, len(rows))
	for _, rec := range rows {
		materialized[rec.SessionID] = rec
	}

	stopBuild := timings.Measure("build_recordings")
	results := make([]models.Recording, 0, len(synthesized))
	for _, rec := range synthesized {
		if row, ok := materialized[rec.SessionID]; ok {
			if row.Deleted {
				continue
			}
			rec.ObjectStoragePath = row.ObjectStoragePath
			rec.StorageVersion = row.StorageVersion
		}
		results = append(results, rec)
	}
	stopBuild()

	return ListResult{Results: results, HasNext: hasNext}, nil
}

// enrich attaches per-user viewed state, other viewers and person identity
// to every recording on the page.
func (l *Lister) enrich(ctx context.Context, teamID uuid.UUID, userID uuid.UUID, result *ListResult, timings *Timings) error {
	ids := make([]string, 0, len(result.Results))
	for _, rec := range result.Results {
		ids = append(ids, rec.SessionID)
	}

	stopViewed := timings.Measure("load_viewed_recordings")
	viewed, err := l.persisted.ViewedSessions(ctx, teamID, userID, ids)
	stopViewed()
	if err != nil {
		return err
	}

	stopViewers := timings.Measure("load_other_viewers_by_recording")
	viewers, err := l.persisted.OtherViewers(ctx, teamID, userID, ids)
	stopViewers()
	if err != nil {
		return err
	}

	stopPersons := timings.Measure("load_persons")
	distinctIDs := make([]string, 0, len(result.Results))
	seen := make(map[string]bool)
	for _, rec := range result.Results {
		if rec.DistinctID != "" && !seen[rec.DistinctID] {
			seen[rec.DistinctID] = true
			distinctIDs = append(distinctIDs, rec.DistinctID)
		}
	}
	people, err := l.identities.GetByDistinctIDs(ctx, teamID, distinctIDs)
	stopPersons()
	if err != nil {
		return err
	}

	stopProcess := timings.Measure("process_persons")
	for i, rec := range result.Results {
		rec = rec.WithViewerState(viewed[rec.SessionID], viewers[rec.SessionID])
		rec = rec.WithPerson(people[rec.DistinctID])
		result.Results[i] = rec
	}
	stopProcess()
	return nil
}

func (l *Lister) mergeQueryTimings(timings *Timings, chTimings []replayevents.QueryTiming) {
	for _, t := range chTimings {
		timings.Merge("ch_", t.Key, t.Seconds)
	}
}

var _ IdentityStore = (*persons.Repository)(nil)
