package recordings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/middleware"
	"github.com/sessionscope/backend/internal/models"
	"github.com/sessionscope/backend/internal/realtime"
	"github.com/sessionscope/backend/internal/replayevents"
	"github.com/sessionscope/backend/pkg/cache"
	"github.com/sessionscope/backend/pkg/queue"
	"github.com/sessionscope/backend/pkg/response"
)

// listResponseVersion is bumped when the listing payload shape changes, so
// clients can detect servers behind them during rollouts.
const listResponseVersion = 4

// EventsReader is the replay events surface the handler needs directly.
type EventsReader interface {
	Exists(ctx context.Context, teamID uuid.UUID, sessionID string) (bool, error)
	GetMetadata(ctx context.Context, teamID uuid.UUID, sessionID string) (*models.Recording, error)
	MatchingEvents(ctx context.Context, teamID uuid.UUID, sessionID string, eventNames []string) ([]string, []replayevents.QueryTiming, error)
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo       *Repository
	lister     *Lister
	sources    *SourceLoader
	streamer   *Streamer
	snapshots  *realtime.Snapshots
	events     EventsReader
	identities IdentityStore
	jobs       *queue.Queue
	cache      cache.Cache
	existsTTL  time.Duration
	logger     *zap.Logger
}

// NewHandler creates a recording handler.
func NewHandler(
	repo *Repository,
	lister *Lister,
	sources *SourceLoader,
	streamer *Streamer,
	snapshots *realtime.Snapshots,
	events EventsReader,
	identities IdentityStore,
	jobs *queue.Queue,
	memo cache.Cache,
	existsTTL time.Duration,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:       repo,
		lister:     lister,
		sources:    sources,
		streamer:   streamer,
		snapshots:  snapshots,
		events:     events,
		identities: identities,
		jobs:       jobs,
		cache:      memo,
		existsTTL:  existsTTL,
		logger:     logger,
	}
}

func teamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("team_id"))
	if err != nil {
		response.BadRequest(c, "invalid team id")
		return uuid.Nil, false
	}
	return id, true
}

// List handles GET /teams/:team_id/recordings.
func (h *Handler) List(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	q, err := ParseRecordingsQuery(c.Request.URL.Query())
	if err != nil {
		response.ValidationFailed(c, "invalid listing query", err.Error())
		return
	}

	if len(q.Events) > 0 || len(q.Actions) > 0 || q.DateFrom != nil || q.DateTo != nil {
		h.jobs.Report(c.Request.Context(), userID.String(), "recording list filters changed", map[string]any{
			"event_filters": len(q.Events) + len(q.Actions),
		})
	}

	timings := NewTimings()
	result, err := h.lister.List(c.Request.Context(), team, userID, q, timings)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			response.Unauthorized(c, "authentication required")
			return
		}
		h.logger.Error("list recordings", zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}

	c.Header("Server-Timing", timings.ServerTiming())
	c.JSON(http.StatusOK, gin.H{
		"results":  result.Results,
		"has_next": result.HasNext,
		"version":  listResponseVersion,
	})
}

// MatchingEvents handles GET /teams/:team_id/recordings/matching_events: the
// ids of events inside one recording that match the given filters.
func (h *Handler) MatchingEvents(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	q, err := ParseRecordingsQuery(c.Request.URL.Query())
	if err != nil {
		response.ValidationFailed(c, "invalid query", err.Error())
		return
	}
	if len(q.SessionIDs) != 1 {
		response.BadRequest(c, "must specify exactly one session_id")
		return
	}
	names := q.EventNames()
	if len(names) == 0 {
		response.BadRequest(c, "must specify at least one event or action filter")
		return
	}

	timings := NewTimings()
	ids, chTimings, err := h.events.MatchingEvents(c.Request.Context(), team, q.SessionIDs[0], names)
	if err != nil {
		h.logger.Error("matching events", zap.Error(err))
		response.Internal(c, "failed to load matching events")
		return
	}
	for _, t := range chTimings {
		timings.Merge("ch_", t.Key, t.Seconds)
	}
	if ids == nil {
		ids = []string{}
	}

	c.Header("Server-Timing", timings.ServerTiming())
	c.JSON(http.StatusOK, gin.H{"results": ids})
}

// Retrieve handles GET /teams/:team_id/recordings/:session_id.
func (h *Handler) Retrieve(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	rec, ok := h.loadRecording(c, team, sessionID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	viewed, err := h.repo.ViewedSessions(ctx, team, userID, []string{sessionID})
	if err != nil {
		h.logger.Error("load viewed state", zap.Error(err))
		response.Internal(c, "failed to load recording")
		return
	}
	viewers, err := h.repo.OtherViewers(ctx, team, userID, []string{sessionID})
	if err != nil {
		h.logger.Error("load viewers", zap.Error(err))
		response.Internal(c, "failed to load recording")
		return
	}
	enriched := rec.WithViewerState(viewed[sessionID], viewers[sessionID])

	if rec.DistinctID != "" {
		people, err := h.identities.GetByDistinctIDs(ctx, team, []string{rec.DistinctID})
		if err != nil {
			h.logger.Error("load person", zap.Error(err))
			response.Internal(c, "failed to load recording")
			return
		}
		enriched = enriched.WithPerson(people[rec.DistinctID])
	}

	c.JSON(http.StatusOK, enriched)
}

// UpdateRequest is the body for PATCH /teams/:team_id/recordings/:session_id.
type UpdateRequest struct {
	Viewed   *bool `json:"viewed"`
	Analyzed *bool `json:"analyzed"`
}

// Update handles PATCH /teams/:team_id/recordings/:session_id: marks the
// recording viewed or analyzed for the requesting user.
func (h *Handler) Update(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Viewed == nil && req.Analyzed == nil {
		response.BadRequest(c, "must specify viewed or analyzed")
		return
	}

	if _, ok := h.loadRecording(c, team, sessionID); !ok {
		return
	}

	ctx := c.Request.Context()
	if req.Viewed != nil && *req.Viewed {
		if err := h.repo.MarkViewed(ctx, team, sessionID, userID); err != nil {
			h.logger.Error("mark viewed", zap.Error(err))
			response.Internal(c, "failed to update recording")
			return
		}
		h.jobs.Report(ctx, userID.String(), "recording viewed", map[string]any{
			"session_id": sessionID,
		})
	}
	if req.Analyzed != nil && *req.Analyzed {
		h.jobs.Report(ctx, userID.String(), "recording analyzed", map[string]any{
			"session_id": sessionID,
		})
	}

	response.OK(c, gin.H{"success": true})
}

// Destroy handles DELETE /teams/:team_id/recordings/:session_id: a soft
// delete. The row is materialized first so recordings that only existed in
// the replay events store can carry the deleted flag.
func (h *Handler) Destroy(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rec, ok := h.loadRecording(c, team, sessionID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.Upsert(ctx, rec); err != nil {
		h.logger.Error("materialize recording", zap.Error(err))
		response.Internal(c, "failed to delete recording")
		return
	}
	if err := h.repo.MarkDeleted(ctx, team, sessionID); err != nil {
		h.logger.Error("mark deleted", zap.Error(err))
		response.Internal(c, "failed to delete recording")
		return
	}
	c.Status(http.StatusNoContent)
}

// Persist handles POST /teams/:team_id/recordings/:session_id/persist:
// queues the recording for long-term storage.
func (h *Handler) Persist(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rec, ok := h.loadRecording(c, team, sessionID)
	if !ok {
		return
	}
	if rec.Persisted() {
		response.OK(c, gin.H{"success": true, "already_persisted": true})
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.Upsert(ctx, rec); err != nil {
		h.logger.Error("materialize recording", zap.Error(err))
		response.Internal(c, "failed to queue persistence")
		return
	}
	err := h.jobs.EnqueuePersistRecording(ctx, queue.PersistRecordingPayload{
		TeamID:    team,
		SessionID: sessionID,
	})
	if err != nil {
		h.logger.Error("enqueue persistence", zap.Error(err))
		response.Internal(c, "failed to queue persistence")
		return
	}
	response.OK(c, gin.H{"success": true})
}

// Snapshots handles GET /teams/:team_id/recordings/:session_id/snapshots.
// Without a source parameter it lists the recording's snapshot sources; with
// source=realtime it serves the hot cache; with source=blob it streams one
// blob from object storage.
func (h *Handler) Snapshots(c *gin.Context) {
	team, ok := teamID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	rec, ok := h.loadRecording(c, team, sessionID)
	if !ok {
		return
	}

	source := c.Query("source")
	h.jobs.Report(c.Request.Context(), userID.String(), "recording snapshots loaded", map[string]any{
		"session_id": sessionID,
		"source":     source,
	})

	switch source {
	case "":
		h.listSnapshotSources(c, rec)
	case models.SourceRealtime:
		h.serveRealtimeSnapshots(c, rec)
	case models.SourceBlob:
		h.streamBlob(c, rec)
	default:
		response.BadRequest(c, fmt.Sprintf("unknown snapshot source %q", source))
	}
}

func (h *Handler) listSnapshotSources(c *gin.Context, rec models.Recording) {
	timings := NewTimings()
	stop := timings.Measure("list_blobs")
	sources, err := h.sources.ListSources(c.Request.Context(), rec)
	stop()
	if err != nil {
		h.logger.Error("list snapshot sources",
			zap.String("session_id", rec.SessionID), zap.Error(err))
		response.Internal(c, "failed to list snapshot sources")
		return
	}
	c.Header("Server-Timing", timings.ServerTiming())
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

func (h *Handler) serveRealtimeSnapshots(c *gin.Context, rec models.Recording) {
	version := c.DefaultQuery("version", realtime.FormatLegacy)

	lines, err := h.snapshots.Lines(c.Request.Context(), rec.TeamID, rec.SessionID)
	if err != nil {
		h.logger.Error("read realtime snapshots",
			zap.String("session_id", rec.SessionID), zap.Error(err))
		response.Internal(c, "failed to read realtime snapshots")
		return
	}

	switch version {
	case realtime.FormatLegacy:
		body, err := realtime.RenderLegacy(lines)
		if err != nil {
			h.logger.Error("render realtime snapshots",
				zap.String("session_id", rec.SessionID), zap.Error(err))
			response.Internal(c, "failed to render realtime snapshots")
			return
		}
		c.JSON(http.StatusOK, body)
	case realtime.FormatJSONLines:
		// Live data changes between polls; intermediaries must not cache it.
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "application/json", []byte(realtime.RenderJSONLines(lines)))
	default:
		response.BadRequest(c, fmt.Sprintf("unknown snapshot format %q", version))
	}
}

func (h *Handler) streamBlob(c *gin.Context, rec models.Recording) {
	blobKey := c.Query("blob_key")
	if blobKey == "" {
		response.BadRequest(c, "blob_key is required")
		return
	}

	timings := NewTimings()
	err := h.streamer.Stream(
		c.Request.Context(), c.Writer, rec, blobKey,
		c.GetHeader("If-None-Match"), timings,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidBlobKey):
			response.BadRequest(c, "invalid blob_key")
		case errors.Is(err, ErrBlobUnavailable):
			response.NotFound(c, "snapshot blob not found")
		case errors.Is(err, ErrUnknownStorageVersion):
			h.logger.Error("stream blob", zap.String("session_id", rec.SessionID), zap.Error(err))
			response.Internal(c, "recording storage is in an unknown state")
		default:
			h.logger.Error("stream blob", zap.String("session_id", rec.SessionID), zap.Error(err))
			response.Internal(c, "failed to stream snapshot blob")
		}
		return
	}
}

// loadRecording materializes the recording view for a request: the Postgres
// row when one exists, otherwise metadata synthesized from replay events.
// Soft-deleted and unknown recordings both present as 404. The existence
// probe against the replay events store is memoized briefly since the UI
// polls snapshot endpoints aggressively.
func (h *Handler) loadRecording(c *gin.Context, team uuid.UUID, sessionID string) (models.Recording, bool) {
	ctx := c.Request.Context()

	row, err := h.repo.GetBySession(ctx, team, sessionID)
	if err != nil {
		h.logger.Error("load recording row", zap.Error(err))
		response.Internal(c, "failed to load recording")
		return models.Recording{}, false
	}
	if row != nil {
		if row.Deleted {
			response.NotFound(c, "recording not found")
			return models.Recording{}, false
		}
		return *row, true
	}

	exists, err := h.recordingExists(c, team, sessionID)
	if err != nil {
		h.logger.Error("recording existence probe", zap.Error(err))
		response.Internal(c, "failed to load recording")
		return models.Recording{}, false
	}
	if !exists {
		response.NotFound(c, "recording not found")
		return models.Recording{}, false
	}

	rec, err := h.events.GetMetadata(ctx, team, sessionID)
	if err != nil {
		h.logger.Error("load recording metadata", zap.Error(err))
		response.Internal(c, "failed to load recording")
		return models.Recording{}, false
	}
	if rec == nil {
		// The existence probe can outlive the data during TTL cleanup.
		response.NotFound(c, "recording not found")
		return models.Recording{}, false
	}
	return *rec, true
}

func (h *Handler) recordingExists(c *gin.Context, team uuid.UUID, sessionID string) (bool, error) {
	ctx := c.Request.Context()
	key := fmt.Sprintf("replay:exists:%s:%s", team, sessionID)

	var cached bool
	hit, err := h.cache.Get(ctx, key, &cached)
	if err != nil {
		h.logger.Warn("exists cache read failed", zap.Error(err))
	} else if hit {
		return cached, nil
	}

	exists, err := h.events.Exists(ctx, team, sessionID)
	if err != nil {
		return false, err
	}
	if exists {
		// Only positive results are cached: absence may just be ingestion lag.
		if err := h.cache.Set(ctx, key, true, h.existsTTL); err != nil {
			h.logger.Warn("exists cache write failed", zap.Error(err))
		}
	}
	return exists, nil
}
