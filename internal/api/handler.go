package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	internalgrpc "github.com/mr1hm/go-weather-ingest/internal/grpc"
	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/models"
	"github.com/mr1hm/go-weather-ingest/internal/repository"
)

const (
	defaultLimit = 500
	maxLimit     = 10000
)

// Runs is the part of the ingestion manager the API drives.
type Runs interface {
	Start(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error)
	InFlight() map[string]int64
	Adapters() []string
}

type Handler struct {
	repo        repository.Store
	runs        Runs
	broadcaster *internalgrpc.Broadcaster
	// ctx bounds on-demand runs; it outlives the request that started them.
	ctx        context.Context
	staleAfter time.Duration
	clock      clockwork.Clock
}

func NewHandler(ctx context.Context, repo repository.Store, runs Runs, broadcaster *internalgrpc.Broadcaster, staleAfter time.Duration) *Handler {
	return &Handler{
		repo:        repo,
		runs:        runs,
		broadcaster: broadcaster,
		ctx:         ctx,
		staleAfter:  staleAfter,
		clock:       clockwork.NewRealClock(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/observations", h.getObservations)
	r.GET("/api/forecasts", h.getForecasts)
	r.GET("/api/locations", h.getLocations)
	r.GET("/api/runs", h.listRuns)
	r.POST("/api/runs", h.startRun)
	r.GET("/api/runs/stream", h.streamRuns)
	r.GET("/api/runs/:id", h.getRun)
	r.GET("/api/status", h.status)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handler) recordQuery(c *gin.Context) (repository.Query, bool) {
	q := repository.Query{
		LocationID: c.Query("location"),
		Source:     c.Query("source"),
		Limit:      defaultLimit,
	}
	if q.LocationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location is required"})
		return q, false
	}

	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: " + err.Error()})
		return q, false
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: " + err.Error()})
		return q, false
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= maxLimit {
			q.Limit = lim
		}
	}
	return q, true
}

func (h *Handler) getObservations(c *gin.Context) {
	q, ok := h.recordQuery(c)
	if !ok {
		return
	}
	obs, err := h.repo.Observations(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch observations"})
		return
	}
	if obs == nil {
		obs = []models.Observation{}
	}
	c.JSON(http.StatusOK, obs)
}

func (h *Handler) getForecasts(c *gin.Context) {
	q, ok := h.recordQuery(c)
	if !ok {
		return
	}
	fcs, err := h.repo.Forecasts(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch forecasts"})
		return
	}
	if fcs == nil {
		fcs = []models.Forecast{}
	}
	c.JSON(http.StatusOK, fcs)
}

func (h *Handler) getLocations(c *gin.Context) {
	locs, err := h.repo.ListLocations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch locations"})
		return
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, toGeoJSON(locs))
}

func (h *Handler) listRuns(c *gin.Context) {
	f := repository.RunFilter{
		Adapter: c.Query("adapter"),
		Status:  models.RunStatus(c.Query("status")),
		Limit:   20,
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			f.Limit = lim
		}
	}
	runs, err := h.repo.ListRuns(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch runs"})
		return
	}
	if runs == nil {
		runs = []models.CollectionRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) getRun(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, err := h.repo.GetRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type startRunRequest struct {
	Adapters  []string   `json:"adapters" binding:"required,min=1"`
	Locations []string   `json:"locations"`
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
}

// startRun begins an on-demand run and answers 202 with the running run.
func (h *Handler) startRun(c *gin.Context) {
	var body startRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := ingestion.Request{Adapters: body.Adapters}
	for _, id := range body.Locations {
		loc, err := h.repo.GetLocation(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch location"})
			return
		}
		if loc == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown location " + id})
			return
		}
		req.Locations = append(req.Locations, *loc)
	}
	if body.Start != nil || body.End != nil {
		if body.Start == nil || body.End == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be given together"})
			return
		}
		req.Window = models.Window{Start: body.Start.UTC(), End: body.End.UTC()}
	}

	run, err := h.runs.Start(h.ctx, req)
	switch {
	case errors.Is(err, ingestion.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "in_flight": h.runs.InFlight()})
	case errors.Is(err, ingestion.ErrUnknownAdapter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.KindOf(err) == apperrors.Storage:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, run)
	}
}

// streamRuns sends finalized runs as server-sent events, starting with the
// latest run of each adapter. Repeat ?adapter= to narrow the stream.
func (h *Handler) streamRuns(c *gin.Context) {
	id, ch := h.broadcaster.Subscribe(c.QueryArray("adapter")...)
	defer h.broadcaster.Unsubscribe(id)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case run, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("run", run)
			return true
		}
	})
}

type adapterStatus struct {
	Name      string                `json:"name"`
	Running   bool                  `json:"running"`
	RunID     int64                 `json:"run_id,omitempty"`
	LatestRun *models.CollectionRun `json:"latest_run"`
}

type statusResponse struct {
	Adapters    []adapterStatus        `json:"adapters"`
	LastSuccess []models.LastSuccess   `json:"last_success"`
	StaleRuns   []models.CollectionRun `json:"stale_runs"`
}

func (h *Handler) status(c *gin.Context) {
	ctx := c.Request.Context()
	inFlight := h.runs.InFlight()

	resp := statusResponse{
		Adapters:  []adapterStatus{},
		StaleRuns: []models.CollectionRun{},
	}
	for _, name := range h.runs.Adapters() {
		st := adapterStatus{Name: name}
		st.RunID, st.Running = inFlight[name]
		latest, err := h.repo.ListRuns(ctx, repository.RunFilter{Adapter: name, Limit: 1})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch runs"})
			return
		}
		if len(latest) > 0 {
			st.LatestRun = &latest[0]
		}
		resp.Adapters = append(resp.Adapters, st)
	}

	last, err := h.repo.LastSuccess(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch last success"})
		return
	}
	resp.LastSuccess = last
	if resp.LastSuccess == nil {
		resp.LastSuccess = []models.LastSuccess{}
	}

	running, err := h.repo.ListRuns(ctx, repository.RunFilter{Status: models.RunRunning})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch runs"})
		return
	}
	cutoff := h.clock.Now().Add(-h.staleAfter)
	for _, r := range running {
		if r.StartedAt.Before(cutoff) {
			resp.StaleRuns = append(resp.StaleRuns, r)
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) health(c *gin.Context) {
	if err := h.repo.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseTime accepts RFC 3339 timestamps and plain dates (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
