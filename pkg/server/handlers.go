package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/export"
	"github.com/nicktill/tileproxy/pkg/httpx"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/planner"
	"github.com/nicktill/tileproxy/pkg/server/monitor"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
	"github.com/nicktill/tileproxy/pkg/transport"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const maxBodyBytes = 8 << 20

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                              `json:"status"`
	Version string                              `json:"version"`
	Uptime  string                              `json:"uptime"`
	Charts  int                                 `json:"charts"`
	Fetches map[string]orchestrator.FetchStatus `json:"fetches"`
}

// InitRequest registers a field on a chart.
type InitRequest struct {
	BucketMs int64 `json:"bucket_ms"`
	FromMs   int64 `json:"from"`
	ToMs     int64 `json:"to"`
}

// ViewportRequest reports a chart's visible range at one resolution.
type ViewportRequest struct {
	BucketMs int64          `json:"bucket_ms"`
	FromMs   int64          `json:"from"`
	ToMs     int64          `json:"to"`
	Previous *tile.Interval `json:"previous,omitempty"`
}

// ViewportResponse is the plan for a viewport and the batch dispatched for
// it, if any.
type ViewportResponse struct {
	Plan  planner.Plan        `json:"plan"`
	Batch *orchestrator.Batch `json:"batch,omitempty"`
}

// API serves the bin source and the chart sessions over HTTP.
type API struct {
	src      source.Source
	charts   *Charts
	hub      *Hub
	registry *orchestrator.Registry
	disk     *monitor.DiskMonitor
	export   *export.Handler
	logger   *zap.Logger
}

// NewAPI wires the handlers. hub and disk may be nil.
func NewAPI(src source.Source, charts *Charts, registry *orchestrator.Registry, hub *Hub, disk *monitor.DiskMonitor, log *zap.Logger) *API {
	log = logger.OrNop(log)
	lookup := func(r *http.Request) (export.Renderer, error) {
		return charts.Get(mux.Vars(r)["chart"])
	}
	return &API{
		src:      src,
		charts:   charts,
		hub:      hub,
		registry: registry,
		disk:     disk,
		export:   export.NewHandler(src, lookup, log),
		logger:   log,
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, api *API, cfg Config) {
	// CORS middleware for API access
	router.Use(corsMiddleware(cfg.Port))
	router.Use(requestLogger(api.logger))

	// API routes
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", api.handleHealth).Methods("GET")

	protected := v1.NewRoute().Subrouter()
	protected.Use(authMiddleware(cfg.APIKey))

	// Bin source
	protected.HandleFunc("/series", api.handleFields).Methods("GET")
	protected.HandleFunc("/series/{field}/bins", api.handleWriteBins).Methods("POST")
	protected.HandleFunc("/series/{field}/bins", api.handleQueryBins).Methods("GET")
	protected.HandleFunc("/series/{field}", api.handleDeleteSeries).Methods("DELETE")
	protected.HandleFunc("/series/{field}/import", api.export.HandleImport).Methods("POST")
	protected.HandleFunc("/source/stats", api.handleSourceStats).Methods("GET")
	protected.HandleFunc("/storage", api.handleStorageUsage).Methods("GET")

	// Chart sessions
	protected.HandleFunc("/charts", api.handleListCharts).Methods("GET")
	protected.HandleFunc("/charts/{chart}", api.handleDeleteChart).Methods("DELETE")
	protected.HandleFunc("/charts/{chart}/fields/{field}", api.handleInitField).Methods("POST")
	protected.HandleFunc("/charts/{chart}/fields/{field}", api.handleClearField).Methods("DELETE")
	protected.HandleFunc("/charts/{chart}/fields/{field}/viewport", api.handleViewport).Methods("POST")
	protected.HandleFunc("/charts/{chart}/fields/{field}/data", api.handleData).Methods("GET")
	protected.HandleFunc("/charts/{chart}/fields/{field}/coverage", api.handleCoverage).Methods("GET")
	protected.HandleFunc("/charts/{chart}/fields/{field}/stats", api.handleStats).Methods("GET")
	protected.HandleFunc("/charts/{chart}/fields/{field}/export", api.export.HandleExport).Methods("GET")

	// WebSocket for tile events
	if api.hub != nil {
		protected.HandleFunc("/ws", api.hub.HandleWebSocket).Methods("GET")
	}
}

// handleHealth returns service health status.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	fetches := a.registry.Status()

	overallStatus := "healthy"
	statusCode := http.StatusOK
	for _, status := range fetches {
		if !status.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:  overallStatus,
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Charts:  len(a.charts.IDs()),
		Fetches: fetches,
	})
}

// handleStorageUsage returns current disk usage of the data directory.
func (a *API) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	if a.disk == nil {
		httpx.RespondJSON(w, http.StatusOK, StorageUsage{})
		return
	}

	usedBytes, err := a.disk.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  a.disk.GetLimit(),
	})
}

// handleWriteBins handles POST /v1/series/{field}/bins
func (a *API) handleWriteBins(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]

	if a.disk != nil && a.disk.Full() {
		httpx.RespondErrorString(w, http.StatusInsufficientStorage, "storage limit reached")
		return
	}

	var req transport.BinsRequest
	if err := httpx.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	bins, err := source.ValidateWrite(field, req.Bins)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.SourceIngestTimeout)
	defer cancel()

	if err := a.src.Write(ctx, field, bins); err != nil {
		a.logger.Error("failed to write bins", zap.String("field", field), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"count":  len(bins),
	})
}

// handleQueryBins handles GET /v1/series/{field}/bins?from=&to=&bucket=
func (a *API) handleQueryBins(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]

	iv, bucketMs, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := source.ValidateQuery(field, iv, bucketMs); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.SourceQueryTimeout)
	defer cancel()

	bins, err := a.src.Query(ctx, field, iv, bucketMs)
	if err != nil {
		a.logger.Error("failed to query bins", zap.String("field", field), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if bins == nil {
		bins = []tile.Bin{}
	}

	httpx.RespondJSON(w, http.StatusOK, transport.BinsResponse{
		Field:    field,
		BucketMs: bucketMs,
		Interval: iv,
		Bins:     bins,
	})
}

// handleFields handles GET /v1/series
func (a *API) handleFields(w http.ResponseWriter, r *http.Request) {
	fields, err := a.src.Fields(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"fields": fields,
		"count":  len(fields),
	})
}

// handleDeleteSeries handles DELETE /v1/series/{field}?before=
// Without before the whole series is removed.
func (a *API) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]
	if err := source.ValidateField(field); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	before, err := httpx.QueryInt64(r, "before", 0)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if r.URL.Query().Get("before") == "" {
		before = 1<<63 - 1
	}

	if err := a.src.Delete(r.Context(), field, before); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSourceStats handles GET /v1/source/stats
func (a *API) handleSourceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.src.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// handleListCharts handles GET /v1/charts
func (a *API) handleListCharts(w http.ResponseWriter, r *http.Request) {
	ids := a.charts.IDs()
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"charts": ids,
		"count":  len(ids),
	})
}

// handleDeleteChart handles DELETE /v1/charts/{chart}
func (a *API) handleDeleteChart(w http.ResponseWriter, r *http.Request) {
	if !a.charts.Delete(mux.Vars(r)["chart"]) {
		httpx.RespondError(w, http.StatusNotFound, ErrChartNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInitField handles POST /v1/charts/{chart}/fields/{field}
// The chart is created on first use.
func (a *API) handleInitField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := source.ValidateField(vars["field"]); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	var req InitRequest
	if err := httpx.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.charts.GetOrCreate(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}

	original := tile.Interval{FromMs: req.FromMs, ToMs: req.ToMs}
	if err := session.InitSystem(vars["field"], req.BucketMs, original); err != nil {
		writeError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"chart":     vars["chart"],
		"field":     vars["field"],
		"bucket_ms": req.BucketMs,
		"original":  original,
	})
}

// handleClearField handles DELETE /v1/charts/{chart}/fields/{field}
func (a *API) handleClearField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := a.charts.Get(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}
	session.ClearField(vars["field"])
	w.WriteHeader(http.StatusNoContent)
}

// handleViewport handles POST /v1/charts/{chart}/fields/{field}/viewport
// Fetches outlive the request; pass wait=true to block until they settle.
func (a *API) handleViewport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := a.charts.Get(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}

	var req ViewportRequest
	if err := httpx.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	visible := tile.Interval{FromMs: req.FromMs, ToMs: req.ToMs}
	if !visible.Valid() {
		httpx.RespondError(w, http.StatusBadRequest, tile.ErrInvalidInterval)
		return
	}
	if req.Previous != nil && !req.Previous.Valid() {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid previous interval")
		return
	}

	plan, batch, err := session.Load(context.WithoutCancel(r.Context()), vars["field"], req.BucketMs, visible, req.Previous)
	if err != nil {
		writeError(w, err)
		return
	}

	if batch != nil && r.URL.Query().Get("wait") == "true" {
		select {
		case <-batch.Done():
		case <-r.Context().Done():
			return
		}
	}

	httpx.RespondJSON(w, http.StatusOK, ViewportResponse{Plan: plan, Batch: batch})
}

// handleData handles GET /v1/charts/{chart}/fields/{field}/data?bucket=&from=&to=
func (a *API) handleData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := a.charts.Get(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}

	rng, bucketMs, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !rng.Valid() {
		httpx.RespondError(w, http.StatusBadRequest, tile.ErrInvalidInterval)
		return
	}

	res, err := session.GetOptimalData(vars["field"], bucketMs, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Data == nil {
		res.Data = []tile.Bin{}
	}
	httpx.RespondJSON(w, http.StatusOK, res)
}

// handleCoverage handles GET /v1/charts/{chart}/fields/{field}/coverage?bucket=[&from=&to=]
// Without a range the original range is measured.
func (a *API) handleCoverage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := a.charts.Get(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}

	bucketMs, err := httpx.RequireInt64(r, "bucket")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	var target *tile.Interval
	if r.URL.Query().Get("from") != "" || r.URL.Query().Get("to") != "" {
		rng, _, err := parseRange(r)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		target = &rng
	}

	cov, err := session.GetCoverage(vars["field"], bucketMs, target)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, cov)
}

// handleStats handles GET /v1/charts/{chart}/fields/{field}/stats?bucket=
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := a.charts.Get(vars["chart"])
	if err != nil {
		writeError(w, err)
		return
	}

	bucketMs, err := httpx.RequireInt64(r, "bucket")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := session.GetStats(vars["field"], bucketMs)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// parseRange reads the from, to and bucket query parameters.
func parseRange(r *http.Request) (tile.Interval, int64, error) {
	from, err := httpx.RequireInt64(r, "from")
	if err != nil {
		return tile.Interval{}, 0, err
	}
	to, err := httpx.RequireInt64(r, "to")
	if err != nil {
		return tile.Interval{}, 0, err
	}
	bucket, err := httpx.RequireInt64(r, "bucket")
	if err != nil {
		return tile.Interval{}, 0, err
	}
	return tile.Interval{FromMs: from, ToMs: to}, bucket, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrChartNotFound), errors.Is(err, store.ErrUnknownField):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidChartID),
		errors.Is(err, tile.ErrInvalidInterval),
		errors.Is(err, store.ErrInvalidBucket),
		errors.Is(err, store.ErrOutsideRange),
		errors.Is(err, store.ErrRangeChanged),
		errors.Is(err, source.ErrFieldEmpty),
		errors.Is(err, source.ErrFieldTooLong):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, tile.ErrDataLoss), errors.Is(err, tile.ErrOverlap):
		httpx.RespondError(w, http.StatusConflict, err)
	default:
		zap.L().Error("request failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}
