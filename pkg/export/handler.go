package export

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/httpx"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/proxy"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// MaxImportBytes caps an uploaded import file
const MaxImportBytes = 64 << 20

// Renderer produces render data for a field
type Renderer interface {
	GetOptimalData(field string, targetBucketMs int64, rng tile.Interval) (proxy.Result, error)
}

// RendererLookup finds the renderer a request addresses. Returned errors are
// answered with 404.
type RendererLookup func(r *http.Request) (Renderer, error)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	lookup   RendererLookup
	logger   *zap.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(src source.Source, lookup RendererLookup, log *zap.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(),
		importer: NewImporter(src),
		lookup:   lookup,
		logger:   logger.OrNop(log),
	}
}

// HandleExport handles GET .../fields/{field}/export
// Query params:
//   - bucket: target bucket in ms (required)
//   - from, to: range in epoch ms (required)
//   - format: "json", "csv" or "xlsx" (default: json)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]

	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	bucket, err := httpx.RequireInt64(r, "bucket")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	from, err := httpx.RequireInt64(r, "from")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	to, err := httpx.RequireInt64(r, "to")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	rng := tile.Interval{FromMs: from, ToMs: to}
	if !rng.Valid() {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("range %s: %w", rng, tile.ErrInvalidInterval))
		return
	}

	renderer, err := h.lookup(r)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}

	data, err := renderer.GetOptimalData(field, bucket, rng)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	if err := checkSize(data); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.%s", field, timestamp, format))

	result, err := h.exporter.Export(w, format, data, Options{
		Field:          field,
		TargetBucketMs: bucket,
		Range:          rng,
	})
	if err != nil {
		// Headers are gone; all that is left is to log
		h.logger.Error("export failed", zap.String("field", field), zap.Error(err))
		return
	}

	h.logger.Info("exported render data",
		zap.String("field", field),
		zap.String("format", string(format)),
		zap.Int("bins", result.BinsExported),
		zap.String("quality", string(result.Quality)),
	)
}

// HandleImport handles POST /v1/series/{field}/import
// Accepts a JSON export or an xlsx workbook and writes its bins to the source.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]
	r.Body = http.MaxBytesReader(w, r.Body, MaxImportBytes)

	var (
		result *ImportResult
		err    error
	)
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		result, err = h.importer.ImportFromJSON(r.Context(), field, r.Body)
	case strings.HasPrefix(contentType, FormatXLSX.ContentType()):
		result, err = h.importer.ImportFromXLSX(r.Context(), field, r.Body)
	default:
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json or an xlsx workbook")
		return
	}

	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrWriteFailed) {
			status = http.StatusInternalServerError
		}
		h.logger.Warn("import failed", zap.String("field", field), zap.Error(err))
		httpx.RespondError(w, status, err)
		return
	}

	// Log the first few validation errors
	if len(result.Errors) > 0 {
		h.logger.Warn("import completed with validation errors",
			zap.String("field", result.Field),
			zap.Int("errors", len(result.Errors)),
			zap.Strings("first", result.Errors[:min(len(result.Errors), 10)]),
		)
	}

	h.logger.Info("imported bins",
		zap.String("field", result.Field),
		zap.Int("bins", result.BinsImported),
		zap.Int("batches", result.BatchesWritten),
	)
	httpx.RespondJSON(w, http.StatusOK, result)
}
