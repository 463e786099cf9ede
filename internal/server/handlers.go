package server

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spanflow/internal/config"
	"spanflow/internal/logging"
	"spanflow/internal/models"
	"spanflow/internal/pipeline"
	"spanflow/internal/storage"
	"spanflow/internal/tracker"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	readyTimeout       = 2 * time.Second
)

// Handler holds the server dependencies
type Handler struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	store    storage.Store
	tracker  *tracker.Tracker
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, pipe *pipeline.Pipeline, store storage.Store, tr *tracker.Tracker, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		cfg:      cfg,
		pipeline: pipe,
		store:    store,
		tracker:  tr,
		gatherer: gatherer,
		logger:   logging.OrNop(logger),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(RateLimit(h.cfg.Receiver.RateLimitRPS, h.cfg.Receiver.RateLimitBurst)).
		Post("/v1/traces", h.HandleTraces)

	r.Get("/traces/{traceID}", h.HandleGetTrace)
	r.Get("/search", h.HandleSearch)
	r.Get("/services", h.HandleServices)
	r.Get("/services/{service}/window", h.HandleServiceWindow)

	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// HandleTraces receives an OTLP/HTTP export request and runs it through the pipeline.
func (h *Handler) HandleTraces(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.Receiver.MaxBodyBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	defer r.Body.Close()

	body, err := readBody(r, limit)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), errors.Is(err, errBodyTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, errUnsupportedEncoding):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			h.logger.Warn("failed to read request body", zap.Error(err))
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return
	}

	res := h.pipeline.Process(r.Context(), pipeline.RawBatch{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})

	switch {
	case res.State == pipeline.StatePersisted:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(res.Err, pipeline.ErrUndecodable):
		writeError(w, http.StatusBadRequest, res.Err.Error())
	default:
		var sinkErr *models.SinkUnavailableError
		if errors.As(res.Err, &sinkErr) {
			w.Header().Set("Retry-After", "5")
		}
		writeJSON(w, http.StatusServiceUnavailable, rejection{Result: res, Error: errorText(res.Err)})
	}
}

var (
	errBodyTooLarge        = errors.New("decompressed body too large")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// readBody reads the request body, inflating it when it is gzip encoded.
// The decompressed size is held to the same limit as the wire size.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	encoding := strings.TrimSpace(r.Header.Get("Content-Encoding"))
	switch {
	case encoding == "", strings.EqualFold(encoding, "identity"):
		return io.ReadAll(r.Body)
	case !strings.EqualFold(encoding, "gzip"):
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
	}

	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var reader io.Reader = gz
	if limit > 0 {
		reader = io.LimitReader(gz, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

type rejection struct {
	pipeline.Result
	Error string `json:"error"`
}

type traceResponse struct {
	TraceID string        `json:"traceId"`
	Spans   []models.Span `json:"spans"`
}

// HandleGetTrace returns every stored span of one trace.
func (h *Handler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")

	spans, err := h.store.GetTrace(r.Context(), traceID)
	if err != nil {
		h.logger.Error("failed to load trace", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load trace")
		return
	}
	if len(spans) == 0 {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}

	writeJSON(w, http.StatusOK, traceResponse{TraceID: traceID, Spans: spans})
}

// HandleSearch lists summaries of the most recent traces.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	summaries, err := h.store.SearchTraces(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to search traces", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search traces")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traces": summaries,
		"limit":  limit,
	})
}

// HandleServices lists every service with a tracked window.
func (h *Handler) HandleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":   h.tracker.Services(),
		"windowSize": h.tracker.WindowSize(),
	})
}

// HandleServiceWindow returns a copy of one service's anomaly window.
func (h *Handler) HandleServiceWindow(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	snap, ok := h.tracker.Snapshot(service)
	if !ok {
		writeError(w, http.StatusNotFound, "service not tracked")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHealth returns health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReady reports whether the span store is reachable.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("storage not ready", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"storage": h.cfg.Storage.Backend,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
