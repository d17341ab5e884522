package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gpupool/internal/batch"
	"github.com/example/gpupool/internal/history"
	"github.com/example/gpupool/internal/observability"
	"github.com/example/gpupool/internal/pool"
	"github.com/example/gpupool/pkg/poolapi"
)

// Server exposes the validation pool over HTTP.
type Server struct {
	pool    *pool.Pool
	batch   *batch.Coordinator
	history history.Store
	metrics *observability.Registry
}

func NewServer(p *pool.Pool, c *batch.Coordinator, h history.Store, m *observability.Registry) *Server {
	if m == nil {
		m = observability.Default
	}
	return &Server{pool: p, batch: c, history: h, metrics: m}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/validations", s.handleValidations)
	mux.HandleFunc("/v1/validations/batch", s.handleBatch)
	mux.HandleFunc("/v1/validations/", s.handleValidationByID)
	mux.HandleFunc("/v1/utilization", s.handleUtilization)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/warmup", s.handleWarmUp)
	mux.HandleFunc("/v1/admin/queues/clear", s.handleClearQueues)
	return withLogging(withTracing(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req poolapi.SubmitValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	spec, err := specFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}
	res, err := s.pool.Submit(ctx, spec)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolapi.SubmitValidationResponse{Result: res})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req poolapi.SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	specs := make([]poolapi.TaskSpec, 0, len(req.Specs))
	for i, sr := range req.Specs {
		spec, err := specFromRequest(sr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "spec "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		specs = append(specs, spec)
	}
	entries, err := s.batch.SubmitBatch(r.Context(), specs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, poolapi.SubmitBatchResponse{Entries: entries})
}

func (s *Server) handleValidationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/validations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, poolapi.CancelResponse{Cancelled: s.pool.Cancel(id)})
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, poolapi.UtilizationResponse{Tiers: s.pool.Utilization()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, poolapi.MetricsResponse{Pool: s.pool.Metrics()})
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, poolapi.HistoryResponse{Records: []poolapi.HistoryRecord{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]poolapi.HistoryRecord, 0, len(recs))
	for _, rec := range recs {
		hr := poolapi.HistoryRecord{
			TaskID:       rec.TaskID,
			HypothesisID: rec.HypothesisID,
			Tier:         rec.Tier,
			Kind:         rec.Kind,
			Priority:     rec.Priority,
			Status:       rec.Status,
			Error:        rec.Error,
			DurationMs:   rec.DurationMs,
			Cost:         rec.Cost,
			CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if !rec.CompletedAt.IsZero() {
			hr.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, hr)
	}
	writeJSON(w, http.StatusOK, poolapi.HistoryResponse{Returned: len(out), Records: out})
}

func (s *Server) handleWarmUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req poolapi.WarmUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	tier, err := poolapi.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pool.WarmUp(r.Context(), tier, req.Count); err != nil {
		log.Printf("warmup tier=%s count=%d failed: %v", tier, req.Count, err)
		writeJSON(w, http.StatusOK, poolapi.WarmUpResponse{Accepted: false})
		return
	}
	writeJSON(w, http.StatusOK, poolapi.WarmUpResponse{Accepted: true})
}

func (s *Server) handleClearQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, poolapi.ClearQueuesResponse{Dropped: s.pool.ClearQueues()})
}

func specFromRequest(req poolapi.SubmitValidationRequest) (poolapi.TaskSpec, error) {
	tier, err := poolapi.ParseTier(req.Tier)
	if err != nil {
		return poolapi.TaskSpec{}, err
	}
	kind, err := poolapi.ParseRequestKind(req.Kind)
	if err != nil {
		return poolapi.TaskSpec{}, err
	}
	prio := poolapi.PriorityNormal
	if strings.TrimSpace(req.Priority) != "" {
		prio, err = poolapi.ParsePriority(req.Priority)
		if err != nil {
			return poolapi.TaskSpec{}, err
		}
	}
	return poolapi.TaskSpec{
		HypothesisID: strings.TrimSpace(req.HypothesisID),
		Tier:         tier,
		Priority:     prio,
		Kind:         kind,
		Params:       req.Params,
	}, nil
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var execErr *pool.ExecutionError
	switch {
	case errors.Is(err, pool.ErrQueueTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, pool.ErrPoolUnavailable), errors.Is(err, pool.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pool.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &execErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
