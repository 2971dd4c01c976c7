// Package api exposes the HTTP interface for running downloads.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/config"
	"github.com/JakeFAU/sensor-archive-downloader/internal/job"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
	"github.com/JakeFAU/sensor-archive-downloader/internal/report"
)

// Runner executes downloads and station summaries.
type Runner interface {
	Run(ctx context.Context, req job.Request) (report.Report, error)
	Summary(ctx context.Context, stationID string) (job.Summary, error)
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

var errInvalidRequest = errors.New("invalid request")

// Server wires HTTP handlers to the job runner.
type Server struct {
	router chi.Router
	runner Runner
	clock  archive.Clock
	ready  ReadyFunc
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(runner Runner, clock archive.Clock, ready ReadyFunc, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		clock:  clock,
		ready:  ready,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/downloads", s.runDownload)
		r.Get("/stations/{station_id}/summary", s.stationSummary)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runDownload(w http.ResponseWriter, r *http.Request) {
	var body downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.toJobRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) stationSummary(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "station_id")
	summary, err := s.runner.Summary(r.Context(), stationID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNoTargets),
		errors.Is(err, job.ErrInvalidRange),
		errors.Is(err, job.ErrNothingToDo),
		errors.Is(err, errInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, archive.ErrStationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// downloadRequest is the POST /v1/downloads body. station_ids and sensor_ids
// are shorthand for a single targets entry per station.
type downloadRequest struct {
	StationIDs  idList       `json:"station_ids"`
	SensorIDs   idList       `json:"sensor_ids"`
	Targets     []targetBody `json:"targets"`
	StartDate   string       `json:"start_date"`
	EndDate     string       `json:"end_date"`
	Merge       *bool        `json:"merge"`
	MergeByYear *bool        `json:"merge_by_year"`
	Overwrite   bool         `json:"overwrite"`
	DryRun      bool         `json:"dry_run"`
}

type targetBody struct {
	StationID idValue `json:"station_id"`
	SensorIDs idList  `json:"sensor_ids"`
}

func (s *Server) toJobRequest(body downloadRequest) (job.Request, error) {
	targets := make([]job.Target, 0, len(body.StationIDs)+len(body.Targets))
	if len(body.SensorIDs) > 0 && len(body.StationIDs) > 1 {
		return job.Request{}, fmt.Errorf("%w: sensor_ids requires a single station; use targets", errInvalidRequest)
	}
	for _, id := range body.StationIDs {
		targets = append(targets, job.Target{StationID: id, SensorIDs: []string(body.SensorIDs)})
	}
	for _, t := range body.Targets {
		targets = append(targets, job.Target{StationID: string(t.StationID), SensorIDs: []string(t.SensorIDs)})
	}
	if len(targets) == 0 {
		return job.Request{}, fmt.Errorf("%w: station_ids or targets required", errInvalidRequest)
	}

	start, err := s.dateOrDefault(body.StartDate, s.defaultStart)
	if err != nil {
		return job.Request{}, fmt.Errorf("%w: start_date: %v", errInvalidRequest, err)
	}
	end, err := s.dateOrDefault(body.EndDate, s.today)
	if err != nil {
		return job.Request{}, fmt.Errorf("%w: end_date: %v", errInvalidRequest, err)
	}

	return job.Request{
		Targets:     targets,
		Start:       start,
		End:         end,
		Merge:       boolOrDefault(body.Merge, s.cfg.Job.Merge),
		MergeByYear: boolOrDefault(body.MergeByYear, s.cfg.Job.MergeByYear),
		Overwrite:   body.Overwrite,
		ListOnly:    body.DryRun,
	}, nil
}

func (s *Server) dateOrDefault(value string, def func() (time.Time, error)) (time.Time, error) {
	if value == "" {
		return def()
	}
	return archive.ParseDate(value)
}

func (s *Server) defaultStart() (time.Time, error) {
	if s.cfg.Job.DefaultStart == "" {
		return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return s.cfg.Job.DefaultStartDate()
}

func (s *Server) today() (time.Time, error) {
	return archive.TruncateDay(s.clock.Now()), nil
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

// idValue accepts a JSON string or integer identifier.
type idValue string

func (v *idValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = idValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or integer: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id must be a string or integer: %w", err)
	}
	*v = idValue(n.String())
	return nil
}

type idList []string

func (l *idList) UnmarshalJSON(data []byte) error {
	var values []idValue
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	*l = out
	return nil
}

type requestIDKey struct{}

// RequestID returns the request id stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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
