// Package server exposes the minutes workflow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/minutegraph/graph"
	"github.com/dshills/minutegraph/internal/logging"
	"github.com/dshills/minutegraph/minutes"
)

// maxBodyBytes bounds request bodies; transcripts can be long.
const maxBodyBytes = 8 << 20

// Engine is the part of graph.Engine the server uses.
type Engine interface {
	Invoke(ctx context.Context, req graph.Request) (graph.Result, error)
	Get(ctx context.Context, processID string) (graph.Result, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server handles the HTTP API.
type Server struct {
	engine   Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewHandler creates the HTTP handler for engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		engine: engine,
		logger: logging.NewNop(),
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/steps", s.Steps)
		r.Route("/processes/{id}", func(r chi.Router) {
			r.Get("/", s.GetProcess)
			r.Post("/invoke", s.Invoke)
			r.Post("/generate", s.Generate)
			r.Post("/revise", s.Revise)
			r.Post("/approve", s.Approve)
		})
	})

	return r
}

// invokeBody is the request body of every POST endpoint. Each endpoint
// reads the fields it supports.
type invokeBody struct {
	Transcript *string         `json:"transcript"`
	Draft      json.RawMessage `json:"draft"`
	Critique   *string         `json:"critique"`
	EntryStep  string          `json:"entryStep"`
}

type processResponse struct {
	ProcessID      string            `json:"processId"`
	Version        int64             `json:"version"`
	Suspended      bool              `json:"suspended"`
	Steps          []graph.StepID    `json:"steps"`
	Draft          *minutes.Document `json:"draft"`
	Critique       string            `json:"critique"`
	Approved       bool              `json:"approved"`
	RenderedOutput string            `json:"renderedOutput"`
	LastStep       graph.StepID      `json:"lastStep,omitempty"`
	Rounds         int               `json:"rounds"`
	History        []graph.Message   `json:"history,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Invoke handles POST /v1/processes/{id}/invoke.
func (s *Server) Invoke(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	entry, err := graph.ParseStepID(body.EntryStep)
	if err != nil {
		s.writeError(w, r, &graph.Error{Kind: graph.KindInvalidInput, Message: err.Error()})
		return
	}
	s.run(w, r, body, entry)
}

// Generate handles POST /v1/processes/{id}/generate: draft and critique a
// transcript, then suspend for review.
func (s *Server) Generate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	if body.Transcript == nil {
		s.writeError(w, r, &graph.Error{Kind: graph.KindInvalidInput, Message: "transcript is required"})
		return
	}
	body.Draft, body.Critique = nil, nil
	s.run(w, r, body, graph.StepReadInput)
}

// Revise handles POST /v1/processes/{id}/revise: rewrite the draft to
// address a reviewer's critique and critique it again.
func (s *Server) Revise(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	if body.Critique == nil {
		s.writeError(w, r, &graph.Error{Kind: graph.KindInvalidInput, Message: "critique is required"})
		return
	}
	s.run(w, r, body, graph.StepRevise)
}

// Approve handles POST /v1/processes/{id}/approve: record approval and
// return the rendered minutes.
func (s *Server) Approve(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	body.Transcript, body.Critique = nil, nil
	s.run(w, r, body, graph.StepRecordApproval)
}

// GetProcess handles GET /v1/processes/{id}.
func (s *Server) GetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Version == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{
			Kind:    "NotFound",
			Message: fmt.Sprintf("process %q does not exist", id),
		}})
		return
	}

	resp := toResponse(res)
	resp.History = res.State.History
	writeJSON(w, http.StatusOK, resp)
}

// Steps handles GET /v1/steps.
func (s *Server) Steps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps":       graph.AllSteps,
		"transitions": graph.Transitions(),
	})
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			s.logger.Warn("health check failed", "check", name, "error", err)
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{"status": overall, "checks": results})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (invokeBody, bool) {
	var body invokeBody
	if r.ContentLength == 0 {
		return body, true
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, &graph.Error{Kind: graph.KindInvalidInput, Message: "invalid request body", Cause: err})
		return body, false
	}
	return body, true
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, body invokeBody, entry graph.StepID) {
	req := graph.Request{
		ProcessID:  chi.URLParam(r, "id"),
		Transcript: body.Transcript,
		Critique:   body.Critique,
		EntryStep:  entry,
	}

	draft, err := decodeDraft(body.Draft)
	if err != nil {
		s.writeError(w, r, &graph.Error{Kind: graph.KindInvalidInput, ProcessID: req.ProcessID, Message: "invalid draft", Cause: err})
		return
	}
	req.Draft = draft

	res, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

// decodeDraft accepts a draft as a JSON object or as a string holding one.
func decodeDraft(raw json.RawMessage) (*minutes.Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return minutes.Parse(text)
	}
	return minutes.Decode(raw)
}

func toResponse(res graph.Result) processResponse {
	steps := res.Steps
	if steps == nil {
		steps = []graph.StepID{}
	}
	return processResponse{
		ProcessID:      res.ProcessID,
		Version:        res.Version,
		Suspended:      res.Suspended,
		Steps:          steps,
		Draft:          res.State.Draft,
		Critique:       res.State.Critique,
		Approved:       res.State.Approved,
		RenderedOutput: res.State.RenderedOutput,
		LastStep:       res.State.LastStep,
		Rounds:         res.State.Rounds,
	}
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind graph.Kind) int {
	switch kind {
	case graph.KindInvalidInput:
		return http.StatusBadRequest
	case graph.KindRenderFailed:
		return http.StatusUnprocessableEntity
	case graph.KindConcurrentModification:
		return http.StatusConflict
	case graph.KindDraftingFailed, graph.KindCritiqueFailed, graph.KindRevisionFailed:
		return http.StatusBadGateway
	case graph.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var wfErr *graph.Error
	if !errors.As(err, &wfErr) {
		status, kind := http.StatusInternalServerError, "Internal"
		switch {
		case errors.Is(err, context.Canceled):
			status, kind = 499, "Canceled"
		case errors.Is(err, context.DeadlineExceeded):
			status, kind = http.StatusGatewayTimeout, "Timeout"
		}
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
		return
	}

	status := StatusFor(wfErr.Kind)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "workflow failed",
		"process_id", wfErr.ProcessID,
		"step", string(wfErr.Step),
		"kind", string(wfErr.Kind),
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)

	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:      string(wfErr.Kind),
		Message:   wfErr.Error(),
		Step:      string(wfErr.Step),
		Retryable: wfErr.Retryable(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
