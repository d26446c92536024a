package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cruciblehq/pipelined/internal"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
	"github.com/cruciblehq/pipelined/internal/template"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

// Body of a successful trigger.
type TriggerResult struct {
	ID string `json:"id"`
}

// Body of a health check.
type StatusResult struct {
	Running bool               `json:"running"`
	Version string             `json:"version"`
	Build   internal.BuildInfo `json:"build"`
	Pid     int                `json:"pid"`
	Uptime  string             `json:"uptime"`
}

// Body of an error response.
type ErrorResult struct {
	Message   string `json:"message"`
	Key       string `json:"key,omitempty"`   // Offending configuration option, for configuration errors.
	Stage     string `json:"stage,omitempty"` // Offending stage, for template errors.
	RequestID string `json:"requestId,omitempty"`
}

// Handles POST /v1/triggers.
//
// Starts a run for the event and answers 202 with its id. The response does
// not wait for the run.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var ev trigger.Event
	if err := decodeJSON(r, &ev); err != nil {
		s.fail(w, r, err)
		return
	}
	if ev.Repository == "" {
		s.fail(w, r, fmt.Errorf("%w: repository is required", ErrBadRequest))
		return
	}

	id, err := s.runs.OnTrigger(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+id.String())
	respond(w, http.StatusAccepted, TriggerResult{ID: id.String()})
}

// Handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pipeline.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, run)
}

// Handles GET /v1/runs?repository=&status=&limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.RunFilter{
		Repository: q.Get("repository"),
		Status:     pipeline.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		}
		filter.Limit = n
	}

	runs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	respond(w, http.StatusOK, runs)
}

// Handles POST /v1/runs/{id}/cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pipeline.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.runs.Cancel(id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Handles GET /v1/templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.templates.List())
}

// Handles GET /v1/templates/{name} and GET /v1/templates/{name}/{version}.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Resolve(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, tpl)
}

// Handles POST /v1/templates.
//
// The body holds one or more YAML (or JSON) template documents. Templates are
// published in order; the first failure stops the request and earlier
// templates stay published.
func (s *Server) handlePublishTemplates(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	tpls, err := template.Parse(data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(tpls) == 0 {
		s.fail(w, r, fmt.Errorf("%w: no templates in body", ErrBadRequest))
		return
	}

	published := make([]template.Summary, 0, len(tpls))
	for _, tpl := range tpls {
		if err := s.templates.Publish(r.Context(), tpl); err != nil {
			s.fail(w, r, err)
			return
		}
		published = append(published, template.Summary{Name: tpl.Name, Versions: []string{tpl.Version}})
	}
	respond(w, http.StatusCreated, published)
}

// Handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Build:   internal.Build(),
		Pid:     os.Getpid(),
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

// Writes the error response matching err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := ErrorResult{Message: err.Error(), RequestID: RequestID(r.Context())}

	var cerr *pipeline.ConfigError
	if errors.As(err, &cerr) {
		body.Key = cerr.Key
	}
	var terr *pipeline.TemplateError
	if errors.As(err, &terr) {
		body.Stage = terr.Stage
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respond(w, status, body)
}

// Maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownRepository),
		errors.Is(err, pipeline.ErrTemplateNotFound),
		errors.Is(err, pipeline.ErrVersionNotFound),
		errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrDuplicateVersion),
		errors.Is(err, pipeline.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrConfig),
		errors.Is(err, pipeline.ErrTemplate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, trigger.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Decodes a JSON request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// Writes v as a JSON response.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}
