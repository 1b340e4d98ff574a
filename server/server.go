// Package server exposes the orchestration engine over HTTP: definition
// CRUD, the create-and-run execution endpoint, stop, queries and the
// transcript read path. Handlers are thin passthroughs to the supervisor
// and the stores.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
	"github.com/loomlab/loom/supervisor"
)

// ownerHeader carries the caller identity. Authentication itself happens
// upstream; the engine only scopes data by this value.
const ownerHeader = "X-User-ID"

// Options holds Server overrides.
type Options struct {
	// Logger for request diagnostics.
	Logger logging.Logger
	// Metrics enables the /metrics endpoint.
	Metrics bool
}

// Server routes HTTP requests to the supervisor and the definition store.
type Server struct {
	supervisor  *supervisor.Supervisor
	definitions core.DefinitionStore
	logger      logging.Logger
	metrics     bool
}

// New constructs a Server.
func New(sup *supervisor.Supervisor, definitions core.DefinitionStore, optFns ...func(o *Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		supervisor:  sup,
		definitions: definitions,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireOwner)

		r.Route("/orchestrations", func(r chi.Router) {
			r.Post("/", s.createDefinition)
			r.Get("/", s.listDefinitions)
			r.Get("/{id}", s.getDefinition)
			r.Put("/{id}", s.updateDefinition)
			r.Delete("/{id}", s.deleteDefinition)
			r.Post("/{id}/executions", s.startExecution)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.listExecutions)
			r.Get("/{id}", s.getExecution)
			r.Post("/{id}/stop", s.stopExecution)
			r.Get("/{id}/transcript", s.getTranscript)
		})
	})

	return r
}

// requireOwner rejects requests without a caller identity.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ownerHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func owner(r *http.Request) string { return r.Header.Get(ownerHeader) }

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	var def core.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if def.ID == "" {
		def.ID = core.NewID()
	}
	def.Owner = owner(r)
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := def.Validate(); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.definitions.Put(r.Context(), &def); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &def)
}

func (s *Server) updateDefinition(w http.ResponseWriter, r *http.Request) {
	existing, err := s.definitions.Get(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	var def core.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def.ID = existing.ID
	def.Owner = existing.Owner
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now()

	if err := def.Validate(); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.definitions.Put(r.Context(), &def); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &def)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.definitions.Get(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.definitions.List(r.Context(), owner(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if defs == nil {
		defs = []*core.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.definitions.Delete(r.Context(), owner(r), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startExecution creates the record and launches the run in the
// background, replying 202 with the pending execution.
func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	exec, err := s.supervisor.StartExecution(r.Context(), chi.URLParam(r, "id"), body.Message, owner(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.supervisor.Get(r.Context(), chi.URLParam(r, "id"), owner(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.supervisor.List(r.Context(), owner(r), r.URL.Query().Get("orchestrationId"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if execs == nil {
		execs = []*core.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) stopExecution(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.supervisor.Stop(r.Context(), chi.URLParam(r, "id"), owner(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := s.supervisor.Transcript(r.Context(), chi.URLParam(r, "id"), owner(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []core.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeFailure maps domain errors onto HTTP status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	default:
		s.logger.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
