// Package api implements the Orchestration API: a thin HTTP surface
// over the Orchestrator Root, the durable Event Log, and the Artifact
// Store. Routing uses net/http.ServeMux with Go 1.22's method-and-path
// patterns; a handful of endpoints does not justify a router
// dependency.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/noetl/noetl/artifact"
	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/orchestrator"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/store"
)

var errNotFound = errors.New("api: not found")

// EventQuerier is the read surface GET /executions/{id}/events needs
// from a durable Event Log, satisfied by store.MemoryLog/SQLiteLog/
// MySQLLog.
type EventQuerier interface {
	Events(ctx context.Context, executionID string, filter store.Filter) ([]event.Event, error)
}

// PlaybookRef names a playbook document to resolve:
// `{playbook_ref: {path,version} | playbook_id}`.
type PlaybookRef struct {
	Path       string `json:"path,omitempty"`
	Version    string `json:"version,omitempty"`
	PlaybookID string `json:"playbook_id,omitempty"`
}

// PlaybookResolver turns a PlaybookRef into a parsed, validated,
// normalized Playbook. Concrete playbook storage (a database, a git
// checkout) is an external collaborator; FileResolver below is the
// minimal filesystem-backed implementation.
type PlaybookResolver interface {
	Resolve(ref PlaybookRef) (*playbook.Playbook, error)
}

// Server wires the Orchestration API's handlers to its collaborators.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Events       EventQuerier
	Artifacts    artifact.Store
	Playbooks    PlaybookResolver
}

// Mux builds the http.Handler exposing the orchestration endpoints.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions", s.handleCreateExecution)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /executions/{id}/steps/{step}/result", s.handleStepResult)
	mux.HandleFunc("GET /executions/{id}/steps/{step}/parts", s.handleStepParts)
	mux.HandleFunc("GET /artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	return mux
}

type createExecutionRequest struct {
	PlaybookRef PlaybookRef            `json:"playbook_ref"`
	Payload     map[string]interface{} `json:"payload"`
}

type createExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pb, err := s.Playbooks.Resolve(req.PlaybookRef)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	executionID, err := s.Orchestrator.Start(r.Context(), orchestrator.Request{Playbook: pb, Payload: req.Payload})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createExecutionResponse{ExecutionID: executionID})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.Orchestrator.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	filter := store.Filter{EventType: q.Get("event_type"), StepRunID: q.Get("step_run_id")}
	if v := q.Get("from_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.FromSeq = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	events, err := s.Events.Events(r.Context(), id, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, filter.Apply(events))
}

func (s *Server) handleStepResult(w http.ResponseWriter, r *http.Request) {
	id, step := r.PathValue("id"), r.PathValue("step")
	if _, ok := s.Orchestrator.State(id); !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	events, err := s.Events.Events(r.Context(), id, store.Filter{EventType: event.NameStepDone})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Payload.Get("step").S != step {
			continue
		}
		if ref := ev.Payload.Get("ref"); !ref.IsNull() {
			writeJSON(w, http.StatusOK, ref)
			return
		}
		if m := ev.Payload.Get("manifest"); !m.IsNull() {
			writeJSON(w, http.StatusOK, m)
			return
		}
		writeJSON(w, http.StatusOK, ev.Payload.Get("result"))
		return
	}
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) handleStepParts(w http.ResponseWriter, r *http.Request) {
	id, step := r.PathValue("id"), r.PathValue("step")
	q := r.URL.Query()

	events, err := s.Events.Events(r.Context(), id, store.Filter{EventType: event.NameTaskDone})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var refs []interface{}
	for _, ev := range events {
		if ev.Payload.Get("step").S != step {
			continue
		}
		if v := q.Get("iteration"); v != "" && strconv.Itoa(ev.Iteration) != v {
			continue
		}
		if v := q.Get("page"); v != "" && strconv.Itoa(ev.Page) != v {
			continue
		}
		if v := q.Get("attempt"); v != "" && strconv.Itoa(ev.Attempt) != v {
			continue
		}
		if ref := ev.Payload.Get("ref"); !ref.IsNull() {
			refs = append(refs, ref.ToAny())
		}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, meta, err := s.Artifacts.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	_, _ = w.Write(data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Orchestrator.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
