package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steeldragon666/omniflow/engine"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/value"
)

func (s *Server) workflowRoutes(r chi.Router) {
	r.Get("/", s.handleListWorkflows)
	r.Post("/", s.handleRegisterWorkflow)
	r.Post("/validate", s.handleValidateBody)
	r.Get("/{workflowID}", s.handleGetWorkflow)
	r.Put("/{workflowID}", s.handlePutWorkflow)
	r.Delete("/{workflowID}", s.handleDeleteWorkflow)
	r.Post("/{workflowID}/execute", s.handleExecuteWorkflow)
	r.Post("/{workflowID}/validate", s.handleValidateStored)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Engine.Workflows())
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def engine.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed workflow definition: "+err.Error())
		return
	}
	stored, err := s.deps.Engine.Register(&def)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Engine.GetWorkflow(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

// handlePutWorkflow upserts a definition at the path id. The body id, if
// present, must agree with the path.
func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	var def engine.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed workflow definition: "+err.Error())
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		respondError(w, http.StatusBadRequest, "invalid_request", "definition id does not match path")
		return
	}
	stored, err := s.deps.Engine.Register(&def)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Deregister(chi.URLParam(r, "workflowID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// executeRequest starts an execution. Async requests return immediately
// with the pending execution; sync requests block until the execution is
// terminal and return the final record.
type executeRequest struct {
	Input   map[string]value.Value `json:"input,omitempty"`
	Trigger string                 `json:"trigger,omitempty"`
	Async   bool                   `json:"async,omitempty"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "malformed execute request: "+err.Error())
			return
		}
	}
	trig := engine.TriggerManual
	if req.Trigger != "" {
		trig = engine.TriggerType(req.Trigger)
	}

	if req.Async {
		exec, err := s.deps.Engine.ExecuteAsync(id, req.Input, trig)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, exec)
		return
	}
	exec, err := s.deps.Engine.Execute(r.Context(), id, req.Input, trig)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleValidateBody(w http.ResponseWriter, r *http.Request) {
	var def engine.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed workflow definition: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Engine.Validate(&def))
}

func (s *Server) handleValidateStored(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Engine.GetWorkflow(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Engine.Validate(def))
}

func (s *Server) executionRoutes(r chi.Router) {
	r.Get("/", s.handleListExecutions)
	r.Get("/{executionID}", s.handleGetExecution)
	r.Post("/{executionID}/cancel", s.executionAction(s.deps.Engine.Cancel))
	r.Post("/{executionID}/pause", s.executionAction(s.deps.Engine.Pause))
	r.Post("/{executionID}/resume", s.executionAction(s.deps.Engine.Resume))
	if s.deps.History != nil {
		r.Get("/{executionID}/events", s.handleExecutionEvents)
	}
	if s.deps.Monitor != nil {
		r.Get("/{executionID}/trace", s.handleExecutionTrace)
	}
	if s.deps.Stream != nil {
		r.Get("/{executionID}/stream", s.handleExecutionStream)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     engine.Status(q.Get("status")),
		Limit:      queryInt(r, "limit", 0),
	}
	respondJSON(w, http.StatusOK, s.deps.Engine.ListExecutions(f))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.GetExecution(chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// executionAction applies a lifecycle transition and returns the updated
// execution.
func (s *Server) executionAction(apply func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "executionID")
		if err := apply(id); err != nil {
			s.fail(w, err)
			return
		}
		exec, err := s.deps.Engine.GetExecution(id)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, exec)
	}
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	q := r.URL.Query()
	filter := emit.HistoryFilter{
		NodeID: q.Get("node_id"),
		Name:   emit.Name(q.Get("name")),
	}
	if raw := q.Get("min_seq"); raw != "" {
		n := queryInt(r, "min_seq", 0)
		filter.MinSeq = &n
	}
	if raw := q.Get("max_seq"); raw != "" {
		n := queryInt(r, "max_seq", 0)
		filter.MaxSeq = &n
	}
	events := s.deps.History.ExecutionHistory(id, filter)
	if len(events) == 0 {
		// Distinguish an unknown execution from one with no matching events.
		if _, err := s.deps.Engine.GetExecution(id); err != nil {
			s.fail(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleExecutionTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.deps.Monitor.ExecutionTrace(chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}
