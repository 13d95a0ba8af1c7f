package workflow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"workflow-engine/api/pkg/jsonx"
)

// StartRequest is the body of POST /workflows/{id}/instances.
type StartRequest struct {
	Data map[string]any `json:"data"`
}

// StartResponse carries the id of the instance that was created.
type StartResponse struct {
	InstanceID string `json:"instanceId"`
	Status     Status `json:"status"`
}

// ValidateGraphRequest is the body of POST /graphs/validate.
type ValidateGraphRequest struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type ValidateGraphResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Definitions())
}

// HandleRegisterWorkflow validates and registers a definition sent as JSON.
func (s *Service) HandleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def WorkflowDefinition
	if err := jsonx.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.RegisterWorkflow(r.Context(), def); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Debug("workflow registered over http", "workflow_id", def.ID)
	writeJSON(w, http.StatusCreated, def)
}

func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, err := s.engine.Definition(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleStartWorkflow creates an instance and returns immediately; clients
// poll GET /instances/{id} for progress.
func (s *Service) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req StartRequest
	if r.ContentLength != 0 {
		if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	instanceID, err := s.engine.StartWorkflow(r.Context(), id, req.Data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{InstanceID: instanceID, Status: StatusPending})
}

func (s *Service) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := s.engine.GetInstance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Service) HandleCancelInstance(w http.ResponseWriter, r *http.Request) {
	s.applyLifecycle(w, r, s.engine.CancelWorkflow)
}

func (s *Service) HandlePauseInstance(w http.ResponseWriter, r *http.Request) {
	s.applyLifecycle(w, r, s.engine.PauseWorkflow)
}

func (s *Service) HandleResumeInstance(w http.ResponseWriter, r *http.Request) {
	s.applyLifecycle(w, r, s.engine.ResumeWorkflow)
}

// applyLifecycle runs op on the instance named in the path and answers with
// its snapshot.
func (s *Service) applyLifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if err := op(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	inst, err := s.engine.GetInstance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// HandleValidateGraph runs the structural checks against the configured
// node-type catalog. Problems are reported with 200 and valid=false.
func (s *Service) HandleValidateGraph(w http.ResponseWriter, r *http.Request) {
	var req ValidateGraphRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	problems := s.validator.Validate(req.Nodes, req.Edges, s.catalog)
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, http.StatusOK, ValidateGraphResponse{Valid: len(problems) == 0, Errors: problems})
}

func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	var defErr *DefinitionError
	switch {
	case errors.As(err, &defErr):
		w.WriteHeader(http.StatusBadRequest)
		jsonx.NewEncoder(w).Encode(map[string]any{"message": "invalid workflow definition", "errors": defErr.Problems})
	case IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case IsLifecycleError(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	jsonx.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	jsonx.NewEncoder(w).Encode(map[string]string{"message": message})
}
