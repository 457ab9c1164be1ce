package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/middleware"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/runtime"
	"github.com/tcmartin/runstream/pkg/storage"
	"github.com/tcmartin/runstream/pkg/stream"
)

// maxBodySize bounds trigger and webhook payloads
const maxBodySize = 1 << 20

// TriggerBody is the manual trigger request
type TriggerBody struct {
	Input             map[string]interface{} `json:"input"`
	WaitForSubscriber bool                   `json:"wait_for_subscriber"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var body TriggerBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.trigger(w, r, models.TriggerManual, body.Input, body.WaitForSubscriber)
}

// handleWebhook treats the whole JSON body as run input. Non-object bodies are wrapped
// as {"body": value}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var input map[string]interface{}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(raw) > 0 {
		var payload interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = string(raw)
		}
		if obj, ok := payload.(map[string]interface{}); ok {
			input = obj
		} else {
			input = map[string]interface{}{"body": payload}
		}
	}
	s.trigger(w, r, models.TriggerWebhook, input, r.URL.Query().Get("wait_for_subscriber") == "true")
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, trigger models.Trigger, input map[string]interface{}, wait bool) {
	workspaceID, ok := middleware.GetWorkspaceID(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	run, err := s.runs.Trigger(r.Context(), runtime.TriggerRequest{
		WorkflowID:        mux.Vars(r)["id"],
		WorkspaceID:       workspaceID,
		Trigger:           trigger,
		Input:             input,
		WaitForSubscriber: wait,
	})
	switch {
	case errors.Is(err, storage.ErrWorkflowNotFound):
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	case err != nil:
		s.logger.Error("trigger failed", logging.F("workflow_id", mux.Vars(r)["id"]), logging.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to trigger run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

// authorizeRun resolves the run named in the path for the caller, writing the error
// response itself when it returns nil
func (s *Server) authorizeRun(w http.ResponseWriter, r *http.Request) *models.Run {
	workspaceID, ok := middleware.GetWorkspaceID(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	run, err := s.gateway.Authorize(r.Context(), mux.Vars(r)["id"], workspaceID)
	switch {
	case errors.Is(err, stream.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil
	case errors.Is(err, stream.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "run belongs to another workspace")
		return nil
	case err != nil:
		s.logger.Error("failed to load run", logging.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil
	}
	return run
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := s.authorizeRun(w, r)
	if run == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	original := s.authorizeRun(w, r)
	if original == nil {
		return
	}

	run, err := s.runs.Retry(r.Context(), original.ID)
	switch {
	case errors.Is(err, runtime.ErrRunNotRetryable):
		s.writeError(w, http.StatusConflict, "run has not finished")
		return
	case errors.Is(err, storage.ErrWorkflowNotFound):
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	case err != nil:
		s.logger.Error("retry failed", logging.F("run_id", original.ID), logging.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to retry run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRedactionReset(w http.ResponseWriter, r *http.Request) {
	s.redactor.Metrics().Reset()
	w.WriteHeader(http.StatusNoContent)
}
