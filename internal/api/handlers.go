package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/trigger"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/go-chi/chi/v5"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 200
)

// inboundRequest is the body of POST /messages.
type inboundRequest struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	ChoiceID  string `json:"choice_id,omitempty"`
}

// traceRequest is the body of POST /flows/trace. Intent, when set, stands in for a classification.
type traceRequest struct {
	Text       string  `json:"text"`
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.From) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("from is required"))
		return
	}
	if strings.TrimSpace(req.Body) == "" && req.ChoiceID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("body or choice_id is required"))
		return
	}

	// Messages posted without an id still go through inbound dedup under a fresh one.
	if req.MessageID == "" {
		req.MessageID = util.GenerateMessageID()
	}

	result, err := s.inbound.ProcessResponse(r.Context(), models.Response{
		From:      req.From,
		Body:      req.Body,
		Time:      time.Now().Unix(),
		MessageID: req.MessageID,
		ChoiceID:  req.ChoiceID,
	})
	if err != nil {
		switch {
		case errors.Is(err, messaging.ErrInvalidSender),
			errors.Is(err, models.ErrEmptyContact),
			errors.Is(err, models.ErrEmptyText),
			errors.Is(err, models.ErrMessageTooLong):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.messageHandler: processing failed", "error", err, "from", req.From)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted(result))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.catalog.Flows()))
}

// traceFlowsHandler reports how every loaded flow's trigger evaluates a message without running anything.
func (s *Server) traceFlowsHandler(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	var cls *models.ClassificationResult
	if req.Intent != "" {
		if req.Confidence == 0 {
			req.Confidence = 1
		}
		cls = &models.ClassificationResult{Intent: models.IntentResult{Type: req.Intent, Confidence: req.Confidence}}
	}
	flows := s.catalog.Flows()
	result := map[string]any{
		"evaluations": trigger.Trace(flows, req.Text, cls),
		"matched":     nil,
	}
	if f := trigger.Match(flows, req.Text, cls); f != nil {
		result["matched"] = f.ID
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flowID")
	f, ok := s.catalog.ByID(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := decodeJSON(w, r, &f); err != nil {
		slog.Warn("Server.saveFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow JSON: "+err.Error()))
		return
	}
	if err := s.catalog.Save(f); err != nil {
		if errors.Is(err, flow.ErrInvalidFlow) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.saveFlowHandler: save failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flowID", f.ID, "active", f.Active)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow saved", map[string]string{"id": f.ID}))
}

func (s *Server) reloadFlowsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.catalog.Reload()
	if err != nil {
		slog.Error("Server.reloadFlowsHandler: reload failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reload flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"loaded": n, "loaded_at": s.catalog.LoadedAt()}))
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	log, err := s.executions.GetExecution(id)
	if err != nil {
		slog.Error("Server.getExecutionHandler: lookup failed", "error", err, "executionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load execution"))
		return
	}
	if log == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("execution not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(log))
}

func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contactID")
	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, maxExecutionLimit)
	}
	logs, err := s.executions.ListExecutions(contactID, limit)
	if err != nil {
		slog.Error("Server.listExecutionsHandler: lookup failed", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list executions"))
		return
	}
	if logs == nil {
		logs = []models.ExecutionLog{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

func (s *Server) invalidateConfigHandler(w http.ResponseWriter, r *http.Request) {
	s.config.Invalidate()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Configuration invalidated", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.catalog != nil {
		status["flows"] = len(s.catalog.Flows())
		status["flows_loaded_at"] = s.catalog.LoadedAt()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}
