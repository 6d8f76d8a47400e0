package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/logger"
	"github.com/docuflow/be-doc-approvals/internal/repository"
	"github.com/docuflow/be-doc-approvals/internal/service"
)

// HTTPHandler exposes the approval workflow over JSON/HTTP. Every response
// wraps the payload in a {message, data} envelope; errors additionally carry
// a machine-readable kind in the "error" field.
type HTTPHandler struct {
	orchestrator *service.Orchestrator
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(orchestrator *service.Orchestrator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{orchestrator: orchestrator, log: log}
}

// Register mounts all approval routes on the router. Fixed paths are
// registered before the {instanceId} routes so they match first.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/approvals/start", h.Start).Methods(http.MethodPost)
	r.HandleFunc("/approvals/workflows", h.RegisterTemplate).Methods(http.MethodPost)
	r.HandleFunc("/approvals/workflows", h.ListTemplates).Methods(http.MethodGet)
	r.HandleFunc("/approvals/workflows/by-document-type/{type}", h.ListTemplatesByDocumentType).Methods(http.MethodGet)
	r.HandleFunc("/approvals/pending/{userId}", h.GetPending).Methods(http.MethodGet)
	r.HandleFunc("/approvals/history/{documentId}", h.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{instanceId}/step/{stepId}/action", h.Act).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{instanceId}/withdraw", h.Withdraw).Methods(http.MethodPut)
	r.HandleFunc("/approvals/{instanceId}/transfer", h.Transfer).Methods(http.MethodPut)
	r.HandleFunc("/approvals/{instanceId}/progress", h.GetProgress).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{instanceId}/urge", h.Urge).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{instanceId}/audit", h.GetAuditTrail).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{instanceId}", h.GetInstance).Methods(http.MethodGet)
}

// ── Instance lifecycle ────────────────────────────────────────────────────────

// Start handles POST /approvals/start.
func (h *HTTPHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID   string `json:"documentId"`
		WorkflowCode string `json:"workflowCode"`
		Initiator    string `json:"initiator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	inst, err := h.orchestrator.Start(r.Context(), req.DocumentID, req.WorkflowCode, req.Initiator)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, "approval workflow started", inst)
}

// Act handles POST /approvals/{instanceId}/step/{stepId}/action.
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stepIndex, err := strconv.Atoi(vars["stepId"])
	if err != nil {
		h.writeError(w, errors.InvalidInput("stepId", "step ID must be an integer"))
		return
	}

	var req struct {
		UserID   string `json:"userId"`
		Action   string `json:"action"`
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	kind, err := parseAction(req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if _, err := h.orchestrator.Act(r.Context(), vars["instanceId"], stepIndex, req.UserID, kind, req.Comments); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "decision recorded", true)
}

// Withdraw handles PUT /approvals/{instanceId}/withdraw.
func (h *HTTPHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	if _, err := h.orchestrator.Withdraw(r.Context(), mux.Vars(r)["instanceId"], req.UserID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "approval workflow withdrawn", true)
}

// Transfer handles PUT /approvals/{instanceId}/transfer.
func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromUserID string `json:"fromUserId"`
		ToUserID   string `json:"toUserId"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	if _, err := h.orchestrator.Transfer(r.Context(), mux.Vars(r)["instanceId"], req.FromUserID, req.ToUserID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "approval step transferred", true)
}

// Urge handles POST /approvals/{instanceId}/urge.
func (h *HTTPHandler) Urge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	if err := h.orchestrator.Urge(r.Context(), mux.Vars(r)["instanceId"], req.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "reminder sent", true)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance handles GET /approvals/{instanceId}.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.orchestrator.GetInstance(r.Context(), mux.Vars(r)["instanceId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", inst)
}

// GetPending handles GET /approvals/pending/{userId}.
func (h *HTTPHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	instances, err := h.orchestrator.GetPendingForActor(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", emptyIfNil(instances))
}

// GetHistory handles GET /approvals/history/{documentId}.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	instances, err := h.orchestrator.GetHistory(r.Context(), mux.Vars(r)["documentId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", emptyIfNil(instances))
}

// GetProgress handles GET /approvals/{instanceId}/progress.
func (h *HTTPHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	step, err := h.orchestrator.GetCurrentStep(r.Context(), mux.Vars(r)["instanceId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", step)
}

// GetAuditTrail handles GET /approvals/{instanceId}/audit.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.orchestrator.GetAuditTrail(r.Context(), mux.Vars(r)["instanceId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", emptyIfNilAudit(entries))
}

// ── Template management ───────────────────────────────────────────────────────

// RegisterTemplate handles POST /approvals/workflows.
func (h *HTTPHandler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl repository.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	created, err := h.orchestrator.RegisterTemplate(r.Context(), &tpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, "workflow template registered", created)
}

// ListTemplates handles GET /approvals/workflows.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.orchestrator.ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", emptyIfNilTemplates(templates))
}

// ListTemplatesByDocumentType handles GET /approvals/workflows/by-document-type/{type}.
func (h *HTTPHandler) ListTemplatesByDocumentType(w http.ResponseWriter, r *http.Request) {
	templates, err := h.orchestrator.ListTemplatesByDocumentType(r.Context(), mux.Vars(r)["type"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, "ok", emptyIfNilTemplates(templates))
}

// ── Envelope and error mapping ────────────────────────────────────────────────

type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Message: message, Data: data}); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Message: err.Error(), Error: errors.KindOf(err)})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeUnauthorized:
		return http.StatusForbidden
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseAction(s string) (repository.DecisionKind, error) {
	switch strings.ToUpper(s) {
	case "APPROVE":
		return repository.DecisionApprove, nil
	case "REJECT":
		return repository.DecisionReject, nil
	default:
		return "", errors.InvalidInput("action", "must be APPROVE or REJECT")
	}
}

func emptyIfNil(in []*repository.WorkflowInstance) []*repository.WorkflowInstance {
	if in == nil {
		return []*repository.WorkflowInstance{}
	}
	return in
}

func emptyIfNilAudit(in []*repository.AuditEntry) []*repository.AuditEntry {
	if in == nil {
		return []*repository.AuditEntry{}
	}
	return in
}

func emptyIfNilTemplates(in []*repository.WorkflowTemplate) []*repository.WorkflowTemplate {
	if in == nil {
		return []*repository.WorkflowTemplate{}
	}
	return in
}
