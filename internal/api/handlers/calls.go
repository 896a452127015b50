package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/calls"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/tenant"
)

type CallHandler struct {
	tracker *calls.Tracker
}

func NewCallHandler(tracker *calls.Tracker) *CallHandler {
	return &CallHandler{tracker: tracker}
}

func (h *CallHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req calls.StartCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	tenantID := tenant.IDFromContext(r.Context())
	if req.PromptKey.TenantID == "" {
		req.PromptKey.TenantID = tenantID
	}
	if req.PromptKey.TenantID != tenantID {
		writeError(w, r, apperr.Validation("calls.Start", "prompt key tenant does not match the caller"))
		return
	}

	rec, err := h.tracker.StartCall(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *CallHandler) Success(w http.ResponseWriter, r *http.Request) {
	var req calls.Success
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, ok := h.ownedCall(w, r)
	if !ok {
		return
	}

	rec, err := h.tracker.CompleteCallSuccess(r.Context(), rec.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type failureRequest struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (h *CallHandler) Failure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, ok := h.ownedCall(w, r)
	if !ok {
		return
	}

	rec, err := h.tracker.CompleteCallFailure(r.Context(), rec.ID, req.ErrorType, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedCall(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *CallHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := models.CallStatus(r.URL.Query().Get("status"))
	recs, err := h.tracker.ListCalls(r.Context(), tenant.IDFromContext(r.Context()), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs, "count": len(recs)})
}

// ownedCall loads the call named in the path, hiding other tenants' calls.
func (h *CallHandler) ownedCall(w http.ResponseWriter, r *http.Request) (*models.CallRecord, bool) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	rec, err := h.tracker.GetCall(r.Context(), tenant.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return rec, true
}
