package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/tenant"
)

type AdminHandler struct {
	guard    *policy.Guard
	auditSvc *audit.Service
}

func NewAdminHandler(guard *policy.Guard, auditSvc *audit.Service) *AdminHandler {
	return &AdminHandler{guard: guard, auditSvc: auditSvc}
}

func (h *AdminHandler) GetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.guard.GetOrCreate(r.Context(), tenant.IDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *AdminHandler) UpdateRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.RuntimeConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	cfg, err := h.guard.UpdateConfig(ctx, tenant.IDFromContext(ctx), patch, tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *AdminHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := audit.Query{
		Action:     r.URL.Query().Get("action"),
		TargetType: r.URL.Query().Get("target_type"),
		Cursor:     r.URL.Query().Get("cursor"),
		Limit:      limit,
	}
	page, err := h.auditSvc.List(r.Context(), tenant.IDFromContext(r.Context()), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
