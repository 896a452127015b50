package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/prompt"
	"github.com/nikhilbhutani/promptplane/internal/tenant"
	"github.com/nikhilbhutani/promptplane/internal/testrun"
)

type PromptHandler struct {
	versions *prompt.VersionManager
	resolver *prompt.Resolver
	tests    *testrun.Runner
}

func NewPromptHandler(versions *prompt.VersionManager, resolver *prompt.Resolver, tests *testrun.Runner) *PromptHandler {
	return &PromptHandler{versions: versions, resolver: resolver, tests: tests}
}

func (h *PromptHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req prompt.DefinitionInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	def, err := h.versions.CreateDefinition(ctx, tenant.IDFromContext(ctx), req, tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *PromptHandler) List(w http.ResponseWriter, r *http.Request) {
	defs, err := h.versions.ListDefinitions(r.Context(), tenant.IDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": defs, "count": len(defs)})
}

func (h *PromptHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.versions.ListVersions(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (h *PromptHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.versions.GetVersion(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "name"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *PromptHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req prompt.VersionInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	v, err := h.versions.CreateVersion(ctx, tenant.IDFromContext(ctx), chi.URLParam(r, "name"), req, tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *PromptHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	v, err := h.versions.ActivateVersion(ctx, tenant.IDFromContext(ctx), chi.URLParam(r, "name"), id, tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *PromptHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.versions.RollbackToPreviousVersion(ctx, tenant.IDFromContext(ctx), chi.URLParam(r, "name"), tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type resolveRequest struct {
	Variables any                      `json:"variables"`
	Overrides *models.Overrides        `json:"overrides,omitempty"`
	Images    []models.ImageDescriptor `json:"images,omitempty"`
}

func (h *PromptHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resolved, err := h.resolver.ResolvePrompt(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "name"),
		req.Variables, prompt.ResolveOptions{Overrides: req.Overrides, Images: req.Images})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (h *PromptHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req testrun.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	result, err := h.tests.TestPrompt(ctx, tenant.IDFromContext(ctx), chi.URLParam(r, "name"), req, tenant.ActorFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *PromptHandler) GetTestRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.tests.GetTestRun(r.Context(), tenant.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run.PromptName != chi.URLParam(r, "name") {
		writeError(w, r, apperr.NotFound("prompts.GetTestRun", "test run %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}
