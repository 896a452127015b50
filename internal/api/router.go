package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/promptplane/internal/api/handlers"
	"github.com/nikhilbhutani/promptplane/internal/api/middleware"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/calls"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/prompt"
	"github.com/nikhilbhutani/promptplane/internal/testrun"
)

// Services are the components exposed over HTTP.
type Services struct {
	DB       handlers.Pinger
	Redis    handlers.Pinger
	Versions *prompt.VersionManager
	Resolver *prompt.Resolver
	Guard    *policy.Guard
	Audit    *audit.Service
	Tracker  *calls.Tracker
	Tests    *testrun.Runner
}

type Router struct {
	mux  *chi.Mux
	svc  Services
	auth *middleware.Authenticator
}

func NewRouter(jwtSecret string, svc Services) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		svc:  svc,
		auth: middleware.NewAuthenticator(jwtSecret),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)

	health := handlers.NewHealthHandler(rt.svc.DB, rt.svc.Redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.auth.Authenticate)
		need := middleware.RequirePermission

		promptH := handlers.NewPromptHandler(rt.svc.Versions, rt.svc.Resolver, rt.svc.Tests)
		r.Route("/prompts", func(r chi.Router) {
			r.With(need(middleware.PermPromptsWrite)).Post("/", promptH.Create)
			r.With(need(middleware.PermPromptsRead)).Get("/", promptH.List)

			r.Route("/{name}", func(r chi.Router) {
				r.With(need(middleware.PermPromptsRead)).Get("/versions", promptH.ListVersions)
				r.With(need(middleware.PermPromptsRead)).Get("/versions/{id}", promptH.GetVersion)
				r.With(need(middleware.PermPromptsWrite)).Post("/versions", promptH.CreateVersion)
				r.With(need(middleware.PermPromptsWrite)).Post("/versions/{id}/activate", promptH.Activate)
				r.With(need(middleware.PermPromptsWrite)).Post("/rollback", promptH.Rollback)
				r.With(need(middleware.PermPromptsResolve)).Post("/resolve", promptH.Resolve)
				r.With(need(middleware.PermPromptsTest)).Post("/test", promptH.Test)
				r.With(need(middleware.PermPromptsTest)).Get("/test/{id}", promptH.GetTestRun)
			})
		})

		adminH := handlers.NewAdminHandler(rt.svc.Guard, rt.svc.Audit)
		r.With(need(middleware.PermAdminRead)).Get("/runtime-config", adminH.GetRuntimeConfig)
		r.With(need(middleware.PermAdminWrite)).Patch("/runtime-config", adminH.UpdateRuntimeConfig)
		r.With(need(middleware.PermAdminRead)).Get("/audit", adminH.AuditLogs)

		callH := handlers.NewCallHandler(rt.svc.Tracker)
		r.Route("/calls", func(r chi.Router) {
			r.With(need(middleware.PermCallsWrite)).Post("/", callH.Start)
			r.With(need(middleware.PermCallsRead)).Get("/", callH.List)
			r.With(need(middleware.PermCallsRead)).Get("/{id}", callH.Get)
			r.With(need(middleware.PermCallsWrite)).Post("/{id}/success", callH.Success)
			r.With(need(middleware.PermCallsWrite)).Post("/{id}/failure", callH.Failure)
		})
	})

	return r
}
