package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskrelay/backend/internal/clog"
	"github.com/taskrelay/backend/internal/handlers"
	"github.com/taskrelay/backend/internal/middleware"
)

// Handlers groups the HTTP handlers served under /v1.
type Handlers struct {
	Tasks      *handlers.TaskHandler
	Candidates *handlers.CandidateHandler
	CI         *handlers.CIHandler
}

// New returns the API router. Every /v1 route requires a bearer token; the CI
// callback and candidate writes additionally require a service token.
func New(h Handlers, auth *middleware.TokenAuth, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(clog.RequestLogger(logger, func(r *http.Request) bool { return r.URL.Path == "/healthz" }))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireActor(auth))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.Tasks.CreateTask)
			r.Get("/", h.Tasks.ListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Tasks.GetTask)
				r.Patch("/fields", h.Tasks.SupplyFields)
				r.Post("/match", h.Tasks.RequestMatch)
				r.Post("/select", h.Tasks.SelectCandidate)
				r.Post("/submissions", h.Tasks.Submit)
				r.Post("/cancel", h.Tasks.Cancel)
			})
		})
		r.Get("/report", h.Tasks.Report)

		r.Get("/candidates", h.Candidates.ListCandidates)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleService))
			r.Put("/candidates/{user_id}", h.Candidates.SaveCandidate)
			r.Post("/ci/workflow-run", h.CI.WorkflowRun)
		})
	})

	return r
}
