package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-io/gatehouse/internal/assignments"
	"github.com/gatehouse-io/gatehouse/internal/authz"
	"github.com/gatehouse-io/gatehouse/internal/catalog"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/roles"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	AuthzHandler       *authz.Handler
	RolesHandler       *roles.Handler
	AssignmentsHandler *assignments.Handler
	CatalogHandler     *catalog.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Gatehouse defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Checks run under their own deadline so a slow store round-trip fails
	// the request instead of hanging the caller.
	if params.AuthzHandler != nil {
		r.Route("/authz", func(r chi.Router) {
			if params.Config != nil && params.Config.CheckTimeout > 0 {
				r.Use(chimw.Timeout(params.Config.CheckTimeout))
			}
			params.AuthzHandler.MountRoutes(r)
		})
	}
	if params.RolesHandler != nil {
		r.Route("/roles", func(r chi.Router) {
			r.Use(MutationRateLimiter())
			params.RolesHandler.MountRoutes(r)
		})
	}
	if params.AssignmentsHandler != nil {
		r.Route("/assignments", func(r chi.Router) {
			r.Use(MutationRateLimiter())
			params.AssignmentsHandler.MountRoutes(r)
		})
	}
	if params.CatalogHandler != nil {
		r.Route("/permissions", func(r chi.Router) {
			params.CatalogHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
