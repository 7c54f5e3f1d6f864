package authz

import (
	"log/slog"
	"net/http"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Middleware wires permission enforcement for HTTP handlers. Identity is
// established upstream; the actor and tenant ids are read from context.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequirePermission gates a route on one (resource, action) capability.
// Denials return 403; engine failures return 500 and never fall open.
func (m Middleware) RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := shared.ActorFromContext(ctx)
			orgID := shared.TenantFromContext(ctx)
			if userID == 0 || orgID == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			allowed, err := m.Service.HasPermission(ctx, userID, orgID, resource, action)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authz: require permission",
						slog.String("resource", resource),
						slog.String("action", action),
						slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
