package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/unrolled/secure"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Identity headers set by the edge gateway after authentication. The engine
// trusts them; it performs no authentication of its own.
const (
	HeaderUserID        = "X-User-ID"
	HeaderOrgID         = "X-Org-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger *slog.Logger
	Config *Config
}

// MiddlewareStack installs the Gatehouse middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	identityMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64); err == nil && userID > 0 {
				ctx = shared.ContextWithActor(ctx, userID)
			}
			if orgID, err := strconv.ParseInt(r.Header.Get(HeaderOrgID), 10, 64); err == nil && orgID > 0 {
				ctx = shared.ContextWithTenant(ctx, orgID)
			}
			correlationID := r.Header.Get(HeaderCorrelationID)
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			ctx = shared.ContextWithCorrelationID(ctx, correlationID)
			w.Header().Set(HeaderCorrelationID, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	return []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		identityMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
	}
}

// MutationRateLimiter throttles role and assignment writes per client IP.
// Read paths (checks) are exempt; they must stay fast under load.
func MutationRateLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
}
