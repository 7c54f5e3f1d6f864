package authz

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler exposes the check API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers check routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.handleCheck)
	r.Post("/check/batch", h.handleCheckBatch)
	r.Get("/users/{userID}/permissions", h.handleEffectivePermissions)
}

type checkRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	Resource string `json:"resource" validate:"required,max=50"`
	Action   string `json:"action" validate:"required,max=50"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	orgID := shared.TenantFromContext(r.Context())
	allowed, err := h.service.HasPermission(r.Context(), req.UserID, orgID, req.Resource, req.Action)
	if err != nil {
		h.logger.Error("authz: check", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

type batchCheckRequest struct {
	UserID   int64               `json:"user_id" validate:"required,gt=0"`
	Requests []PermissionRequest `json:"requests" validate:"required,min=1,max=100,dive"`
}

type batchCheckResponse struct {
	Results []bool `json:"results"`
}

func (h *Handler) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	orgID := shared.TenantFromContext(r.Context())
	results, err := h.service.CheckPermissions(r.Context(), req.UserID, orgID, req.Requests)
	if err != nil {
		h.logger.Error("authz: batch check", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batchCheckResponse{Results: results})
}

func (h *Handler) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User", "user id must be a positive integer")
		return
	}
	orgID := shared.TenantFromContext(r.Context())
	keys, err := h.service.EffectivePermissions(r.Context(), userID, orgID)
	if err != nil {
		h.logger.Error("authz: effective permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": keys})
}
