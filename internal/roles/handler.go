package roles

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler wires HTTP endpoints for role management.
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
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers role routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/stats", h.handleStats)
	r.Get("/{roleID}", h.handleGet)
	r.Put("/{roleID}/permissions", h.handleUpdatePermissions)
	r.Delete("/{roleID}", h.handleDelete)
}

type roleResponse struct {
	ID            int64   `json:"id"`
	OrgID         int64   `json:"organization_id"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Kind          string  `json:"kind"`
	Active        bool    `json:"active"`
	PermissionIDs []int64 `json:"permission_ids"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:            role.ID,
		OrgID:         role.OrgID,
		Name:          role.Name,
		Description:   role.Description,
		Kind:          string(role.Kind),
		Active:        role.Active,
		PermissionIDs: role.PermissionIDs,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	orgID := shared.TenantFromContext(r.Context())
	list, err := h.service.ListRoles(r.Context(), orgID)
	if err != nil {
		h.logger.Error("roles: list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleResponse, len(list))
	for i, role := range list {
		out[i] = toRoleResponse(role)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type createRoleRequest struct {
	Name          string  `json:"name" validate:"required,max=100"`
	Description   string  `json:"description" validate:"max=500"`
	PermissionIDs []int64 `json:"permission_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), CreateRoleInput{
		OrgID:         shared.TenantFromContext(r.Context()),
		Name:          req.Name,
		Description:   req.Description,
		PermissionIDs: req.PermissionIDs,
	})
	if err != nil {
		h.logger.Error("roles: create", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID, shared.TenantFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type updatePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req updatePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.UpdateRolePermissions(r.Context(), roleID, shared.TenantFromContext(r.Context()), req.PermissionIDs)
	if err != nil {
		h.logger.Error("roles: update permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), roleID, shared.TenantFromContext(r.Context())); err != nil {
		h.logger.Error("roles: delete", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.RoleStats(r.Context(), shared.TenantFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{
		"total":      stats.Total,
		"custom":     stats.Custom,
		"predefined": stats.Predefined,
	})
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role", "role id must be a positive integer")
		return 0, false
	}
	return id, true
}
