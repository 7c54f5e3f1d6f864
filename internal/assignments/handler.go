package assignments

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler wires HTTP endpoints for role assignments.
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

// MountRoutes registers assignment routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleAssign)
	r.Get("/users/{userID}", h.handleListForUser)
	r.Put("/users/{userID}/roles/{roleID}/expiry", h.handleExtend)
	r.Delete("/users/{userID}/roles/{roleID}", h.handleRemove)
}

type assignmentResponse struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	OrgID      int64      `json:"organization_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy int64      `json:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func toAssignmentResponse(a Assignment) assignmentResponse {
	return assignmentResponse{
		ID:         a.ID,
		UserID:     a.UserID,
		RoleID:     a.RoleID,
		OrgID:      a.OrgID,
		AssignedAt: a.AssignedAt,
		AssignedBy: a.AssignedBy,
		ExpiresAt:  a.ExpiresAt,
	}
}

type assignRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ctx := r.Context()
	assignment, err := h.service.Assign(ctx, AssignInput{
		UserID:     req.UserID,
		RoleID:     req.RoleID,
		OrgID:      shared.TenantFromContext(ctx),
		AssignedBy: shared.ActorFromContext(ctx),
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("assignments: assign", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(assignment))
}

func (h *Handler) handleListForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID", "user")
	if !ok {
		return
	}
	list, err := h.service.ListActive(r.Context(), userID, shared.TenantFromContext(r.Context()))
	if err != nil {
		h.logger.Error("assignments: list for user", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]assignmentResponse, len(list))
	for i, a := range list {
		out[i] = toAssignmentResponse(a)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": out})
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID", "user")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID", "role")
	if !ok {
		return
	}
	var req extendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assignment, err := h.service.Extend(r.Context(), userID, roleID, shared.TenantFromContext(r.Context()), req.ExpiresAt)
	if err != nil {
		h.logger.Error("assignments: extend", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID", "user")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID", "role")
	if !ok {
		return
	}
	ctx := r.Context()
	reason := r.URL.Query().Get("reason")
	err := h.service.Remove(ctx, userID, roleID, shared.TenantFromContext(ctx), shared.ActorFromContext(ctx), reason)
	if err != nil {
		h.logger.Error("assignments: remove", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, param, label string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", label+" id must be a positive integer")
		return 0, false
	}
	return id, true
}
