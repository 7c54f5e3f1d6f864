package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
)

// Handler exposes the read-only permission catalog.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/resources", h.handleResources)
	r.Get("/resources/{resource}/actions", h.handleActions)
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("catalog: list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]permissionResponse, len(perms))
	for i, p := range perms {
		out[i] = permissionResponse{
			ID:          p.ID,
			Resource:    p.Resource,
			Action:      p.Action,
			Key:         p.Key(),
			Description: p.Description,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.ListResources(r.Context())
	if err != nil {
		h.logger.Error("catalog: list resources", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	actions, err := h.service.ListActions(r.Context(), resource)
	if err != nil {
		h.logger.Error("catalog: list actions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": actions})
}
