package httpx

import (
	"errors"
	"net/http"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// RespondError maps engine errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrDuplicateName):
		Problem(w, http.StatusConflict, "Duplicate Role Name", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.Is(err, shared.ErrRoleLimitExceeded):
		Problem(w, http.StatusUnprocessableEntity, "Role Limit Exceeded", err.Error())
	case errors.Is(err, shared.ErrImmutableRole):
		Problem(w, http.StatusUnprocessableEntity, "Immutable Role", err.Error())
	case errors.Is(err, shared.ErrUnknownPermission):
		Problem(w, http.StatusUnprocessableEntity, "Unknown Permission", err.Error())
	case errors.Is(err, shared.ErrNotAssigned):
		Problem(w, http.StatusUnprocessableEntity, "Not Assigned", err.Error())
	case errors.Is(err, shared.ErrAccessDenied):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrTimeout):
		Problem(w, http.StatusGatewayTimeout, "Timeout", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
