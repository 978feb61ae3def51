package authzhttp

import (
	"errors"
	"net/http"

	"github.com/dapforge/authcore/internal/authz"
	"github.com/dapforge/authcore/internal/platform/httpx"
)

// respondError maps authorization domain errors to problem responses.
// Structural rejections (cycles, referential integrity) surface as 409
// so callers can distinguish them from validation noise.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrUserNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, authz.ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, authz.ErrCircularInheritance),
		errors.Is(err, authz.ErrCircularParenting),
		errors.Is(err, authz.ErrRoleInUse),
		errors.Is(err, authz.ErrGroupHasChildren),
		errors.Is(err, authz.ErrGroupHasAssignedUsers),
		errors.Is(err, authz.ErrCrossOrganization):
		httpx.Problem(w, http.StatusConflict, "Rejected Mutation", err.Error())
	case errors.Is(err, authz.ErrInvalidRule):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Rule", err.Error())
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
