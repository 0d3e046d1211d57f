package httpapi

import (
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/goclaw-core/internal/boundary"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
)

// writeDomainError maps a kinded error from relay/mesh/pulse/session/
// boundary onto the status codes spec.md §7 names, falling back to 422 for
// anything unrecognized. It is the single seam every route handler funnels
// unexpected errors through.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalidSubject *relay.InvalidSubjectError
		accessDenied   *relay.AccessDeniedError
		epNotFound     *relay.EndpointNotFoundError
		boundaryErr    *boundary.Error
	)

	switch {
	case errors.As(err, &invalidSubject):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.As(err, &accessDenied):
		writeError(w, http.StatusForbidden, err.Error(), "ACCESS_DENIED")
	case errors.As(err, &epNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.As(err, &boundaryErr):
		writeError(w, http.StatusForbidden, err.Error(), string(boundaryErr.Code))
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error(), "")
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
	}
}
