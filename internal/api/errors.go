package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tOgg1/parley/internal/models"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error  string                   `json:"error"`
	Code   string                   `json:"code"`
	Fields []models.ValidationError `json:"fields,omitempty"`
}

// classify maps an error to an HTTP status and a stable code. Order
// matters: wrapped kinds are checked from most to least specific.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message"
	case errors.Is(err, models.ErrResolutionFailed):
		return http.StatusUnprocessableEntity, "resolution_failed"
	case errors.Is(err, models.ErrThreadNotFound):
		return http.StatusNotFound, "thread_not_found"
	case errors.Is(err, models.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrThreadResolved):
		return http.StatusConflict, "thread_resolved"
	case errors.Is(err, models.ErrNotSupportThread):
		return http.StatusConflict, "not_support_thread"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrTransitionConflict):
		return http.StatusConflict, "transition_conflict"
	case errors.Is(err, models.ErrOutcomeUnknown):
		return http.StatusServiceUnavailable, "outcome_unknown"
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	var verrs *models.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "validation_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func abortWithError(c *gin.Context, err error) {
	status, code := classify(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	var verrs *models.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Fields = verrs.Errors
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func abortWithStatus(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Code: code})
}
