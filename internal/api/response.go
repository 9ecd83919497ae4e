package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"schedsync/internal/appointments"
	"schedsync/internal/availability"
	"schedsync/internal/logging"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/store"
	"schedsync/internal/syncer"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeSlotUnavailable   = "SLOT_UNAVAILABLE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNoSlotFound       = "NO_SLOT_FOUND"
	CodeReauthRequired    = "REAUTH_REQUIRED"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	// Code is stable and meant for programmatic handling.
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	// Conflicts lists the busy intervals that blocked a booking.
	Conflicts []models.TimeSlot `json:"conflicts,omitempty"`
}

func badRequest(c *gin.Context, message string, err error) {
	resp := ErrorResponse{Code: CodeValidation, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	if conflicts, ok := appointments.IsConflict(err); ok {
		c.JSON(http.StatusConflict, ErrorResponse{
			Code:      CodeSlotUnavailable,
			Message:   "The requested time is not available",
			Conflicts: conflicts,
		})
		return
	}

	status, code, message := http.StatusInternalServerError, CodeInternal, "Internal error"
	switch {
	case errors.Is(err, appointments.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status, code, message = http.StatusNotFound, CodeNotFound, "Not found"
	case errors.Is(err, appointments.ErrInvalidRequest), errors.Is(err, availability.ErrInvalidRange):
		status, code, message = http.StatusBadRequest, CodeValidation, "Invalid request"
	case errors.Is(err, appointments.ErrInvalidTransition):
		status, code, message = http.StatusConflict, CodeInvalidTransition, "The appointment cannot change to that status"
	case errors.Is(err, availability.ErrNoSlotFound):
		status, code, message = http.StatusNotFound, CodeNoSlotFound, "No available slot in the search range"
	case errors.Is(err, provider.ErrReauthRequired), errors.Is(err, syncer.ErrInactive):
		status, code, message = http.StatusConflict, CodeReauthRequired, "The integration must be reconnected"
	case errors.Is(err, provider.ErrNotSupported):
		status, code, message = http.StatusBadRequest, CodeValidation, "Operation not supported for this provider"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), logging.Err(err))
	}
	c.JSON(status, ErrorResponse{Code: code, Message: message, Details: err.Error()})
}
