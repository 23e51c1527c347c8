package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/response"
)

// retryAfter is what a 503 asks the client to wait
const retryAfter = time.Second

// handleError maps domain errors to HTTP responses. Every outcome keeps its own
// code so clients never see a generic failure for a business result.
func handleError(c *gin.Context, err error) {
	var (
		verr    *domain.ValidationError
		already *domain.AlreadyCheckedInError
	)

	switch {
	case errors.As(err, &verr):
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), verr.Field)

	// Issuer
	case errors.Is(err, domain.ErrSoldOut):
		response.Error(c, http.StatusConflict, "SOLD_OUT", "Sold out", "")
	case errors.Is(err, domain.ErrCategoryInactive):
		response.Error(c, http.StatusConflict, "CATEGORY_INACTIVE", "Ticket category is not on sale", "")
	case errors.Is(err, domain.ErrCategoryNotFound):
		response.Error(c, http.StatusNotFound, "CATEGORY_NOT_FOUND", "Ticket category not found", "")
	case errors.Is(err, domain.ErrRegistrationNotFound):
		response.Error(c, http.StatusNotFound, "REGISTRATION_NOT_FOUND", "Registration not found", "")
	case errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrReservationNotFound):
		response.NotFound(c, err.Error())

	// Payment
	case errors.Is(err, domain.ErrRegistrationCancelled):
		response.Error(c, http.StatusConflict, "REGISTRATION_CANCELLED", "Registration is cancelled", "")
	case errors.Is(err, domain.ErrReservationFinalized):
		response.Error(c, http.StatusConflict, "ALREADY_CONFIRMED", "Registration is already confirmed", "")
	case errors.Is(err, domain.ErrReservationReleased):
		response.Error(c, http.StatusConflict, "RESERVATION_RELEASED", "Reservation was released", "")

	// Verifier
	case errors.As(err, &already):
		response.Error(c, http.StatusConflict, "ALREADY_CHECKED_IN", "Already checked in",
			"Already checked in at "+already.CheckedInAt.UTC().Format(time.RFC3339))
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		response.Error(c, http.StatusConflict, "ALREADY_CHECKED_IN", "Already checked in", "")
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrTokenRevoked):
		response.Error(c, http.StatusUnauthorized, "INVALID_TICKET", "Invalid ticket", "")
	case errors.Is(err, domain.ErrEventMismatch):
		response.Error(c, http.StatusForbidden, "INVALID_TICKET", "Ticket is for a different event", "")
	case errors.Is(err, domain.ErrTokenExpired):
		response.Error(c, http.StatusGone, "TICKET_EXPIRED", "Ticket has expired", "")
	case errors.Is(err, domain.ErrNotConfirmed):
		response.Error(c, http.StatusConflict, "NOT_CONFIRMED", "Registration is not confirmed", "")

	case domain.IsTransient(err), errors.Is(err, domain.ErrCodeSpaceExhausted):
		response.ServiceUnavailable(c, "Temporarily unavailable, please retry", retryAfter)
	default:
		response.InternalError(c)
	}
}
