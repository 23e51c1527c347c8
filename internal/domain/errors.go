package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	// Ledger / issuer outcomes
	ErrSoldOut          = errors.New("sold out")
	ErrCategoryInactive = errors.New("ticket category is inactive")
	ErrCategoryNotFound = errors.New("ticket category not found")
	ErrValidation       = errors.New("validation failed")
	ErrEventNotFound    = errors.New("event not found")

	// Reservation handle errors
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationFinalized = errors.New("reservation already confirmed")
	ErrReservationReleased  = errors.New("reservation already released")

	// Registration errors
	ErrRegistrationNotFound  = errors.New("registration not found")
	ErrRegistrationCancelled = errors.New("registration is cancelled")
	ErrDuplicateCode         = errors.New("registration code already exists")
	ErrCodeSpaceExhausted    = errors.New("could not allocate a unique registration code")

	// Verifier outcomes
	ErrInvalidSignature = errors.New("invalid ticket signature")
	ErrTokenExpired     = errors.New("ticket has expired")
	ErrNotConfirmed     = errors.New("registration is not confirmed")
	ErrAlreadyCheckedIn = errors.New("already checked in")
	ErrTokenRevoked     = errors.New("ticket has been reissued")
	ErrEventMismatch    = errors.New("ticket is for a different event")
	ErrTokenNotFound    = errors.New("check-in token not found")

	// ErrTransientStorage marks failures the caller may retry with backoff
	ErrTransientStorage = errors.New("transient storage error")
)

// AlreadyCheckedInError carries the first check-in for staff display
type AlreadyCheckedInError struct {
	RegistrationID string
	CheckedInAt    time.Time
	CheckedInBy    string
}

func (e *AlreadyCheckedInError) Error() string {
	return fmt.Sprintf("already checked in at %s by %s", e.CheckedInAt.UTC().Format(time.RFC3339), e.CheckedInBy)
}

// Is lets errors.Is(err, ErrAlreadyCheckedIn) match
func (e *AlreadyCheckedInError) Is(target error) bool {
	return target == ErrAlreadyCheckedIn
}

// ValidationError names the offending field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Transient wraps err so callers can detect it with IsTransient
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrCategoryNotFound) ||
		errors.Is(err, ErrRegistrationNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrTokenNotFound)
}

// IsConflictError checks if the error is a state conflict
func IsConflictError(err error) bool {
	return errors.Is(err, ErrReservationFinalized) ||
		errors.Is(err, ErrReservationReleased) ||
		errors.Is(err, ErrRegistrationCancelled) ||
		errors.Is(err, ErrNotConfirmed) ||
		errors.Is(err, ErrCategoryInactive)
}

// IsBusinessOutcome reports expected outcomes that are logged at info and never retried
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrSoldOut) || errors.Is(err, ErrAlreadyCheckedIn)
}

// IsFraudSignal reports rejections that may indicate a forged or replayed ticket
func IsFraudSignal(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrEventMismatch)
}

// IsTransient checks if the error may succeed on retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
