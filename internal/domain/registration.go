package domain

import (
	"strings"
	"time"
)

// RegistrationStatus represents the status of a registration
type RegistrationStatus string

const (
	RegistrationReserved  RegistrationStatus = "reserved"
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// IsValid checks if the status is a valid RegistrationStatus
func (s RegistrationStatus) IsValid() bool {
	switch s {
	case RegistrationReserved, RegistrationConfirmed, RegistrationCancelled:
		return true
	}
	return false
}

// String returns the string representation of RegistrationStatus
func (s RegistrationStatus) String() string {
	return string(s)
}

// PaymentStatus represents the payment state of a registration
type PaymentStatus string

const (
	PaymentFree    PaymentStatus = "free"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// IsValid checks if the status is a valid PaymentStatus
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentFree, PaymentPending, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// Cancellation reasons
const (
	ReasonPaymentFailed      = "payment failed"
	ReasonReservationExpired = "reservation expired"
)

// Participant is the attendee a registration is issued to
type Participant struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=254"`
}

// Normalize trims whitespace and lower-cases the email
func (p Participant) Normalize() Participant {
	return Participant{
		Name:  strings.TrimSpace(p.Name),
		Email: strings.ToLower(strings.TrimSpace(p.Email)),
	}
}

// Registration is one participant's ticket for a category
type Registration struct {
	ID               string             `json:"id"`
	EventID          string             `json:"event_id"`
	TicketCategoryID string             `json:"ticket_category_id"`
	ReservationID    string             `json:"reservation_id"`
	RegistrationCode string             `json:"registration_code"`
	ParticipantName  string             `json:"participant_name"`
	ParticipantEmail string             `json:"participant_email"`
	Status           RegistrationStatus `json:"status"`
	PaymentStatus    PaymentStatus      `json:"payment_status"`
	PaymentRef       string             `json:"payment_ref,omitempty"`
	StatusReason     string             `json:"status_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ConfirmedAt      *time.Time         `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time         `json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// IsReserved checks if the registration still holds an unconfirmed unit
func (r *Registration) IsReserved() bool {
	return r.Status == RegistrationReserved
}

// IsConfirmed checks if the registration is confirmed
func (r *Registration) IsConfirmed() bool {
	return r.Status == RegistrationConfirmed
}

// IsCancelled checks if the registration is cancelled
func (r *Registration) IsCancelled() bool {
	return r.Status == RegistrationCancelled
}

// IsStale reports a registration still holding an unconfirmed unit past maxAge.
// Free registrations only get here when confirmation was interrupted.
func (r *Registration) IsStale(now time.Time, maxAge time.Duration) bool {
	return r.IsReserved() && now.Sub(r.CreatedAt) > maxAge
}

// Confirm marks the registration confirmed with the given payment outcome
func (r *Registration) Confirm(payment PaymentStatus, ref string, now time.Time) error {
	switch r.Status {
	case RegistrationConfirmed:
		return nil
	case RegistrationCancelled:
		return ErrRegistrationCancelled
	}
	r.Status = RegistrationConfirmed
	r.PaymentStatus = payment
	if ref != "" {
		r.PaymentRef = ref
	}
	r.ConfirmedAt = &now
	r.UpdatedAt = now
	return nil
}

// Cancel marks the registration cancelled
func (r *Registration) Cancel(payment PaymentStatus, reason string, now time.Time) error {
	switch r.Status {
	case RegistrationCancelled:
		return nil
	case RegistrationConfirmed:
		return ErrReservationFinalized
	}
	r.Status = RegistrationCancelled
	r.PaymentStatus = payment
	r.StatusReason = reason
	r.CancelledAt = &now
	r.UpdatedAt = now
	return nil
}

// CheckInToken is the stored signed credential for a registration
type CheckInToken struct {
	RegistrationID string    `json:"registration_id"`
	TokenID        string    `json:"token_id"`
	Token          string    `json:"token"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CheckIn records attendance; at most one per registration
type CheckIn struct {
	RegistrationID string    `json:"registration_id"`
	EventID        string    `json:"event_id"`
	CheckedInAt    time.Time `json:"checked_in_at"`
	CheckedInBy    string    `json:"checked_in_by"`
}
