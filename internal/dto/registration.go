package dto

import (
	"time"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/service"
)

// IssueRequest represents a request to register for a ticket category
type IssueRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Participant converts the request to the domain participant
func (r *IssueRequest) Participant() domain.Participant {
	return domain.Participant{Name: r.Name, Email: r.Email}
}

// ConfirmPaymentRequest is the payment webhook body
type ConfirmPaymentRequest struct {
	Status     string `json:"status" binding:"required"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

// PaymentResult converts the request to the service payment result
func (r *ConfirmPaymentRequest) PaymentResult() service.PaymentResult {
	return service.PaymentResult{
		Status:    domain.PaymentStatus(r.Status),
		Reference: r.PaymentRef,
	}
}

// RegistrationResponse represents a registration in API responses
type RegistrationResponse struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	TicketCategoryID string     `json:"ticket_category_id"`
	RegistrationCode string     `json:"registration_code"`
	ParticipantName  string     `json:"participant_name"`
	ParticipantEmail string     `json:"participant_email"`
	Status           string     `json:"status"`
	PaymentStatus    string     `json:"payment_status"`
	PaymentRef       string     `json:"payment_ref,omitempty"`
	StatusReason     string     `json:"status_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// TokenResponse is a signed check-in token
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueResponse is a registration plus its token once confirmed
type IssueResponse struct {
	Registration *RegistrationResponse `json:"registration"`
	Token        *TokenResponse        `json:"token,omitempty"`
}

// AvailabilityResponse represents the display counters of a category
type AvailabilityResponse struct {
	CategoryID string `json:"category_id"`
	Quota      int    `json:"quota"`
	Sold       int    `json:"sold"`
	Available  int    `json:"available"`
	Active     bool   `json:"active"`
}

// FromRegistration converts a domain registration
func FromRegistration(r *domain.Registration) *RegistrationResponse {
	return &RegistrationResponse{
		ID:               r.ID,
		EventID:          r.EventID,
		TicketCategoryID: r.TicketCategoryID,
		RegistrationCode: r.RegistrationCode,
		ParticipantName:  r.ParticipantName,
		ParticipantEmail: r.ParticipantEmail,
		Status:           string(r.Status),
		PaymentStatus:    string(r.PaymentStatus),
		PaymentRef:       r.PaymentRef,
		StatusReason:     r.StatusReason,
		CreatedAt:        r.CreatedAt,
		ConfirmedAt:      r.ConfirmedAt,
		CancelledAt:      r.CancelledAt,
	}
}

// FromToken converts a stored token; nil stays nil
func FromToken(t *domain.CheckInToken) *TokenResponse {
	if t == nil {
		return nil
	}
	return &TokenResponse{
		Token:     t.Token,
		TokenID:   t.TokenID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

// FromIssueResult converts an issue or payment result
func FromIssueResult(r *service.IssueResult) *IssueResponse {
	return &IssueResponse{
		Registration: FromRegistration(r.Registration),
		Token:        FromToken(r.Token),
	}
}

// FromAvailability converts ledger counters
func FromAvailability(a *domain.Availability) *AvailabilityResponse {
	return &AvailabilityResponse{
		CategoryID: a.CategoryID,
		Quota:      a.Quota,
		Sold:       a.Sold,
		Available:  a.Available,
		Active:     a.Active,
	}
}
