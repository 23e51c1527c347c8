package domain

import "time"

// RegistrationEventType names an outbound registration event
type RegistrationEventType string

const (
	RegistrationEventConfirmed RegistrationEventType = "registration.confirmed"
	RegistrationEventCancelled RegistrationEventType = "registration.cancelled"
	// RegistrationEventTokenReissued carries a replacement ticket; the old QR no longer scans
	RegistrationEventTokenReissued RegistrationEventType = "registration.token_reissued"
)

// RegistrationEvent is published for downstream consumers such as the email
// service, which renders the ticket and embeds the token's QR image
type RegistrationEvent struct {
	EventID          string                `json:"event_id"`
	EventType        RegistrationEventType `json:"event_type"`
	OccurredAt       time.Time             `json:"occurred_at"`
	RegistrationID   string                `json:"registration_id"`
	EventRef         string                `json:"event"`
	TicketCategoryID string                `json:"ticket_category_id"`
	RegistrationCode string                `json:"registration_code"`
	ParticipantName  string                `json:"participant_name"`
	ParticipantEmail string                `json:"participant_email"`
	Status           RegistrationStatus    `json:"status"`
	PaymentStatus    PaymentStatus         `json:"payment_status"`
	StatusReason     string                `json:"status_reason,omitempty"`
	Token            string                `json:"token,omitempty"`
	TokenExpiresAt   *time.Time            `json:"token_expires_at,omitempty"`
}

// NewRegistrationEvent builds an event; token may be nil
func NewRegistrationEvent(eventType RegistrationEventType, eventID string, reg *Registration, token *CheckInToken, now time.Time) *RegistrationEvent {
	ev := &RegistrationEvent{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       now,
		RegistrationID:   reg.ID,
		EventRef:         reg.EventID,
		TicketCategoryID: reg.TicketCategoryID,
		RegistrationCode: reg.RegistrationCode,
		ParticipantName:  reg.ParticipantName,
		ParticipantEmail: reg.ParticipantEmail,
		Status:           reg.Status,
		PaymentStatus:    reg.PaymentStatus,
		StatusReason:     reg.StatusReason,
	}
	if token != nil {
		ev.Token = token.Token
		exp := token.ExpiresAt
		ev.TokenExpiresAt = &exp
	}
	return ev
}

// Key is the partition key so one registration's events stay ordered
func (e *RegistrationEvent) Key() string {
	return e.RegistrationID
}
