package dto

import (
	"time"

	"github.com/komuji/ticketing/internal/domain"
)

// CheckInRequest is one QR scan at the door
type CheckInRequest struct {
	Token   string `json:"token"`
	StaffID string `json:"staff_id"`
	// EventID scopes the scan to one event when set
	EventID string `json:"event_id,omitempty"`
}

// CheckInResponse represents a recorded check-in
type CheckInResponse struct {
	RegistrationID string    `json:"registration_id"`
	EventID        string    `json:"event_id"`
	CheckedInAt    time.Time `json:"checked_in_at"`
	CheckedInBy    string    `json:"checked_in_by"`
}

// FromCheckIn converts a domain check-in
func FromCheckIn(ci *domain.CheckIn) *CheckInResponse {
	return &CheckInResponse{
		RegistrationID: ci.RegistrationID,
		EventID:        ci.EventID,
		CheckedInAt:    ci.CheckedInAt,
		CheckedInBy:    ci.CheckedInBy,
	}
}
