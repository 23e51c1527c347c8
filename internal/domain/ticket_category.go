package domain

import "time"

// Event is the read-only view of an event owned by the CRUD platform
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// TicketCategory is a priced, quota-limited class of ticket for one event
type TicketCategory struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"` // smallest currency unit
	Quota     int       `json:"quota"`
	Sold      int       `json:"sold"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFree reports whether registrations confirm without payment
func (c *TicketCategory) IsFree() bool {
	return c.Price == 0
}

// Available returns the number of units left
func (c *TicketCategory) Available() int {
	if c.Sold >= c.Quota {
		return 0
	}
	return c.Quota - c.Sold
}

// HandleState is the lifecycle of a reservation handle
type HandleState string

const (
	HandleHeld      HandleState = "held"
	HandleConfirmed HandleState = "confirmed"
	HandleReleased  HandleState = "released"
)

// IsValid checks if the state is a known HandleState
func (s HandleState) IsValid() bool {
	switch s {
	case HandleHeld, HandleConfirmed, HandleReleased:
		return true
	}
	return false
}

// String returns the string representation of HandleState
func (s HandleState) String() string {
	return string(s)
}

// ReservationHandle is one provisionally held inventory unit
type ReservationHandle struct {
	ID          string      `json:"id"`
	CategoryID  string      `json:"category_id"`
	State       HandleState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	FinalizedAt *time.Time  `json:"finalized_at,omitempty"`
}

// Availability is the display view of a category's counters
type Availability struct {
	CategoryID string `json:"category_id"`
	Quota      int    `json:"quota"`
	Sold       int    `json:"sold"`
	Available  int    `json:"available"`
	Active     bool   `json:"active"`
}

// NewAvailability builds the display view from raw counters
func NewAvailability(categoryID string, quota, sold int, active bool) *Availability {
	available := quota - sold
	if available < 0 {
		available = 0
	}
	return &Availability{
		CategoryID: categoryID,
		Quota:      quota,
		Sold:       sold,
		Available:  available,
		Active:     active,
	}
}
