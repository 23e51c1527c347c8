package repository

import (
	"context"
	"time"

	"github.com/komuji/ticketing/internal/domain"
)

// LedgerRepository owns the sold counter of every ticket category. Reserve is
// a single atomic check-and-increment; no other code path writes the counter.
type LedgerRepository interface {
	// Reserve takes one unit or fails with ErrSoldOut, ErrCategoryInactive or
	// ErrCategoryNotFound
	Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error)
	// Release returns a held unit; releasing twice is a no-op, releasing a
	// confirmed handle fails with ErrReservationFinalized
	Release(ctx context.Context, handleID string) error
	// Confirm finalizes a held unit; confirming twice is a no-op, confirming a
	// released handle fails with ErrReservationReleased
	Confirm(ctx context.Context, handleID string) error
	// Availability returns the category counters for display
	Availability(ctx context.Context, categoryID string) (*domain.Availability, error)
	// Backend names the implementation for metrics and logs
	Backend() string
}

// CategorySeeder is implemented by ledgers that keep counters outside Postgres
type CategorySeeder interface {
	// SeedCategory creates the counter if absent; an existing counter is kept
	SeedCategory(ctx context.Context, category *domain.TicketCategory, sold int) (bool, error)
}

// EventRepository reads events
type EventRepository interface {
	Create(ctx context.Context, event *domain.Event) error
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

// CategoryRepository reads ticket category metadata
type CategoryRepository interface {
	Create(ctx context.Context, category *domain.TicketCategory) error
	GetByID(ctx context.Context, id string) (*domain.TicketCategory, error)
}

// StaleCursor is the position of the last row of a ListStale page
type StaleCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues after reg
func CursorAfter(reg *domain.Registration) *StaleCursor {
	return &StaleCursor{CreatedAt: reg.CreatedAt, ID: reg.ID}
}

// RegistrationRepository persists registrations
type RegistrationRepository interface {
	// Create fails with ErrDuplicateCode when the registration code is taken
	Create(ctx context.Context, reg *domain.Registration) error
	GetByID(ctx context.Context, id string) (*domain.Registration, error)
	// MarkConfirmed moves reserved to confirmed; already confirmed returns the
	// stored row, cancelled fails with ErrRegistrationCancelled
	MarkConfirmed(ctx context.Context, id string, payment domain.PaymentStatus, paymentRef string, at time.Time) (*domain.Registration, error)
	// MarkCancelled moves reserved to cancelled; already cancelled returns the
	// stored row, confirmed fails with ErrReservationFinalized
	MarkCancelled(ctx context.Context, id string, payment domain.PaymentStatus, reason string, at time.Time) (*domain.Registration, error)
	// ListStale returns reserved registrations created before cutoff, ordered by
	// (created_at, id) and starting after the cursor when one is given
	ListStale(ctx context.Context, cutoff time.Time, after *StaleCursor, limit int) ([]*domain.Registration, error)
	// CountActive counts reserved and confirmed registrations of a category
	CountActive(ctx context.Context, categoryID string) (int, error)
}

// TokenRepository stores the single current token per registration
type TokenRepository interface {
	// CreateIfAbsent stores tok unless one exists and returns the stored token
	CreateIfAbsent(ctx context.Context, tok *domain.CheckInToken) (*domain.CheckInToken, error)
	// Replace overwrites the stored token, revoking the previous one
	Replace(ctx context.Context, tok *domain.CheckInToken) error
	GetByRegistrationID(ctx context.Context, registrationID string) (*domain.CheckInToken, error)
}

// CheckInRepository records attendance exactly once per registration
type CheckInRepository interface {
	// Create inserts the check-in or returns *domain.AlreadyCheckedInError
	Create(ctx context.Context, ci *domain.CheckIn) (*domain.CheckIn, error)
	GetByRegistrationID(ctx context.Context, registrationID string) (*domain.CheckIn, error)
}
