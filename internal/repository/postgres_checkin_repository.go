package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// errNoCheckIn is internal; callers see AlreadyCheckedInError or nil
var errNoCheckIn = errors.New("no check-in recorded")

// PostgresCheckInRepository implements CheckInRepository using PostgreSQL.
// The primary key on registration_id makes the insert the single point of
// truth for "first scan wins".
type PostgresCheckInRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckInRepository creates a new PostgresCheckInRepository
func NewPostgresCheckInRepository(pool *pgxpool.Pool) *PostgresCheckInRepository {
	return &PostgresCheckInRepository{pool: pool}
}

// Create records the check-in, or reports the one that won
func (r *PostgresCheckInRepository) Create(ctx context.Context, ci *domain.CheckIn) (*domain.CheckIn, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.create")
	defer span.End()

	span.SetAttributes(
		telemetry.RegistrationIDKey.String(ci.RegistrationID),
		attribute.String("event_id", ci.EventID),
	)

	stored, err := scanCheckIn(conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO check_ins (registration_id, event_id, checked_in_at, checked_in_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (registration_id) DO NOTHING
		RETURNING registration_id, event_id, checked_in_at, checked_in_by
	`, ci.RegistrationID, ci.EventID, ci.CheckedInAt, ci.CheckedInBy))
	if errors.Is(err, errNoCheckIn) {
		existing, err := r.GetByRegistrationID(ctx, ci.RegistrationID)
		if err == nil && existing == nil {
			// ON CONFLICT saw a row that a read no longer does; only a manual delete does this
			err = domain.Transient("create check-in", errNoCheckIn)
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		span.SetAttributes(attribute.Bool("duplicate", true))
		return nil, &domain.AlreadyCheckedInError{
			RegistrationID: existing.RegistrationID,
			CheckedInAt:    existing.CheckedInAt,
			CheckedInBy:    existing.CheckedInBy,
		}
	}
	if err != nil {
		err = storageErr("create check-in", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return stored, nil
}

// GetByRegistrationID returns the check-in, or nil when none exists
func (r *PostgresCheckInRepository) GetByRegistrationID(ctx context.Context, registrationID string) (*domain.CheckIn, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.get")
	defer span.End()

	ci, err := scanCheckIn(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT registration_id, event_id, checked_in_at, checked_in_by
		FROM check_ins
		WHERE registration_id = $1
	`, registrationID))
	if errors.Is(err, errNoCheckIn) {
		return nil, nil
	}
	if err != nil {
		err = storageErr("get check-in", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return ci, nil
}

func scanCheckIn(row pgx.Row) (*domain.CheckIn, error) {
	ci := &domain.CheckIn{}
	err := row.Scan(&ci.RegistrationID, &ci.EventID, &ci.CheckedInAt, &ci.CheckedInBy)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, errNoCheckIn
	}
	return ci, err
}

var _ CheckInRepository = (*PostgresCheckInRepository)(nil)
