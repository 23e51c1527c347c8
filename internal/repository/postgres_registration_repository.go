package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/telemetry"
)

const registrationCodeConstraint = "registrations_code_key"

const registrationColumns = `
	id, event_id, ticket_category_id, reservation_id, registration_code,
	participant_name, participant_email, status, payment_status,
	payment_ref, status_reason, created_at, confirmed_at, cancelled_at, updated_at
`

// PostgresRegistrationRepository implements RegistrationRepository using PostgreSQL
type PostgresRegistrationRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistrationRepository creates a new PostgresRegistrationRepository
func NewPostgresRegistrationRepository(pool *pgxpool.Pool) *PostgresRegistrationRepository {
	return &PostgresRegistrationRepository{pool: pool}
}

// Create inserts a new registration
func (r *PostgresRegistrationRepository) Create(ctx context.Context, reg *domain.Registration) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.create")
	defer span.End()

	span.SetAttributes(
		telemetry.RegistrationIDKey.String(reg.ID),
		telemetry.CategoryIDKey.String(reg.TicketCategoryID),
	)

	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO registrations (
			id, event_id, ticket_category_id, reservation_id, registration_code,
			participant_name, participant_email, status, payment_status,
			payment_ref, status_reason, created_at, confirmed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		reg.ID,
		reg.EventID,
		reg.TicketCategoryID,
		reg.ReservationID,
		reg.RegistrationCode,
		reg.ParticipantName,
		reg.ParticipantEmail,
		reg.Status.String(),
		string(reg.PaymentStatus),
		reg.PaymentRef,
		reg.StatusReason,
		reg.CreatedAt,
		reg.ConfirmedAt,
		reg.UpdatedAt,
	)
	if isUniqueViolation(err, registrationCodeConstraint) {
		span.SetAttributes(attribute.Bool("code_collision", true))
		return domain.ErrDuplicateCode
	}
	if err != nil {
		err = storageErr("create registration", err)
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to create registration: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a registration by its ID
func (r *PostgresRegistrationRepository) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.get_by_id")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	reg, err := scanRegistration(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, domain.ErrRegistrationNotFound) {
			err = storageErr("get registration", err)
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return reg, nil
}

// MarkConfirmed transitions reserved to confirmed
func (r *PostgresRegistrationRepository) MarkConfirmed(ctx context.Context, id string, payment domain.PaymentStatus, paymentRef string, at time.Time) (*domain.Registration, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.mark_confirmed")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	reg, err := scanRegistration(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE registrations
		SET status = 'confirmed',
			payment_status = $2,
			payment_ref = COALESCE(NULLIF($3::text, ''), payment_ref),
			confirmed_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'reserved'
		RETURNING `+registrationColumns, id, string(payment), paymentRef, at))
	if errors.Is(err, domain.ErrRegistrationNotFound) {
		return r.settled(ctx, span, id, domain.RegistrationConfirmed)
	}
	if err != nil {
		err = storageErr("confirm registration", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return reg, nil
}

// MarkCancelled transitions reserved to cancelled
func (r *PostgresRegistrationRepository) MarkCancelled(ctx context.Context, id string, payment domain.PaymentStatus, reason string, at time.Time) (*domain.Registration, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.mark_cancelled")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	reg, err := scanRegistration(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE registrations
		SET status = 'cancelled',
			payment_status = $2,
			status_reason = $3,
			cancelled_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'reserved'
		RETURNING `+registrationColumns, id, string(payment), reason, at))
	if errors.Is(err, domain.ErrRegistrationNotFound) {
		return r.settled(ctx, span, id, domain.RegistrationCancelled)
	}
	if err != nil {
		err = storageErr("cancel registration", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return reg, nil
}

// settled resolves a conditional update that matched nothing: either the row
// is missing, already in the wanted state, or in the opposite terminal state
func (r *PostgresRegistrationRepository) settled(ctx context.Context, span trace.Span, id string, want domain.RegistrationStatus) (*domain.Registration, error) {
	reg, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case reg.Status == want:
		span.SetAttributes(attribute.Bool("noop", true))
		return reg, nil
	case want == domain.RegistrationConfirmed:
		return nil, domain.ErrRegistrationCancelled
	default:
		return nil, domain.ErrReservationFinalized
	}
}

// ListStale returns reserved registrations created before cutoff, oldest
// first, keyset-paged on (created_at, id)
func (r *PostgresRegistrationRepository) ListStale(ctx context.Context, cutoff time.Time, after *StaleCursor, limit int) ([]*domain.Registration, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.list_stale")
	defer span.End()

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.Bool("has_cursor", after != nil),
	)

	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE status = 'reserved' AND created_at < $1`
	args := []any{cutoff}
	if after != nil {
		query += ` AND (created_at, id) > ($2, $3::uuid)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at, id
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		err = storageErr("list stale registrations", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer rows.Close()

	var regs []*domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		err = storageErr("list stale registrations", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(regs)))
	span.SetStatus(codes.Ok, "")
	return regs, nil
}

// CountActive counts registrations still holding a unit
func (r *PostgresRegistrationRepository) CountActive(ctx context.Context, categoryID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.count_active")
	defer span.End()

	var n int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM registrations
		WHERE ticket_category_id = $1 AND status IN ('reserved', 'confirmed')
	`, categoryID).Scan(&n)
	if err != nil {
		err = storageErr("count registrations", err)
		telemetry.RecordError(span, err)
		return 0, err
	}

	span.SetStatus(codes.Ok, "")
	return n, nil
}

func scanRegistration(row pgx.Row) (*domain.Registration, error) {
	reg := &domain.Registration{}
	var status, payment string
	err := row.Scan(
		&reg.ID,
		&reg.EventID,
		&reg.TicketCategoryID,
		&reg.ReservationID,
		&reg.RegistrationCode,
		&reg.ParticipantName,
		&reg.ParticipantEmail,
		&status,
		&payment,
		&reg.PaymentRef,
		&reg.StatusReason,
		&reg.CreatedAt,
		&reg.ConfirmedAt,
		&reg.CancelledAt,
		&reg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, domain.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	reg.Status = domain.RegistrationStatus(status)
	reg.PaymentStatus = domain.PaymentStatus(payment)
	return reg, nil
}

var _ RegistrationRepository = (*PostgresRegistrationRepository)(nil)
