package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// PostgresLedgerRepository keeps counters in ticket_categories and handles in
// the reservations table. The conditional UPDATE is the only writer of sold.
type PostgresLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerRepository creates a new PostgresLedgerRepository
func NewPostgresLedgerRepository(pool *pgxpool.Pool) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{pool: pool}
}

// Backend returns "postgres"
func (r *PostgresLedgerRepository) Backend() string {
	return "postgres"
}

// Reserve atomically increments sold when below quota and records a held handle
func (r *PostgresLedgerRepository) Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.reserve")
	defer span.End()

	span.SetAttributes(telemetry.CategoryIDKey.String(categoryID))

	handle := &domain.ReservationHandle{
		ID:         uuid.New().String(),
		CategoryID: categoryID,
		State:      domain.HandleHeld,
		CreatedAt:  time.Now().UTC(),
	}

	err := withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)

		var sold int
		err := q.QueryRow(ctx, `
			UPDATE ticket_categories
			SET sold = sold + 1, updated_at = NOW()
			WHERE id = $1 AND active AND sold < quota
			RETURNING sold
		`, categoryID).Scan(&sold)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classifyRejection(ctx, q, categoryID)
		}
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrCategoryNotFound
			}
			return storageErr("reserve", err)
		}
		span.SetAttributes(attribute.Int("sold", sold))

		_, err = q.Exec(ctx, `
			INSERT INTO reservations (id, category_id, state, created_at)
			VALUES ($1, $2, $3, $4)
		`, handle.ID, handle.CategoryID, handle.State.String(), handle.CreatedAt)
		return storageErr("reserve", err)
	})
	if err != nil {
		if !domain.IsBusinessOutcome(err) {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return handle, nil
}

// classifyRejection explains why the conditional UPDATE matched no row
func (r *PostgresLedgerRepository) classifyRejection(ctx context.Context, q querier, categoryID string) error {
	var active bool
	var sold, quota int
	err := q.QueryRow(ctx, `SELECT active, sold, quota FROM ticket_categories WHERE id = $1`, categoryID).
		Scan(&active, &sold, &quota)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrCategoryNotFound
	}
	if err != nil {
		return storageErr("reserve", err)
	}
	if !active {
		return domain.ErrCategoryInactive
	}
	return domain.ErrSoldOut
}

// Release moves a held handle to released and gives the unit back
func (r *PostgresLedgerRepository) Release(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.release")
	defer span.End()

	span.SetAttributes(attribute.String("handle_id", handleID))

	err := withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)

		var categoryID string
		err := q.QueryRow(ctx, `
			UPDATE reservations
			SET state = 'released', finalized_at = NOW()
			WHERE id = $1 AND state = 'held'
			RETURNING category_id
		`, handleID).Scan(&categoryID)
		if errors.Is(err, pgx.ErrNoRows) {
			state, err := r.handleState(ctx, q, handleID)
			if err != nil {
				return err
			}
			if state == domain.HandleConfirmed {
				return domain.ErrReservationFinalized
			}
			return nil
		}
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrReservationNotFound
			}
			return storageErr("release", err)
		}

		_, err = q.Exec(ctx, `
			UPDATE ticket_categories
			SET sold = sold - 1, updated_at = NOW()
			WHERE id = $1 AND sold > 0
		`, categoryID)
		return storageErr("release", err)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Confirm finalizes a held handle; the unit stays counted
func (r *PostgresLedgerRepository) Confirm(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.confirm")
	defer span.End()

	span.SetAttributes(attribute.String("handle_id", handleID))

	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, `
		UPDATE reservations
		SET state = 'confirmed', finalized_at = NOW()
		WHERE id = $1 AND state = 'held'
	`, handleID)
	if err != nil {
		if isInvalidUUID(err) {
			err = domain.ErrReservationNotFound
		} else {
			err = storageErr("confirm", err)
		}
		telemetry.RecordError(span, err)
		return err
	}

	if tag.RowsAffected() == 0 {
		state, err := r.handleState(ctx, q, handleID)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if state == domain.HandleReleased {
			telemetry.RecordError(span, domain.ErrReservationReleased)
			return domain.ErrReservationReleased
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *PostgresLedgerRepository) handleState(ctx context.Context, q querier, handleID string) (domain.HandleState, error) {
	var state string
	err := q.QueryRow(ctx, `SELECT state FROM reservations WHERE id = $1`, handleID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return "", domain.ErrReservationNotFound
	}
	if err != nil {
		return "", storageErr("handle state", err)
	}
	return domain.HandleState(state), nil
}

// Availability reads the counters for display
func (r *PostgresLedgerRepository) Availability(ctx context.Context, categoryID string) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.availability")
	defer span.End()

	var active bool
	var sold, quota int
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT active, sold, quota FROM ticket_categories WHERE id = $1`, categoryID).
		Scan(&active, &sold, &quota)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, domain.ErrCategoryNotFound
	}
	if err != nil {
		err = storageErr("availability", err)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to read availability: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return domain.NewAvailability(categoryID, quota, sold, active), nil
}

var _ LedgerRepository = (*PostgresLedgerRepository)(nil)
