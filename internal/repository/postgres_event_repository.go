package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// PostgresEventRepository implements EventRepository using PostgreSQL
type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresEventRepository creates a new PostgresEventRepository
func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

// Create inserts an event
func (r *PostgresEventRepository) Create(ctx context.Context, event *domain.Event) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.create")
	defer span.End()

	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO events (id, name, start_time, end_time)
		VALUES ($1, $2, $3, $4)
	`, event.ID, event.Name, event.StartTime, event.EndTime)
	if err != nil {
		err = storageErr("create event", err)
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to create event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves an event by its ID
func (r *PostgresEventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.get_by_id")
	defer span.End()

	span.SetAttributes(attribute.String("event_id", id))

	event := &domain.Event{}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, start_time, end_time FROM events WHERE id = $1
	`, id).Scan(&event.ID, &event.Name, &event.StartTime, &event.EndTime)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		err = storageErr("get event", err)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return event, nil
}

var _ EventRepository = (*PostgresEventRepository)(nil)
