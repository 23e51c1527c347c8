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

// PostgresCategoryRepository implements CategoryRepository using PostgreSQL
type PostgresCategoryRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCategoryRepository creates a new PostgresCategoryRepository
func NewPostgresCategoryRepository(pool *pgxpool.Pool) *PostgresCategoryRepository {
	return &PostgresCategoryRepository{pool: pool}
}

// Create inserts a ticket category with sold starting at zero
func (r *PostgresCategoryRepository) Create(ctx context.Context, category *domain.TicketCategory) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.category.create")
	defer span.End()

	span.SetAttributes(
		telemetry.CategoryIDKey.String(category.ID),
		attribute.String("event_id", category.EventID),
	)

	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO ticket_categories (id, event_id, name, price, quota, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sold, created_at, updated_at
	`, category.ID, category.EventID, category.Name, category.Price, category.Quota, category.Active).
		Scan(&category.Sold, &category.CreatedAt, &category.UpdatedAt)
	if err != nil {
		err = storageErr("create category", err)
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to create ticket category: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a ticket category by its ID
func (r *PostgresCategoryRepository) GetByID(ctx context.Context, id string) (*domain.TicketCategory, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.category.get_by_id")
	defer span.End()

	span.SetAttributes(telemetry.CategoryIDKey.String(id))

	c := &domain.TicketCategory{}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, event_id, name, price, quota, sold, active, created_at, updated_at
		FROM ticket_categories
		WHERE id = $1
	`, id).Scan(&c.ID, &c.EventID, &c.Name, &c.Price, &c.Quota, &c.Sold, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, domain.ErrCategoryNotFound
	}
	if err != nil {
		err = storageErr("get category", err)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to get ticket category: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return c, nil
}

var _ CategoryRepository = (*PostgresCategoryRepository)(nil)
