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

// PostgresTokenRepository implements TokenRepository using PostgreSQL
type PostgresTokenRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenRepository creates a new PostgresTokenRepository
func NewPostgresTokenRepository(pool *pgxpool.Pool) *PostgresTokenRepository {
	return &PostgresTokenRepository{pool: pool}
}

// CreateIfAbsent keeps the first token written for a registration
func (r *PostgresTokenRepository) CreateIfAbsent(ctx context.Context, tok *domain.CheckInToken) (*domain.CheckInToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.token.create_if_absent")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(tok.RegistrationID))

	stored, err := scanToken(conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO check_in_tokens (registration_id, token_id, token, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (registration_id) DO NOTHING
		RETURNING registration_id, token_id, token, issued_at, expires_at
	`, tok.RegistrationID, tok.TokenID, tok.Token, tok.IssuedAt, tok.ExpiresAt))
	if errors.Is(err, domain.ErrTokenNotFound) {
		// lost the race to a concurrent issue; hand back the winner
		span.SetAttributes(attribute.Bool("existing", true))
		return r.GetByRegistrationID(ctx, tok.RegistrationID)
	}
	if err != nil {
		err = storageErr("create token", err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return stored, nil
}

// Replace overwrites the stored token so only the new one verifies
func (r *PostgresTokenRepository) Replace(ctx context.Context, tok *domain.CheckInToken) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.token.replace")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(tok.RegistrationID))

	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO check_in_tokens (registration_id, token_id, token, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (registration_id) DO UPDATE
		SET token_id = EXCLUDED.token_id,
			token = EXCLUDED.token,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at
	`, tok.RegistrationID, tok.TokenID, tok.Token, tok.IssuedAt, tok.ExpiresAt)
	if err != nil {
		err = storageErr("replace token", err)
		telemetry.RecordError(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByRegistrationID returns the current token of a registration
func (r *PostgresTokenRepository) GetByRegistrationID(ctx context.Context, registrationID string) (*domain.CheckInToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.token.get")
	defer span.End()

	tok, err := scanToken(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT registration_id, token_id, token, issued_at, expires_at
		FROM check_in_tokens
		WHERE registration_id = $1
	`, registrationID))
	if err != nil {
		if !errors.Is(err, domain.ErrTokenNotFound) {
			err = storageErr("get token", err)
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return tok, nil
}

func scanToken(row pgx.Row) (*domain.CheckInToken, error) {
	tok := &domain.CheckInToken{}
	err := row.Scan(&tok.RegistrationID, &tok.TokenID, &tok.Token, &tok.IssuedAt, &tok.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return nil, domain.ErrTokenNotFound
	}
	return tok, err
}

var _ TokenRepository = (*PostgresTokenRepository)(nil)
