package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/metrics"
	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/retry"
	"github.com/komuji/ticketing/pkg/telemetry"
)

const (
	defaultTokenGrace = 48 * time.Hour
	defaultQRSize     = 320
	maxQRSize         = 1024
)

// TokenClaims is the signed payload of a check-in token. The registered
// claims carry iat, exp and the token id (jti) used for revocation.
type TokenClaims struct {
	RegistrationID   string `json:"registration_id"`
	EventID          string `json:"event_id"`
	RegistrationCode string `json:"registration_code"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies check-in tokens
type TokenService interface {
	// IssueToken returns the registration's token, signing one on first call
	IssueToken(ctx context.Context, reg *domain.Registration) (*domain.CheckInToken, error)
	// ReissueToken replaces the stored token; the previous one stops verifying
	ReissueToken(ctx context.Context, registrationID string) (*domain.CheckInToken, error)
	// CurrentToken returns the stored token of a registration
	CurrentToken(ctx context.Context, registrationID string) (*domain.CheckInToken, error)
	// ParseToken checks the signature then the expiry
	ParseToken(token string) (*TokenClaims, error)
	// RenderQR encodes the stored token as a PNG QR code
	RenderQR(ctx context.Context, registrationID string, size int) ([]byte, error)
}

// TokenServiceConfig contains configuration for the token service
type TokenServiceConfig struct {
	Secret []byte
	// Grace extends validity past the event end
	Grace time.Duration
	Now   func() time.Time
}

type tokenService struct {
	secret        []byte
	grace         time.Duration
	now           func() time.Time
	events        repository.EventRepository
	registrations repository.RegistrationRepository
	tokens        repository.TokenRepository
	checkIns      repository.CheckInRepository
	publisher     EventPublisher
	retrier       *retry.Retrier
}

// NewTokenService creates a new token service
func NewTokenService(
	events repository.EventRepository,
	registrations repository.RegistrationRepository,
	tokens repository.TokenRepository,
	checkIns repository.CheckInRepository,
	publisher EventPublisher,
	cfg *TokenServiceConfig,
) (TokenService, error) {
	if cfg == nil || len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultTokenGrace
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if publisher == nil {
		publisher = NewNoOpEventPublisher()
	}
	return &tokenService{
		secret:        cfg.Secret,
		grace:         grace,
		now:           now,
		events:        events,
		registrations: registrations,
		tokens:        tokens,
		checkIns:      checkIns,
		publisher:     publisher,
		retrier:       retry.New(retry.StorageConfig(domain.IsTransient)),
	}, nil
}

// IssueToken is insert-if-absent, so a repeated confirmation returns the
// token that was already handed out
func (s *tokenService) IssueToken(ctx context.Context, reg *domain.Registration) (*domain.CheckInToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.token.issue")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(reg.ID))

	if !reg.IsConfirmed() {
		return nil, domain.ErrNotConfirmed
	}

	tok, err := s.sign(ctx, reg)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	stored, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.CheckInToken, error) {
		return s.tokens.CreateIfAbsent(ctx, tok)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if stored.TokenID == tok.TokenID {
		metrics.RecordTokenIssued(metrics.TokenIssued)
	}
	return stored, nil
}

// ReissueToken refuses once the attendee has checked in
func (s *tokenService) ReissueToken(ctx context.Context, registrationID string) (*domain.CheckInToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.token.reissue")
	defer span.End()

	span.SetAttributes(telemetry.RegistrationIDKey.String(registrationID))

	reg, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Registration, error) {
		return s.registrations.GetByID(ctx, registrationID)
	})
	if err != nil {
		return nil, err
	}
	if !reg.IsConfirmed() {
		return nil, domain.ErrNotConfirmed
	}

	ci, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.CheckIn, error) {
		return s.checkIns.GetByRegistrationID(ctx, registrationID)
	})
	if err != nil {
		return nil, err
	}
	if ci != nil {
		return nil, &domain.AlreadyCheckedInError{
			RegistrationID: ci.RegistrationID,
			CheckedInAt:    ci.CheckedInAt,
			CheckedInBy:    ci.CheckedInBy,
		}
	}

	tok, err := s.sign(ctx, reg)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.tokens.Replace(ctx, tok)
	}).Cause(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	metrics.RecordTokenIssued(metrics.TokenReissued)
	if err := s.publisher.PublishTokenReissued(ctx, reg, tok); err != nil {
		logger.Get().Error("failed to publish token reissued",
			zap.String("registration_id", reg.ID),
			zap.Error(err),
		)
	}
	return tok, nil
}

// CurrentToken returns the stored token
func (s *tokenService) CurrentToken(ctx context.Context, registrationID string) (*domain.CheckInToken, error) {
	return retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.CheckInToken, error) {
		return s.tokens.GetByRegistrationID(ctx, registrationID)
	})
}

// ParseToken verifies the HMAC before looking at any claim, so a token whose
// signature fails is InvalidSignature even if it is also expired
func (s *tokenService) ParseToken(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.verifyTime),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, domain.ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	case claims.RegistrationID == "" || claims.ID == "":
		return nil, domain.ErrInvalidSignature
	}
	return claims, nil
}

// verifyTime backs the clock off by a nanosecond for jwt, which rejects at
// now == exp; a token stays valid through its expires_at instant
func (s *tokenService) verifyTime() time.Time {
	return s.now().Add(-time.Nanosecond)
}

// RenderQR returns a PNG of the current token
func (s *tokenService) RenderQR(ctx context.Context, registrationID string, size int) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.token.render_qr")
	defer span.End()

	if size <= 0 {
		size = defaultQRSize
	}
	if size > maxQRSize {
		return nil, &domain.ValidationError{Field: "size", Message: fmt.Sprintf("must be at most %d", maxQRSize)}
	}

	tok, err := s.CurrentToken(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(tok.Token, qrcode.Medium, size)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	return png, nil
}

// sign builds a token that expires a grace period after the event ends
func (s *tokenService) sign(ctx context.Context, reg *domain.Registration) (*domain.CheckInToken, error) {
	event, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Event, error) {
		return s.events.GetByID(ctx, reg.EventID)
	})
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := event.EndTime.UTC().Add(s.grace).Truncate(time.Second)
	tokenID := uuid.New().String()

	claims := TokenClaims{
		RegistrationID:   reg.ID,
		EventID:          reg.EventID,
		RegistrationCode: reg.RegistrationCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.CheckInToken{
		RegistrationID: reg.ID,
		TokenID:        tokenID,
		Token:          signed,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	}, nil
}
