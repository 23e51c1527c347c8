package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/metrics"
	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/retry"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// CheckInService verifies presented tokens and records attendance once
type CheckInService interface {
	// VerifyAndCheckIn checks the token and records the scan; eventID is
	// optional and, when set, rejects tickets for other events
	VerifyAndCheckIn(ctx context.Context, token, staffID, eventID string) (*domain.CheckIn, error)
}

type checkInService struct {
	tokens        TokenService
	registrations repository.RegistrationRepository
	storedTokens  repository.TokenRepository
	checkIns      repository.CheckInRepository
	now           func() time.Time
	retrier       *retry.Retrier
}

// NewCheckInService creates a new check-in service; now may be nil
func NewCheckInService(
	tokens TokenService,
	registrations repository.RegistrationRepository,
	storedTokens repository.TokenRepository,
	checkIns repository.CheckInRepository,
	now func() time.Time,
) CheckInService {
	if now == nil {
		now = time.Now
	}
	return &checkInService{
		tokens:        tokens,
		registrations: registrations,
		storedTokens:  storedTokens,
		checkIns:      checkIns,
		now:           now,
		retrier:       retry.New(retry.StorageConfig(domain.IsTransient)),
	}
}

// VerifyAndCheckIn runs the checks cheapest first: signature, expiry and
// event scope need no storage
func (s *checkInService) VerifyAndCheckIn(ctx context.Context, token, staffID, eventID string) (ci *domain.CheckIn, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.checkin.verify")
	defer span.End()
	defer func() { metrics.RecordCheckIn(err) }()

	staffID = strings.TrimSpace(staffID)
	log := logger.Get().With(zap.String("staff_id", staffID))
	defer func() { s.logOutcome(log, err) }()

	if staffID == "" {
		return nil, &domain.ValidationError{Field: "staff_id", Message: "is required"}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &domain.ValidationError{Field: "token", Message: "is required"}
	}

	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		return nil, err
	}
	log = log.With(
		zap.String("registration_id", claims.RegistrationID),
		zap.String("token_id", claims.ID),
	)
	span.SetAttributes(telemetry.RegistrationIDKey.String(claims.RegistrationID))

	if eventID != "" && claims.EventID != eventID {
		log = log.With(zap.String("token_event_id", claims.EventID), zap.String("scan_event_id", eventID))
		return nil, domain.ErrEventMismatch
	}

	reg, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Registration, error) {
		return s.registrations.GetByID(ctx, claims.RegistrationID)
	})
	if err != nil {
		return nil, err
	}
	if !reg.IsConfirmed() {
		return nil, domain.ErrNotConfirmed
	}

	stored, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.CheckInToken, error) {
		return s.storedTokens.GetByRegistrationID(ctx, reg.ID)
	})
	if errors.Is(err, domain.ErrTokenNotFound) || (err == nil && stored.TokenID != claims.ID) {
		return nil, domain.ErrTokenRevoked
	}
	if err != nil {
		return nil, err
	}

	candidate := &domain.CheckIn{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		CheckedInAt:    s.now().UTC().Truncate(time.Microsecond),
		CheckedInBy:    staffID,
	}

	attempt := 0
	ci, err = retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.CheckIn, error) {
		attempt++
		created, err := s.checkIns.Create(ctx, candidate)
		var already *domain.AlreadyCheckedInError
		if attempt > 1 && errors.As(err, &already) &&
			already.CheckedInBy == candidate.CheckedInBy && already.CheckedInAt.Equal(candidate.CheckedInAt) {
			// our earlier attempt committed before its reply was lost
			return candidate, nil
		}
		return created, err
	})
	if err != nil {
		return nil, err
	}
	return ci, nil
}

// logOutcome keeps fraud signals apart from ordinary rejections
func (s *checkInService) logOutcome(log *logger.Logger, err error) {
	switch {
	case err == nil:
		log.Info("check-in recorded")
	case domain.IsFraudSignal(err):
		log.Warn("check-in rejected", zap.Bool("security", true), zap.Error(err))
	case domain.IsBusinessOutcome(err):
		log.Info("check-in duplicate", zap.Error(err))
	case domain.IsTransient(err):
		log.Error("check-in failed", zap.Error(err))
	default:
		log.Info("check-in rejected", zap.Error(err))
	}
}
