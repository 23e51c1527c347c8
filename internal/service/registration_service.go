package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/metrics"
	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/retry"
	"github.com/komuji/ticketing/pkg/telemetry"
)

const (
	defaultMaxCodeAttempts = 5
	defaultSweepBatchSize  = 100
	compensationTimeout    = 5 * time.Second
)

// IssueResult is a registration and, once confirmed, its check-in token
type IssueResult struct {
	Registration *domain.Registration
	Token        *domain.CheckInToken
}

// PaymentResult is what the payment webhook reports for a registration
type PaymentResult struct {
	Status    domain.PaymentStatus
	Reference string
}

// RegistrationService defines the interface for registration business logic
type RegistrationService interface {
	// Issue reserves a unit and creates a registration for the participant
	Issue(ctx context.Context, categoryID string, participant domain.Participant) (*IssueResult, error)

	// ConfirmPayment settles a priced registration from the payment webhook
	ConfirmPayment(ctx context.Context, registrationID string, result PaymentResult) (*IssueResult, error)

	// ExpireStaleReservations releases units held longer than maxAge
	ExpireStaleReservations(ctx context.Context, maxAge time.Duration) (int, error)

	// GetRegistration retrieves a registration by ID
	GetRegistration(ctx context.Context, registrationID string) (*domain.Registration, error)
}

// RegistrationServiceConfig contains configuration for the registration service
type RegistrationServiceConfig struct {
	CodePrefix      string
	MaxCodeAttempts int
	SweepBatchSize  int
	// CodeGenerator overrides NewCodeGenerator(CodePrefix)
	CodeGenerator CodeGenerator
	Now           func() time.Time
}

type registrationService struct {
	categories     repository.CategoryRepository
	registrations  repository.RegistrationRepository
	ledger         InventoryLedger
	tokens         TokenService
	publisher      EventPublisher
	validate       *validator.Validate
	newCode        CodeGenerator
	maxAttempts    int
	sweepBatchSize int
	now            func() time.Time
	retrier        *retry.Retrier
}

// NewRegistrationService creates a new registration service
func NewRegistrationService(
	categories repository.CategoryRepository,
	registrations repository.RegistrationRepository,
	ledger InventoryLedger,
	tokens TokenService,
	publisher EventPublisher,
	cfg *RegistrationServiceConfig,
) RegistrationService {
	if cfg == nil {
		cfg = &RegistrationServiceConfig{}
	}
	newCode := cfg.CodeGenerator
	if newCode == nil {
		newCode = NewCodeGenerator(cfg.CodePrefix)
	}
	maxAttempts := defaultMaxCodeAttempts
	if cfg.MaxCodeAttempts > 0 {
		maxAttempts = cfg.MaxCodeAttempts
	}
	batch := defaultSweepBatchSize
	if cfg.SweepBatchSize > 0 {
		batch = cfg.SweepBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if publisher == nil {
		publisher = NewNoOpEventPublisher()
	}
	return &registrationService{
		categories:     categories,
		registrations:  registrations,
		ledger:         ledger,
		tokens:         tokens,
		publisher:      publisher,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		newCode:        newCode,
		maxAttempts:    maxAttempts,
		sweepBatchSize: batch,
		now:            now,
		retrier:        retry.New(retry.StorageConfig(domain.IsTransient)),
	}
}

// Issue validates before touching the ledger so a bad request never consumes a unit
func (s *registrationService) Issue(ctx context.Context, categoryID string, participant domain.Participant) (result *IssueResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.registration.issue")
	defer span.End()
	defer func() { metrics.RecordReservation(err) }()

	span.SetAttributes(telemetry.CategoryIDKey.String(categoryID))
	log := logger.Get().With(zap.String("category_id", categoryID))

	participant = participant.Normalize()
	if err := s.validateParticipant(categoryID, participant); err != nil {
		return nil, err
	}

	category, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.TicketCategory, error) {
		return s.categories.GetByID(ctx, categoryID)
	})
	if err != nil {
		return nil, err
	}
	if !category.Active {
		return nil, domain.ErrCategoryInactive
	}

	handle, err := s.ledger.Reserve(ctx, category.ID)
	if err != nil {
		if domain.IsBusinessOutcome(err) {
			log.Info("reservation rejected", zap.Error(err))
		} else {
			telemetry.RecordError(span, err)
			log.Error("reservation failed", zap.Error(err))
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("handle_id", handle.ID))

	now := s.now().UTC()
	reg := &domain.Registration{
		ID:               uuid.New().String(),
		EventID:          category.EventID,
		TicketCategoryID: category.ID,
		ReservationID:    handle.ID,
		ParticipantName:  participant.Name,
		ParticipantEmail: participant.Email,
		Status:           domain.RegistrationReserved,
		PaymentStatus:    domain.PaymentPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if category.IsFree() {
		reg.PaymentStatus = domain.PaymentFree
	}

	if err := s.persist(ctx, reg); err != nil {
		telemetry.RecordError(span, err)
		log.Error("registration insert failed, releasing reservation",
			zap.String("handle_id", handle.ID),
			zap.Error(err),
		)
		s.compensate(ctx, handle.ID)
		return nil, err
	}
	span.SetAttributes(telemetry.RegistrationIDKey.String(reg.ID))

	if !category.IsFree() {
		log.Info("registration reserved pending payment", zap.String("registration_id", reg.ID))
		return &IssueResult{Registration: reg}, nil
	}

	result, err = s.finalize(ctx, reg, domain.PaymentFree, "")
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// ConfirmPayment is safe to repeat: a paid registration that is already
// confirmed comes back unchanged with its original token
func (s *registrationService) ConfirmPayment(ctx context.Context, registrationID string, payment PaymentResult) (*IssueResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.registration.confirm_payment")
	defer span.End()

	span.SetAttributes(
		telemetry.RegistrationIDKey.String(registrationID),
		attribute.String("payment_status", string(payment.Status)),
	)

	if payment.Status != domain.PaymentPaid && payment.Status != domain.PaymentFailed {
		return nil, &domain.ValidationError{Field: "status", Message: "must be paid or failed"}
	}

	reg, err := s.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	if payment.Status == domain.PaymentFailed {
		reg, err = s.cancel(ctx, reg, domain.PaymentFailed, domain.ReasonPaymentFailed)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		return &IssueResult{Registration: reg}, nil
	}

	switch {
	case reg.IsCancelled():
		return nil, domain.ErrRegistrationCancelled
	case reg.IsConfirmed():
		tok, err := s.tokens.IssueToken(ctx, reg)
		if err != nil {
			return nil, err
		}
		return &IssueResult{Registration: reg, Token: tok}, nil
	}

	result, err := s.finalize(ctx, reg, domain.PaymentPaid, payment.Reference)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// ExpireStaleReservations can run concurrently with itself and with the
// payment webhook: release is idempotent and every status change is
// conditional on the row still being reserved. It pages past rows it has to
// skip, so one pass reaches every reservation older than maxAge.
func (s *registrationService) ExpireStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.registration.expire_stale")
	defer span.End()

	cutoff := s.now().UTC().Add(-maxAge)
	var cursor *repository.StaleCursor
	scanned, expired, pages := 0, 0, 0

	for ctx.Err() == nil {
		page, err := retry.Value(ctx, s.retrier, func(ctx context.Context) ([]*domain.Registration, error) {
			return s.registrations.ListStale(ctx, cutoff, cursor, s.sweepBatchSize)
		})
		if err != nil {
			telemetry.RecordError(span, err)
			metrics.RecordExpired(expired)
			return expired, err
		}
		pages++
		scanned += len(page)

		for _, reg := range page {
			if ctx.Err() != nil {
				break
			}
			if s.expireOne(ctx, reg) {
				expired++
			}
		}

		if len(page) < s.sweepBatchSize {
			break
		}
		cursor = repository.CursorAfter(page[len(page)-1])
	}

	span.SetAttributes(
		attribute.Int("stale", scanned),
		attribute.Int("expired", expired),
		attribute.Int("pages", pages),
	)
	metrics.RecordExpired(expired)
	return expired, nil
}

// expireOne cancels a stale reservation and reports whether it did
func (s *registrationService) expireOne(ctx context.Context, reg *domain.Registration) bool {
	log := logger.Get().With(
		zap.String("registration_id", reg.ID),
		zap.String("handle_id", reg.ReservationID),
	)

	_, err := s.cancel(ctx, reg, reg.PaymentStatus, domain.ReasonReservationExpired)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrReservationFinalized) && reg.PaymentStatus == domain.PaymentFree:
		// the unit was confirmed but the row update was interrupted
		if _, err := s.finalize(ctx, reg, domain.PaymentFree, ""); err != nil {
			log.Error("failed to complete free registration", zap.Error(err))
		} else {
			log.Info("completed interrupted free registration")
		}
	case errors.Is(err, domain.ErrReservationFinalized):
		log.Info("reservation confirmed during sweep, skipping")
	default:
		log.Error("failed to expire reservation", zap.Error(err))
	}
	return false
}

// GetRegistration retrieves a registration by ID
func (s *registrationService) GetRegistration(ctx context.Context, registrationID string) (*domain.Registration, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.registration.get")
	defer span.End()

	if registrationID == "" {
		return nil, &domain.ValidationError{Field: "registration_id", Message: "is required"}
	}
	return retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Registration, error) {
		return s.registrations.GetByID(ctx, registrationID)
	})
}

// persist inserts reg, drawing a fresh code on every collision
func (s *registrationService) persist(ctx context.Context, reg *domain.Registration) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return err
		}
		reg.RegistrationCode = code

		err = s.registrations.Create(ctx, reg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrDuplicateCode):
			logger.Get().Warn("registration code collision",
				zap.String("registration_id", reg.ID),
				zap.Int("attempt", attempt),
			)
			continue
		case domain.IsTransient(err):
			// the insert may have committed before the connection dropped
			if stored, getErr := s.registrations.GetByID(ctx, reg.ID); getErr == nil {
				*reg = *stored
				return nil
			}
			return err
		default:
			return err
		}
	}
	return domain.ErrCodeSpaceExhausted
}

// finalize confirms the unit, the registration and the token, in that order.
// Each step is idempotent so the whole sequence can be replayed.
func (s *registrationService) finalize(ctx context.Context, reg *domain.Registration, payment domain.PaymentStatus, paymentRef string) (*IssueResult, error) {
	log := logger.Get().With(zap.String("registration_id", reg.ID))

	if err := s.ledger.Confirm(ctx, reg.ReservationID); err != nil {
		if errors.Is(err, domain.ErrReservationReleased) {
			// the sweeper got there first; the payment arrived too late
			return nil, domain.ErrRegistrationCancelled
		}
		return nil, err
	}

	confirmed, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Registration, error) {
		return s.registrations.MarkConfirmed(ctx, reg.ID, payment, paymentRef, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.IssueToken(ctx, confirmed)
	if err != nil {
		return nil, fmt.Errorf("registration confirmed but token issue failed: %w", err)
	}

	if err := s.publisher.PublishRegistrationConfirmed(ctx, confirmed, tok); err != nil {
		log.Error("failed to publish registration confirmed", zap.Error(err))
	}

	log.Info("registration confirmed",
		zap.String("registration_code", confirmed.RegistrationCode),
		zap.String("payment_status", string(confirmed.PaymentStatus)),
	)
	return &IssueResult{Registration: confirmed, Token: tok}, nil
}

// cancel gives the unit back then marks the registration cancelled. A missing
// handle still cancels the row so it stops showing up as stale.
func (s *registrationService) cancel(ctx context.Context, reg *domain.Registration, payment domain.PaymentStatus, reason string) (*domain.Registration, error) {
	if reg.IsCancelled() {
		return reg, nil
	}
	if reg.IsConfirmed() {
		return nil, domain.ErrReservationFinalized
	}

	if err := s.ledger.Release(ctx, reg.ReservationID); err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
		return nil, err
	}

	cancelled, err := retry.Value(ctx, s.retrier, func(ctx context.Context) (*domain.Registration, error) {
		return s.registrations.MarkCancelled(ctx, reg.ID, payment, reason, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.PublishRegistrationCancelled(ctx, cancelled); err != nil {
		logger.Get().Error("failed to publish registration cancelled",
			zap.String("registration_id", reg.ID),
			zap.Error(err),
		)
	}

	logger.Get().Info("registration cancelled",
		zap.String("registration_id", reg.ID),
		zap.String("reason", reason),
	)
	return cancelled, nil
}

// compensate releases a unit whose registration could not be stored. It runs
// on a detached context so a cancelled request still gives the unit back.
func (s *registrationService) compensate(ctx context.Context, handleID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.ledger.Release(ctx, handleID); err != nil {
		logger.Get().Error("failed to release reservation after insert failure",
			zap.String("handle_id", handleID),
			zap.Error(err),
		)
	}
}

func (s *registrationService) validateParticipant(categoryID string, p domain.Participant) error {
	if categoryID == "" {
		return &domain.ValidationError{Field: "category_id", Message: "is required"}
	}

	err := s.validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &domain.ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Message: validationMessage(fe),
		}
	}
	return &domain.ValidationError{Field: "participant", Message: err.Error()}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
