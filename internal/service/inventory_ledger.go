package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/metrics"
	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/retry"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// InventoryLedger is the only path that changes a category's sold counter
type InventoryLedger interface {
	// Reserve takes one unit of the category
	Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error)
	// Release gives a held unit back; safe to repeat
	Release(ctx context.Context, handleID string) error
	// Confirm makes a held unit permanent; safe to repeat
	Confirm(ctx context.Context, handleID string) error
	// Availability returns quota and sold for display
	Availability(ctx context.Context, categoryID string) (*domain.Availability, error)
}

// inventoryLedger adds metrics, retries and counter seeding around a LedgerRepository
type inventoryLedger struct {
	repo    repository.LedgerRepository
	syncer  CategorySyncer
	retrier *retry.Retrier
}

// NewInventoryLedger creates a new inventory ledger; syncer may be nil when the
// backend keeps counters in Postgres
func NewInventoryLedger(repo repository.LedgerRepository, syncer CategorySyncer, retryCfg *retry.Config) InventoryLedger {
	if retryCfg == nil {
		retryCfg = retry.StorageConfig(domain.IsTransient)
	}
	return &inventoryLedger{
		repo:    repo,
		syncer:  syncer,
		retrier: retry.New(retryCfg),
	}
}

// Reserve is not retried: a lost reply after a committed increment would hold
// a unit nobody owns
func (l *inventoryLedger) Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ledger.reserve")
	defer span.End()
	defer metrics.ObserveLedger("reserve", l.repo.Backend(), time.Now())

	span.SetAttributes(
		telemetry.CategoryIDKey.String(categoryID),
		telemetry.LedgerBackendKey.String(l.repo.Backend()),
	)

	handle, err := l.repo.Reserve(ctx, categoryID)
	if l.needsSync(err) {
		if err = l.syncer.SyncCategory(ctx, categoryID); err == nil {
			handle, err = l.repo.Reserve(ctx, categoryID)
		}
	}
	if err != nil {
		if !domain.IsBusinessOutcome(err) {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("handle_id", handle.ID))
	return handle, nil
}

// Release retries transient failures since releasing twice is harmless
func (l *inventoryLedger) Release(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.ledger.release")
	defer span.End()
	defer metrics.ObserveLedger("release", l.repo.Backend(), time.Now())

	span.SetAttributes(attribute.String("handle_id", handleID))

	err := l.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		return l.repo.Release(ctx, handleID)
	}, l.logRetry("release", handleID)).Cause()
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// Confirm retries transient failures since confirming twice is harmless
func (l *inventoryLedger) Confirm(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.ledger.confirm")
	defer span.End()
	defer metrics.ObserveLedger("confirm", l.repo.Backend(), time.Now())

	span.SetAttributes(attribute.String("handle_id", handleID))

	err := l.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		return l.repo.Confirm(ctx, handleID)
	}, l.logRetry("confirm", handleID)).Cause()
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// Availability reads the counters
func (l *inventoryLedger) Availability(ctx context.Context, categoryID string) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ledger.availability")
	defer span.End()

	avail, err := retry.Value(ctx, l.retrier, func(ctx context.Context) (*domain.Availability, error) {
		return l.repo.Availability(ctx, categoryID)
	})
	if l.needsSync(err) {
		if err = l.syncer.SyncCategory(ctx, categoryID); err == nil {
			avail, err = l.repo.Availability(ctx, categoryID)
		}
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return avail, nil
}

func (l *inventoryLedger) needsSync(err error) bool {
	return l.syncer != nil && errors.Is(err, domain.ErrCategoryNotFound)
}

func (l *inventoryLedger) logRetry(op, handleID string) retry.RetryCallback {
	return func(attempt int, err error, next time.Duration) {
		logger.Get().Warn("ledger operation retrying",
			zap.String("op", op),
			zap.String("handle_id", handleID),
			zap.Int("attempt", attempt),
			zap.Duration("next_interval", next),
			zap.Error(err),
		)
	}
}
