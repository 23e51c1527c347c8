package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/domain"
	pkgredis "github.com/komuji/ticketing/pkg/redis"
	"github.com/komuji/ticketing/pkg/telemetry"
)

//go:embed scripts/reserve_unit.lua
var reserveUnitScript string

//go:embed scripts/release_unit.lua
var releaseUnitScript string

//go:embed scripts/confirm_unit.lua
var confirmUnitScript string

//go:embed scripts/seed_category.lua
var seedCategoryScript string

// Script names for caching
const (
	scriptReserveUnit  = "reserve_unit"
	scriptReleaseUnit  = "release_unit"
	scriptConfirmUnit  = "confirm_unit"
	scriptSeedCategory = "seed_category"
)

// Script error codes
const (
	codeCategoryNotFound     = "CATEGORY_NOT_FOUND"
	codeCategoryInactive     = "CATEGORY_INACTIVE"
	codeSoldOut              = "SOLD_OUT"
	codeReservationNotFound  = "RESERVATION_NOT_FOUND"
	codeReservationFinalized = "RESERVATION_FINALIZED"
	codeReservationReleased  = "RESERVATION_RELEASED"
)

func categoryKey(categoryID string) string {
	return fmt.Sprintf("ticketing:category:%s", categoryID)
}

func handleKey(handleID string) string {
	return fmt.Sprintf("ticketing:handle:%s", handleID)
}

// RedisLedgerRepository keeps counters and handles in Redis hashes and mutates
// them only through Lua scripts, so each operation is atomic on the server.
// Counters are seeded from Postgres on first use.
type RedisLedgerRepository struct {
	client *pkgredis.Client
}

// NewRedisLedgerRepository creates a new RedisLedgerRepository
func NewRedisLedgerRepository(client *pkgredis.Client) *RedisLedgerRepository {
	return &RedisLedgerRepository{client: client}
}

// Backend returns "redis"
func (r *RedisLedgerRepository) Backend() string {
	return "redis"
}

// LoadScripts loads all Lua scripts into Redis
func (r *RedisLedgerRepository) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptReserveUnit:  reserveUnitScript,
		scriptReleaseUnit:  releaseUnitScript,
		scriptConfirmUnit:  confirmUnitScript,
		scriptSeedCategory: seedCategoryScript,
	}

	for name, script := range scripts {
		if _, err := r.client.LoadScript(ctx, name, script); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}

	return nil
}

// Reserve atomically takes one unit
func (r *RedisLedgerRepository) Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.ledger.reserve")
	defer span.End()

	span.SetAttributes(telemetry.CategoryIDKey.String(categoryID))

	handle := &domain.ReservationHandle{
		ID:         uuid.New().String(),
		CategoryID: categoryID,
		State:      domain.HandleHeld,
		CreatedAt:  time.Now().UTC(),
	}

	keys := []string{categoryKey(categoryID), handleKey(handle.ID)}
	values, err := r.eval(ctx, scriptReserveUnit, reserveUnitScript, keys,
		categoryID,                   // ARGV[1]: category_id
		handle.CreatedAt.UnixMilli(), // ARGV[2]: created_at
	)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if ok, _ := toInt64(values[0]); ok != 1 {
		err := scriptError(values)
		span.SetAttributes(attribute.String("error_code", fmt.Sprint(values[1])))
		if !domain.IsBusinessOutcome(err) {
			telemetry.RecordError(span, err)
		}
		return nil, err
	}

	sold, _ := toInt64(values[1])
	quota, _ := toInt64(values[2])
	span.SetAttributes(
		attribute.String("handle_id", handle.ID),
		attribute.Int64("sold", sold),
		attribute.Int64("quota", quota),
	)
	span.SetStatus(codes.Ok, "")
	return handle, nil
}

// Release returns a held unit
func (r *RedisLedgerRepository) Release(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.ledger.release")
	defer span.End()

	span.SetAttributes(attribute.String("handle_id", handleID))

	categoryID, err := r.handleCategory(ctx, handleID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	keys := []string{handleKey(handleID), categoryKey(categoryID)}
	values, err := r.eval(ctx, scriptReleaseUnit, releaseUnitScript, keys, time.Now().UTC().UnixMilli())
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if ok, _ := toInt64(values[0]); ok != 1 {
		err := scriptError(values)
		telemetry.RecordError(span, err)
		return err
	}

	span.SetAttributes(attribute.String("outcome", fmt.Sprint(values[1])))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Confirm finalizes a held unit
func (r *RedisLedgerRepository) Confirm(ctx context.Context, handleID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.ledger.confirm")
	defer span.End()

	span.SetAttributes(attribute.String("handle_id", handleID))

	values, err := r.eval(ctx, scriptConfirmUnit, confirmUnitScript, []string{handleKey(handleID)}, time.Now().UTC().UnixMilli())
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if ok, _ := toInt64(values[0]); ok != 1 {
		err := scriptError(values)
		telemetry.RecordError(span, err)
		return err
	}

	span.SetAttributes(attribute.String("outcome", fmt.Sprint(values[1])))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Availability reads the counter hash
func (r *RedisLedgerRepository) Availability(ctx context.Context, categoryID string) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.ledger.availability")
	defer span.End()

	fields, err := r.client.HGetAll(ctx, categoryKey(categoryID)).Result()
	if err != nil {
		err = domain.Transient("availability", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(fields) == 0 {
		return nil, domain.ErrCategoryNotFound
	}

	quota, _ := strconv.Atoi(fields["quota"])
	sold, _ := strconv.Atoi(fields["sold"])

	span.SetStatus(codes.Ok, "")
	return domain.NewAvailability(categoryID, quota, sold, fields["active"] == "1"), nil
}

// SeedCategory creates the counter hash unless it already exists
func (r *RedisLedgerRepository) SeedCategory(ctx context.Context, category *domain.TicketCategory, sold int) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.ledger.seed_category")
	defer span.End()

	span.SetAttributes(
		telemetry.CategoryIDKey.String(category.ID),
		attribute.Int("quota", category.Quota),
		attribute.Int("sold", sold),
	)

	active := "0"
	if category.Active {
		active = "1"
	}

	result := r.client.EvalWithFallback(ctx, scriptSeedCategory, seedCategoryScript,
		[]string{categoryKey(category.ID)}, category.Quota, sold, active)
	seeded, err := result.Int64()
	if err != nil {
		err = domain.Transient("seed category", err)
		telemetry.RecordError(span, err)
		return false, err
	}

	span.SetStatus(codes.Ok, "")
	return seeded == 1, nil
}

func (r *RedisLedgerRepository) handleCategory(ctx context.Context, handleID string) (string, error) {
	categoryID, err := r.client.Client().HGet(ctx, handleKey(handleID), "category_id").Result()
	if errors.Is(err, pkgredis.Nil) {
		return "", domain.ErrReservationNotFound
	}
	if err != nil {
		return "", domain.Transient("handle lookup", err)
	}
	return categoryID, nil
}

func (r *RedisLedgerRepository) eval(ctx context.Context, name, script string, keys []string, args ...interface{}) ([]interface{}, error) {
	values, err := r.client.EvalWithFallback(ctx, name, script, keys, args...).Slice()
	if err != nil {
		return nil, domain.Transient(name, err)
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected %s result length: %d", name, len(values))
	}
	return values, nil
}

// scriptError maps a {0, code, message} reply to a domain error
func scriptError(values []interface{}) error {
	code, _ := values[1].(string)
	switch code {
	case codeCategoryNotFound:
		return domain.ErrCategoryNotFound
	case codeCategoryInactive:
		return domain.ErrCategoryInactive
	case codeSoldOut:
		return domain.ErrSoldOut
	case codeReservationNotFound:
		return domain.ErrReservationNotFound
	case codeReservationFinalized:
		return domain.ErrReservationFinalized
	case codeReservationReleased:
		return domain.ErrReservationReleased
	}
	msg := ""
	if len(values) > 2 {
		msg, _ = values[2].(string)
	}
	return fmt.Errorf("ledger script error %s: %s", code, msg)
}

// toInt64 converts interface{} to int64
func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		return i, err == nil
	}
	return 0, false
}

var (
	_ LedgerRepository = (*RedisLedgerRepository)(nil)
	_ CategorySeeder   = (*RedisLedgerRepository)(nil)
)
