package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/repository"
	pkgredis "github.com/komuji/ticketing/pkg/redis"
	"github.com/komuji/ticketing/pkg/retry"
)

// memStore is an in-memory stand-in for the Postgres repositories with the
// same conditional-update semantics
type memStore struct {
	mu            sync.Mutex
	events        map[string]*domain.Event
	categories    map[string]*domain.TicketCategory
	registrations map[string]*domain.Registration
	codes         map[string]string
	tokens        map[string]*domain.CheckInToken
	checkIns      map[string]*domain.CheckIn

	// CreateFunc, when set, runs before every registration insert
	CreateFunc func(reg *domain.Registration) error
	// CheckInFunc, when set, runs before every check-in insert
	CheckInFunc func(ci *domain.CheckIn) error
}

func newMemStore() *memStore {
	return &memStore{
		events:        make(map[string]*domain.Event),
		categories:    make(map[string]*domain.TicketCategory),
		registrations: make(map[string]*domain.Registration),
		codes:         make(map[string]string),
		tokens:        make(map[string]*domain.CheckInToken),
		checkIns:      make(map[string]*domain.CheckIn),
	}
}

type memEvents struct{ *memStore }
type memCategories struct{ *memStore }
type memRegistrations struct{ *memStore }
type memTokens struct{ *memStore }
type memCheckIns struct{ *memStore }

func (m memEvents) Create(ctx context.Context, e *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m memEvents) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m memCategories) Create(ctx context.Context, c *domain.TicketCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.categories[c.ID] = &cp
	return nil
}

func (m memCategories) GetByID(ctx context.Context, id string) (*domain.TicketCategory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, domain.ErrCategoryNotFound
	}
	cp := *c
	return &cp, nil
}

func (m memRegistrations) Create(ctx context.Context, reg *domain.Registration) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(reg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.codes[reg.RegistrationCode]; taken {
		return domain.ErrDuplicateCode
	}
	cp := *reg
	m.registrations[reg.ID] = &cp
	m.codes[reg.RegistrationCode] = reg.ID
	return nil
}

func (m memRegistrations) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok {
		return nil, domain.ErrRegistrationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m memRegistrations) MarkConfirmed(ctx context.Context, id string, payment domain.PaymentStatus, ref string, at time.Time) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok {
		return nil, domain.ErrRegistrationNotFound
	}
	if err := r.Confirm(payment, ref, at); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m memRegistrations) MarkCancelled(ctx context.Context, id string, payment domain.PaymentStatus, reason string, at time.Time) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok {
		return nil, domain.ErrRegistrationNotFound
	}
	if err := r.Cancel(payment, reason, at); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m memRegistrations) ListStale(ctx context.Context, cutoff time.Time, after *repository.StaleCursor, limit int) ([]*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	less := func(a, b *domain.Registration) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	var out []*domain.Registration
	for _, r := range m.registrations {
		if !r.IsReserved() || !r.CreatedAt.Before(cutoff) {
			continue
		}
		if after != nil && !less(&domain.Registration{CreatedAt: after.CreatedAt, ID: after.ID}, r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memRegistrations) CountActive(ctx context.Context, categoryID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.registrations {
		if r.TicketCategoryID == categoryID && !r.IsCancelled() {
			n++
		}
	}
	return n, nil
}

func (m memTokens) CreateIfAbsent(ctx context.Context, tok *domain.CheckInToken) (*domain.CheckInToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tokens[tok.RegistrationID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *tok
	m.tokens[tok.RegistrationID] = &cp
	out := cp
	return &out, nil
}

func (m memTokens) Replace(ctx context.Context, tok *domain.CheckInToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.RegistrationID] = &cp
	return nil
}

func (m memTokens) GetByRegistrationID(ctx context.Context, id string) (*domain.CheckInToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m memCheckIns) Create(ctx context.Context, ci *domain.CheckIn) (*domain.CheckIn, error) {
	if m.CheckInFunc != nil {
		if err := m.CheckInFunc(ci); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.checkIns[ci.RegistrationID]; ok {
		return nil, &domain.AlreadyCheckedInError{
			RegistrationID: existing.RegistrationID,
			CheckedInAt:    existing.CheckedInAt,
			CheckedInBy:    existing.CheckedInBy,
		}
	}
	cp := *ci
	m.checkIns[ci.RegistrationID] = &cp
	out := cp
	return &out, nil
}

func (m memCheckIns) GetByRegistrationID(ctx context.Context, id string) (*domain.CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ci, ok := m.checkIns[id]
	if !ok {
		return nil, nil
	}
	cp := *ci
	return &cp, nil
}

var (
	_ repository.EventRepository        = memEvents{}
	_ repository.CategoryRepository     = memCategories{}
	_ repository.RegistrationRepository = memRegistrations{}
	_ repository.TokenRepository        = memTokens{}
	_ repository.CheckInRepository      = memCheckIns{}
)

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.RegistrationEventType
	// err is returned from every publish after recording it
	err error
}

func (p *recordingPublisher) record(t domain.RegistrationEventType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	return p.err
}

func (p *recordingPublisher) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) PublishRegistrationConfirmed(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return p.record(domain.RegistrationEventConfirmed)
}

func (p *recordingPublisher) PublishRegistrationCancelled(ctx context.Context, reg *domain.Registration) error {
	return p.record(domain.RegistrationEventCancelled)
}

func (p *recordingPublisher) PublishTokenReissued(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return p.record(domain.RegistrationEventTokenReissued)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Events() []domain.RegistrationEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RegistrationEventType(nil), p.events...)
}

// testClock is a settable clock shared by all services in a fixture
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		RetryIf:         domain.IsTransient,
	}
}

const testSecret = "test-secret-with-at-least-32-bytes!!"

// fixture wires the real services over the in-memory store and a Redis
// ledger backed by miniredis
type fixture struct {
	store        *memStore
	clock        *testClock
	ledger       InventoryLedger
	publisher    *recordingPublisher
	tokens       TokenService
	registration RegistrationService
	checkIn      CheckInService
	event        *domain.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := pkgredis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	redisLedger := repository.NewRedisLedgerRepository(client)
	require.NoError(t, redisLedger.LoadScripts(context.Background()))

	store := newMemStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}

	syncer := NewCategorySyncer(memCategories{store}, memRegistrations{store}, redisLedger)
	ledger := NewInventoryLedger(redisLedger, syncer, fastRetry())

	tokens, err := NewTokenService(memEvents{store}, memRegistrations{store}, memTokens{store}, memCheckIns{store}, publisher, &TokenServiceConfig{
		Secret: []byte(testSecret),
		Grace:  48 * time.Hour,
		Now:    clock.Now,
	})
	require.NoError(t, err)

	checkIn := NewCheckInService(tokens, memRegistrations{store}, memTokens{store}, memCheckIns{store}, clock.Now)

	event := &domain.Event{
		ID:        "event-1",
		Name:      "Tech Summit",
		StartTime: clock.Now().Add(24 * time.Hour),
		EndTime:   clock.Now().Add(32 * time.Hour),
	}
	require.NoError(t, memEvents{store}.Create(context.Background(), event))

	f := &fixture{
		store:     store,
		clock:     clock,
		ledger:    ledger,
		publisher: publisher,
		tokens:    tokens,
		checkIn:   checkIn,
		event:     event,
	}
	f.registration = f.registrationWith(&RegistrationServiceConfig{CodePrefix: "EVT"})
	return f
}

// registrationWith builds a registration service over the fixture's stores
func (f *fixture) registrationWith(cfg *RegistrationServiceConfig) RegistrationService {
	if cfg.Now == nil {
		cfg.Now = f.clock.Now
	}
	return NewRegistrationService(memCategories{f.store}, memRegistrations{f.store}, f.ledger, f.tokens, f.publisher, cfg)
}

// put stores reg without any checks, as if an earlier process had written it
func (f *fixture) put(reg *domain.Registration) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	cp := *reg
	f.store.registrations[reg.ID] = &cp
	f.store.codes[reg.RegistrationCode] = reg.ID
}

// putCheckIn stores ci without any checks
func (f *fixture) putCheckIn(ci *domain.CheckIn) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	cp := *ci
	f.store.checkIns[ci.RegistrationID] = &cp
}

// setStatus overwrites a stored registration's status
func (f *fixture) setStatus(id string, status domain.RegistrationStatus) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.registrations[id].Status = status
}

func (f *fixture) stored(t *testing.T, id string) *domain.Registration {
	t.Helper()
	reg, err := memRegistrations{f.store}.GetByID(context.Background(), id)
	require.NoError(t, err)
	return reg
}

// sequence returns the given codes in order then repeats the last one
func sequence(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}

func (f *fixture) addCategory(t *testing.T, id string, quota int, price int64) *domain.TicketCategory {
	t.Helper()
	c := &domain.TicketCategory{
		ID:      id,
		EventID: f.event.ID,
		Name:    id,
		Price:   price,
		Quota:   quota,
		Active:  true,
	}
	require.NoError(t, memCategories{f.store}.Create(context.Background(), c))
	return c
}

func (f *fixture) sold(t *testing.T, categoryID string) int {
	t.Helper()
	avail, err := f.ledger.Availability(context.Background(), categoryID)
	require.NoError(t, err)
	return avail.Sold
}

func (f *fixture) registrationCount() int {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return len(f.store.registrations)
}
