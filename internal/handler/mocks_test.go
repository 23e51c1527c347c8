package handler

import (
	"context"
	"errors"
	"time"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/service"
)

var errNotMocked = errors.New("not mocked")

// MockRegistrationService is a mock implementation of RegistrationService for testing
type MockRegistrationService struct {
	IssueFunc                   func(ctx context.Context, categoryID string, p domain.Participant) (*service.IssueResult, error)
	ConfirmPaymentFunc          func(ctx context.Context, id string, result service.PaymentResult) (*service.IssueResult, error)
	ExpireStaleReservationsFunc func(ctx context.Context, maxAge time.Duration) (int, error)
	GetRegistrationFunc         func(ctx context.Context, id string) (*domain.Registration, error)
}

func (m *MockRegistrationService) Issue(ctx context.Context, categoryID string, p domain.Participant) (*service.IssueResult, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, categoryID, p)
	}
	return nil, errNotMocked
}

func (m *MockRegistrationService) ConfirmPayment(ctx context.Context, id string, result service.PaymentResult) (*service.IssueResult, error) {
	if m.ConfirmPaymentFunc != nil {
		return m.ConfirmPaymentFunc(ctx, id, result)
	}
	return nil, errNotMocked
}

func (m *MockRegistrationService) ExpireStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	if m.ExpireStaleReservationsFunc != nil {
		return m.ExpireStaleReservationsFunc(ctx, maxAge)
	}
	return 0, nil
}

func (m *MockRegistrationService) GetRegistration(ctx context.Context, id string) (*domain.Registration, error) {
	if m.GetRegistrationFunc != nil {
		return m.GetRegistrationFunc(ctx, id)
	}
	return nil, domain.ErrRegistrationNotFound
}

// MockInventoryLedger is a mock implementation of InventoryLedger for testing
type MockInventoryLedger struct {
	AvailabilityFunc func(ctx context.Context, categoryID string) (*domain.Availability, error)
}

func (m *MockInventoryLedger) Reserve(ctx context.Context, categoryID string) (*domain.ReservationHandle, error) {
	return nil, errNotMocked
}

func (m *MockInventoryLedger) Release(ctx context.Context, handleID string) error {
	return errNotMocked
}

func (m *MockInventoryLedger) Confirm(ctx context.Context, handleID string) error {
	return errNotMocked
}

func (m *MockInventoryLedger) Availability(ctx context.Context, categoryID string) (*domain.Availability, error) {
	if m.AvailabilityFunc != nil {
		return m.AvailabilityFunc(ctx, categoryID)
	}
	return nil, domain.ErrCategoryNotFound
}

// MockTokenService is a mock implementation of TokenService for testing
type MockTokenService struct {
	ReissueTokenFunc func(ctx context.Context, id string) (*domain.CheckInToken, error)
	RenderQRFunc     func(ctx context.Context, id string, size int) ([]byte, error)
}

func (m *MockTokenService) IssueToken(ctx context.Context, reg *domain.Registration) (*domain.CheckInToken, error) {
	return nil, errNotMocked
}

func (m *MockTokenService) ReissueToken(ctx context.Context, id string) (*domain.CheckInToken, error) {
	if m.ReissueTokenFunc != nil {
		return m.ReissueTokenFunc(ctx, id)
	}
	return nil, errNotMocked
}

func (m *MockTokenService) CurrentToken(ctx context.Context, id string) (*domain.CheckInToken, error) {
	return nil, errNotMocked
}

func (m *MockTokenService) ParseToken(token string) (*service.TokenClaims, error) {
	return nil, errNotMocked
}

func (m *MockTokenService) RenderQR(ctx context.Context, id string, size int) ([]byte, error) {
	if m.RenderQRFunc != nil {
		return m.RenderQRFunc(ctx, id, size)
	}
	return nil, errNotMocked
}

// MockCheckInService is a mock implementation of CheckInService for testing
type MockCheckInService struct {
	VerifyAndCheckInFunc func(ctx context.Context, token, staffID, eventID string) (*domain.CheckIn, error)
}

func (m *MockCheckInService) VerifyAndCheckIn(ctx context.Context, token, staffID, eventID string) (*domain.CheckIn, error) {
	if m.VerifyAndCheckInFunc != nil {
		return m.VerifyAndCheckInFunc(ctx, token, staffID, eventID)
	}
	return nil, errNotMocked
}

// MockHealthChecker returns err from every check
type MockHealthChecker struct {
	err error
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.err
}

var (
	_ service.RegistrationService = (*MockRegistrationService)(nil)
	_ service.InventoryLedger     = (*MockInventoryLedger)(nil)
	_ service.TokenService        = (*MockTokenService)(nil)
	_ service.CheckInService      = (*MockCheckInService)(nil)
)
