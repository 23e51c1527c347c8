package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/service"
	"github.com/komuji/ticketing/pkg/logger"
)

// ExpiryWorkerConfig contains configuration for the expiry worker
type ExpiryWorkerConfig struct {
	// ScanInterval is the interval between sweeps
	ScanInterval time.Duration
	// MaxAge is how long a reservation may wait for payment
	MaxAge time.Duration
}

// DefaultExpiryWorkerConfig returns default configuration
func DefaultExpiryWorkerConfig() *ExpiryWorkerConfig {
	return &ExpiryWorkerConfig{
		ScanInterval: time.Minute,
		MaxAge:       15 * time.Minute,
	}
}

// ExpiryWorker periodically releases reservations nobody paid for. Several
// workers may sweep at once; the registration service makes that safe.
type ExpiryWorker struct {
	registrations service.RegistrationService
	config        *ExpiryWorkerConfig
	log           *logger.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool

	// Stats
	totalExpired     int64
	lastScanTime     time.Time
	lastExpiredCount int
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(registrations service.RegistrationService, config *ExpiryWorkerConfig) *ExpiryWorker {
	defaults := DefaultExpiryWorkerConfig()
	if config == nil {
		config = defaults
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}

	return &ExpiryWorker{
		registrations: registrations,
		config:        config,
		log:           logger.Get(),
		stopCh:        make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop or ctx is done
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("expiry worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("starting expiry worker",
		zap.Duration("scan_interval", w.config.ScanInterval),
		zap.Duration("max_age", w.config.MaxAge),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

// Run sweeps until ctx is done; for use under an errgroup
func (w *ExpiryWorker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Stop stops the expiry worker and waits for the current sweep to finish
func (w *ExpiryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("stopping expiry worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("expiry worker stopped")
}

func (w *ExpiryWorker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many reservations it expired
func (w *ExpiryWorker) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := w.registrations.ExpireStaleReservations(ctx, w.config.MaxAge)

	w.mu.Lock()
	w.lastScanTime = start
	w.lastExpiredCount = n
	w.totalExpired += int64(n)
	w.mu.Unlock()

	if err != nil {
		w.log.Error("reservation sweep failed", zap.Error(err))
		return n
	}
	if n > 0 {
		w.log.Info("expired stale reservations",
			zap.Int("count", n),
			zap.Duration("took", time.Since(start)),
		)
	}
	return n
}

// GetStats returns worker statistics
func (w *ExpiryWorker) GetStats() *ExpiryWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &ExpiryWorkerStats{
		IsRunning:        w.running,
		TotalExpired:     w.totalExpired,
		LastScanTime:     w.lastScanTime,
		LastExpiredCount: w.lastExpiredCount,
	}
}

// ExpiryWorkerStats contains worker statistics
type ExpiryWorkerStats struct {
	IsRunning        bool      `json:"is_running"`
	TotalExpired     int64     `json:"total_expired"`
	LastScanTime     time.Time `json:"last_scan_time"`
	LastExpiredCount int       `json:"last_expired_count"`
}
