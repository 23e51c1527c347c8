package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/komuji/ticketing/internal/domain"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_reservations_total",
			Help: "Registration attempts by outcome",
		},
		[]string{"result"},
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_checkins_total",
			Help: "Check-in scans by outcome",
		},
		[]string{"result"},
	)

	tokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_tokens_issued_total",
			Help: "Check-in tokens signed",
		},
		[]string{"kind"},
	)

	reservationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_reservations_expired_total",
			Help: "Unpaid reservations released by the sweeper",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_events_published_total",
			Help: "Outbound registration events by outcome",
		},
		[]string{"type", "result"},
	)

	ledgerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketing_ledger_operation_seconds",
			Help:    "Latency of inventory ledger operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "backend"},
	)
)

// Token kinds
const (
	TokenIssued   = "issued"
	TokenReissued = "reissued"
)

// Result maps an operation error to a low-cardinality label value
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSoldOut):
		return "sold_out"
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		return "already_checked_in"
	case errors.Is(err, domain.ErrValidation):
		return "invalid_request"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case domain.IsFraudSignal(err):
		return "rejected"
	case domain.IsNotFoundError(err):
		return "not_found"
	case domain.IsConflictError(err):
		return "conflict"
	case domain.IsTransient(err):
		return "unavailable"
	}
	return "error"
}

// RecordReservation counts an Issue outcome
func RecordReservation(err error) {
	reservations.WithLabelValues(Result(err)).Inc()
}

// RecordCheckIn counts a scan outcome
func RecordCheckIn(err error) {
	checkIns.WithLabelValues(Result(err)).Inc()
}

// RecordTokenIssued counts a signed token
func RecordTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

// RecordExpired counts swept reservations
func RecordExpired(n int) {
	reservationsExpired.Add(float64(n))
}

// RecordPublish counts an outbound event
func RecordPublish(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	eventsPublished.WithLabelValues(eventType, result).Inc()
}

// ObserveLedger records the latency of one ledger call
func ObserveLedger(op, backend string, start time.Time) {
	ledgerDuration.WithLabelValues(op, backend).Observe(time.Since(start).Seconds())
}
