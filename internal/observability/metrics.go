package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the round-up engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	groups            *prometheus.CounterVec
	allocatedAmount   *prometheus.CounterVec
	holdsCancelled    prometheus.Counter
	holdErrors        prometheus.Counter
	transfersCreated  prometheus.Counter
	railDuration      *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	webhookOrphans    prometheus.Counter
	reservationRetry  prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. A private registry lets tests build several
// instances without duplicate collector panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		reconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundup_reconcile_runs_total",
				Help: "Per-user reconciliation runs by outcome.",
			},
			[]string{"outcome"},
		),
		reconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roundup_reconcile_duration_seconds",
				Help:    "Duration of a per-user reconciliation.",
				Buckets: prometheus.DefBuckets,
			},
		),
		groups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundup_groups_total",
				Help: "Source account groups processed by resulting status.",
			},
			[]string{"status"},
		),
		allocatedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundup_allocated_amount_total",
				Help: "Round-up amount committed, in currency units, by bucket.",
			},
			[]string{"bucket"},
		),
		holdsCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundup_holds_cancelled_total",
				Help: "Authorization holds cancelled or found already terminal.",
			},
		),
		holdErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundup_hold_errors_total",
				Help: "Authorization holds that could not be cancelled.",
			},
		),
		transfersCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundup_transfers_created_total",
				Help: "Transfers created on the payment rail.",
			},
		),
		railDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roundup_rail_request_duration_seconds",
				Help:    "Duration of payment rail calls by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundup_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundup_webhook_events_total",
				Help: "Transfer webhook events by reported status and handling result.",
			},
			[]string{"status", "result"},
		),
		webhookOrphans: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundup_webhook_orphans_total",
				Help: "Transfer ids still unknown after the orphan window.",
			},
		),
		reservationRetry: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundup_reservation_retries_total",
				Help: "Allocation reservations retried after a concurrent subscription update.",
			},
		),
	}
}

// RecordRun records one per-user reconciliation.
func (m *Metrics) RecordRun(outcome string, d time.Duration) {
	m.reconcileRuns.WithLabelValues(outcome).Inc()
	m.reconcileDuration.Observe(d.Seconds())
}

// IncrGroup increments the group counter with a status label.
func (m *Metrics) IncrGroup(status string) {
	m.groups.WithLabelValues(status).Inc()
}

// AddAllocated records committed subscription and loan amounts.
func (m *Metrics) AddAllocated(subscription, loan decimal.Decimal) {
	m.allocatedAmount.WithLabelValues("subscription").Add(subscription.InexactFloat64())
	m.allocatedAmount.WithLabelValues("loan").Add(loan.InexactFloat64())
}

// RecordHolds records a batch of hold cancellations.
func (m *Metrics) RecordHolds(cancelled, failed int) {
	m.holdsCancelled.Add(float64(cancelled))
	m.holdErrors.Add(float64(failed))
}

// IncrTransferCreated increments the created transfer counter.
func (m *Metrics) IncrTransferCreated() {
	m.transfersCreated.Inc()
}

// RecordRailDuration records the duration of a rail operation.
func (m *Metrics) RecordRailDuration(operation string, d time.Duration) {
	m.railDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrWebhookEvent increments the webhook event counter.
func (m *Metrics) IncrWebhookEvent(status, result string) {
	m.webhookEvents.WithLabelValues(status, result).Inc()
}

// IncrWebhookOrphan increments the orphaned webhook counter.
func (m *Metrics) IncrWebhookOrphan() {
	m.webhookOrphans.Inc()
}

// IncrReservationRetry increments the reservation retry counter.
func (m *Metrics) IncrReservationRetry() {
	m.reservationRetry.Inc()
}
