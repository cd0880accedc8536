// Package metrics exports Prometheus instruments for the order lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketplace"

// OrderMetrics records order lifecycle outcomes. A nil *OrderMetrics is a
// valid no-op recorder.
type OrderMetrics struct {
	checkouts       *prometheus.CounterVec
	payments        *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	statusUpdates   *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	restockSkipped  prometheus.Counter
	gatewayDuration *prometheus.HistogramVec
}

// NewOrderMetrics registers the order metrics on the provided registerer.
func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	if reg == nil {
		return &OrderMetrics{}
	}
	m := &OrderMetrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment attempts by outcome.",
		}, []string{"outcome"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Order cancellations by outcome.",
		}, []string{"outcome"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_updates_total",
			Help:      "Seller status updates by target status.",
		}, []string{"status"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered, by event.",
		}, []string{"event"}),
		restockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restock_skipped_total",
			Help:      "Order items whose stock could not be restored on cancel.",
		}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(
		m.checkouts,
		m.payments,
		m.cancellations,
		m.statusUpdates,
		m.notifyFailures,
		m.restockSkipped,
		m.gatewayDuration,
	)
	return m
}

func (m *OrderMetrics) Checkout(outcome string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *OrderMetrics) Payment(outcome string) {
	if m == nil || m.payments == nil {
		return
	}
	m.payments.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *OrderMetrics) Cancellation(outcome string) {
	if m == nil || m.cancellations == nil {
		return
	}
	m.cancellations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *OrderMetrics) StatusUpdate(status string) {
	if m == nil || m.statusUpdates == nil {
		return
	}
	m.statusUpdates.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *OrderMetrics) NotificationFailed(event string) {
	if m == nil || m.notifyFailures == nil {
		return
	}
	m.notifyFailures.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *OrderMetrics) RestockSkipped(n int) {
	if m == nil || m.restockSkipped == nil || n <= 0 {
		return
	}
	m.restockSkipped.Add(float64(n))
}

// ObserveGateway records how long a gateway operation took.
func (m *OrderMetrics) ObserveGateway(operation string, duration time.Duration) {
	if m == nil || m.gatewayDuration == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
