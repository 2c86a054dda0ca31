package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReceiptMetrics tracks the receipt lifecycle on the Prometheus registry.
type ReceiptMetrics struct {
	transitions     *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	renderTimeouts  *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
	cartItems       *prometheus.CounterVec
}

func NewReceiptMetrics(registerer prometheus.Registerer, cfg Config) *ReceiptMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &ReceiptMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "receiptflow_receipt_transitions_total",
			Help:        "Receipt status transitions persisted.",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "receiptflow_receipt_render_duration_seconds",
			Help:        "Time spent rendering and storing one receipt document.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: labels,
		}, []string{"role", "template"}),
		renderTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "receiptflow_receipt_render_timeouts_total",
			Help:        "Document renders abandoned at the deadline.",
			ConstLabels: labels,
		}, []string{"role"}),
		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "receiptflow_store_conflict_retries_total",
			Help:        "Conditional writes retried after losing a version race.",
			ConstLabels: labels,
		}, []string{"resource"}),
		cartItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "receiptflow_cart_items_total",
			Help:        "Cart payment arrivals by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}

	registerer.MustRegister(m.transitions, m.renderDuration, m.renderTimeouts, m.conflictRetries, m.cartItems)
	return m
}

func (m *ReceiptMetrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ReceiptMetrics) ObserveRender(role, template string, duration time.Duration) {
	if m == nil {
		return
	}
	m.renderDuration.WithLabelValues(role, template).Observe(duration.Seconds())
}

func (m *ReceiptMetrics) IncRenderTimeout(role string) {
	if m == nil {
		return
	}
	m.renderTimeouts.WithLabelValues(role).Inc()
}

func (m *ReceiptMetrics) IncConflictRetry(resource string) {
	if m == nil {
		return
	}
	m.conflictRetries.WithLabelValues(resource).Inc()
}

func (m *ReceiptMetrics) IncCartItem(outcome string) {
	if m == nil {
		return
	}
	m.cartItems.WithLabelValues(outcome).Inc()
}
