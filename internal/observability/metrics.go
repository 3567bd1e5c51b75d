package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ministore"

// Metrics groups the collectors the engine records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
	Checkouts         *prometheus.CounterVec
	CheckoutRetries   prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	DiscountChecks    *prometheus.CounterVec
	DroppedEvents     prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers collectors with reg. Tests pass prometheus.NewRegistry()
// so repeated construction does not collide with the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "attempts_total",
			Help:      "Order creation attempts by outcome.",
		}, []string{"outcome"}),
		CheckoutRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "conflict_retries_total",
			Help:      "Checkout transactions retried after lock contention.",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "status_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to"}),
		DiscountChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discount",
			Name:      "validations_total",
			Help:      "Discount code validations by result.",
		}, []string{"result"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Order events dropped because the publish queue was full.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.CheckoutRetries, m.StatusTransitions, m.DiscountChecks, m.DroppedEvents)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) CheckoutOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CheckoutRetried() {
	if m == nil {
		return
	}
	m.CheckoutRetries.Inc()
}

func (m *Metrics) StatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) DiscountChecked(result string) {
	if m == nil {
		return
	}
	m.DiscountChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}
