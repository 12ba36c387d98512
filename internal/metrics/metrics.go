// Package metrics owns the Prometheus collectors of both binaries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agri_market"

type Metrics struct {
	reg prometheus.Gatherer

	ordersPlaced    prometheus.Counter
	orderValue      prometheus.Histogram
	ordersRejected  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted and fully stocked.",
		}),
		orderValue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_value",
			Help:      "Total amount of placed orders.",
			Buckets:   prometheus.ExponentialBuckets(10, 2.5, 8),
		}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Order placements that failed, by error code.",
		}, []string{"code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions run, by step and result.",
		}, []string{"step", "result"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Order events handled by the tracker.",
		}, []string{"type", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.reg = reg
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersPlaced, m.orderValue, m.ordersRejected, m.transitions,
		m.compensations, m.eventsConsumed, m.requestDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(total float64) {
	m.ordersPlaced.Inc()
	m.orderValue.Observe(total)
}

func (m *Metrics) OrderRejected(code string) { m.ordersRejected.WithLabelValues(code).Inc() }

func (m *Metrics) StatusChanged(from, to string) { m.transitions.WithLabelValues(from, to).Inc() }

func (m *Metrics) Compensation(step string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(step, result).Inc()
}

func (m *Metrics) EventConsumed(eventType, result string) {
	m.eventsConsumed.WithLabelValues(eventType, result).Inc()
}

// Middleware times requests by chi route pattern, so ids in paths do not
// explode the label space.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
