// Package metrics exposes the service's prometheus collectors. Every method
// is safe on a nil *Collector so callers can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	BookingsTotal          *prometheus.CounterVec
	AppointmentTransitions *prometheus.CounterVec
	QueueTransitions       *prometheus.CounterVec
	TokensIssued           prometheus.Counter

	EventsDropped prometheus.Counter
	DBConnections prometheus.Gauge
}

// NewCollector registers every metric on a fresh registry.
func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome (booked, slot_unavailable, duplicate, invalid, error).",
		}, []string{"outcome"}),

		AppointmentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions by source and target status.",
		}, []string{"from", "to"}),

		QueueTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Queue entry status transitions by target status.",
		}, []string{"to"}),

		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "tokens_issued_total",
			Help:      "Queue tokens issued.",
		}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped due to a full dispatch buffer. Alert if non-zero.",
		}),

		DBConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "db",
			Name:      "open_connections",
			Help:      "Current number of open database connections.",
		}),
	}
}

func (c *Collector) ObserveBooking(outcome string) {
	if c == nil {
		return
	}
	c.BookingsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveAppointmentTransition(from, to string) {
	if c == nil {
		return
	}
	c.AppointmentTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) ObserveQueueTransition(to string) {
	if c == nil {
		return
	}
	c.QueueTransitions.WithLabelValues(to).Inc()
}

func (c *Collector) ObserveTokenIssued() {
	if c == nil {
		return
	}
	c.TokensIssued.Inc()
}

func (c *Collector) ObserveEventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

func (c *Collector) SetDBConnections(n int32) {
	if c == nil {
		return
	}
	c.DBConnections.Set(float64(n))
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
