package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ticketsCreated *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	waitMinutes    prometheus.Histogram
	serviceSeconds prometheus.Histogram
}

// NewMetrics registers the queue collectors on reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ticketsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_tickets_created_total",
			Help: "Tickets created, by agency and service",
		}, []string{"agency", "service"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_ticket_transitions_total",
			Help: "Successful ticket transitions, by action",
		}, []string{"action"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_operation_failures_total",
			Help: "Failed queue operations, by operation and reason",
		}, []string{"operation", "reason"}),
		waitMinutes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_ticket_wait_minutes",
			Help:    "Minutes a ticket waited before being called",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120},
		}),
		serviceSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_ticket_service_seconds",
			Help:    "Seconds between call and finish of a ticket",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
	}
}
