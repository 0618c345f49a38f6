package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "groupcast_router"

// Collector is a prometheus.Collector with the Router's counters.
type Collector struct {
	commits          *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	routingErrors    *prometheus.CounterVec
	dispatchFailures prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commits_total",
				Help:      "The number of commit attempts by result.",
			}, []string{"result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of notifications dispatched by group change.",
			}, []string{"change"},
		),
		routingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "routing_errors_total",
				Help:      "The number of notifications dropped by routing errors.",
			}, []string{"code"},
		),
		dispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_failures_total",
				Help:      "The number of subscriber deliveries that failed.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.commits.Describe(ch)
	c.notifications.Describe(ch)
	c.routingErrors.Describe(ch)
	c.dispatchFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.commits.Collect(ch)
	c.notifications.Collect(ch)
	c.routingErrors.Collect(ch)
	c.dispatchFailures.Collect(ch)
}

func (c *Collector) commit(result string) {
	if c != nil {
		c.commits.WithLabelValues(result).Inc()
	}
}

func (c *Collector) notification(change string) {
	if c != nil {
		c.notifications.WithLabelValues(change).Inc()
	}
}

func (c *Collector) routingError(code RoutingErrorCode) {
	if c != nil {
		c.routingErrors.WithLabelValues(string(code)).Inc()
	}
}

func (c *Collector) dispatchFailed(n int) {
	if c != nil && n > 0 {
		c.dispatchFailures.Add(float64(n))
	}
}
