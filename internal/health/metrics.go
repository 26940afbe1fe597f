package health

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

const metricsTimeout = 10 * time.Second

// Outcome label values
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics counts job outcomes. It implements queue.Observer.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

var _ queue.Observer = (*Metrics)(nil)

// NewMetrics creates the outcome counters
func NewMetrics() *Metrics {
	return &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Number of processed jobs by source, job name and outcome",
		}, []string{"source", "job_name", "outcome"}),
	}
}

func (m *Metrics) JobSucceeded(source, jobName string) {
	m.outcomes.WithLabelValues(source, jobName, OutcomeSucceeded).Inc()
}

func (m *Metrics) JobRetried(source, jobName string) {
	m.outcomes.WithLabelValues(source, jobName, OutcomeRetried).Inc()
}

func (m *Metrics) JobDeadLettered(source, jobName string) {
	m.outcomes.WithLabelValues(source, jobName, OutcomeDeadLettered).Inc()
}

// collector reads live values from the reporter on every scrape
type collector struct {
	reporter *Reporter
	running  *prometheus.Desc
	inFlight *prometheus.Desc
	depth    *prometheus.Desc
}

func newCollector(reporter *Reporter) *collector {
	return &collector{
		reporter: reporter,
		running: prometheus.NewDesc(
			"queue_running",
			"Whether the consumer of a source is running",
			[]string{"source"}, nil,
		),
		inFlight: prometheus.NewDesc(
			"queue_in_flight",
			"Number of items being processed by a source",
			[]string{"source"}, nil,
		),
		depth: prometheus.NewDesc(
			"queue_depth",
			"Number of items waiting in a source",
			[]string{"source"}, nil,
		),
	}
}

// Describe sends metric descriptors to the channel
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.inFlight
	ch <- c.depth
}

// Collect snapshots the reporter and sends the gauges to the channel
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()

	status := c.reporter.Report(ctx)
	for name, component := range status.Components {
		running := 0.0
		if component.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running, name)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(component.ProcessingCount), name)
		if component.QueueDepth != nil {
			ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(*component.QueueDepth), name)
		}
	}
}

// NewRegistry builds a registry holding the reporter gauges, the outcome
// counters and the Go runtime collectors. metrics may be nil.
func NewRegistry(reporter *Reporter, metrics *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newCollector(reporter),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if metrics != nil {
		registry.MustRegister(metrics.outcomes)
	}
	return registry
}

// Handler serves the registry in the Prometheus exposition format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
