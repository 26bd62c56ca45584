// ============================================================================
// greenrack metrics - Prometheus collector
// ============================================================================
//
// Metric families:
//
//   1. Queue counters, labelled by domain:
//      - greenrack_jobs_enqueued_total
//      - greenrack_jobs_dispatched_total
//      - greenrack_jobs_completed_total
//      - greenrack_jobs_failed_total
//      - greenrack_jobs_retried_total
//      - greenrack_jobs_dead_lettered_total
//      - greenrack_jobs_reclaimed_total
//
//   2. Queue gauges and histograms:
//      - greenrack_jobs{domain,status}: current jobs per state
//      - greenrack_job_latency_seconds{domain}: handler latency
//      - greenrack_recovery_time_seconds: last WAL/snapshot recovery
//
//   3. Domain metrics:
//      - greenrack_reservations_total{rack,outcome}: accepted / rejected
//      - greenrack_rack_committed{rack}: peak committed load of the last admission
//      - greenrack_stage_completions_total{stage}
//      - greenrack_triggers_total{type,outcome}: enqueued / duplicate / ignored
//      - greenrack_http_requests_total{method,route,status}
//
// Every method is safe on a nil *Collector so components can run without
// metrics in tests.
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenrack"

// Collector holds every greenrack metric.
type Collector struct {
	gatherer prometheus.Gatherer

	// queue
	jobsEnqueued     *prometheus.CounterVec
	jobsDispatched   *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRetried      *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	jobsReclaimed    *prometheus.CounterVec
	jobs             *prometheus.GaugeVec
	jobLatency       *prometheus.HistogramVec
	recoveryTime     prometheus.Gauge

	// domain
	reservations     *prometheus.CounterVec
	rackCommitted    *prometheus.GaugeVec
	stageCompletions *prometheus.CounterVec
	triggers         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return NewCollectorWith(reg, reg)
}

// NewCollectorWith registers the metrics on reg and serves them from g.
func NewCollectorWith(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	c := &Collector{
		gatherer:         g,
		jobsEnqueued:     counter("jobs_enqueued_total", "Jobs accepted into the queue.", "domain"),
		jobsDispatched:   counter("jobs_dispatched_total", "Jobs claimed by a worker.", "domain"),
		jobsCompleted:    counter("jobs_completed_total", "Jobs whose handler succeeded.", "domain"),
		jobsFailed:       counter("jobs_failed_total", "Handler failures, including ones that will be retried.", "domain"),
		jobsRetried:      counter("jobs_retried_total", "Failures scheduled for another attempt.", "domain"),
		jobsDeadLettered: counter("jobs_dead_lettered_total", "Jobs that exhausted their attempts.", "domain"),
		jobsReclaimed:    counter("jobs_reclaimed_total", "Running jobs whose visibility timeout expired.", "domain"),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs", Help: "Current jobs per domain and status.",
		}, []string{"domain", "status"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_latency_seconds", Help: "Handler latency.", Buckets: prometheus.DefBuckets,
		}, []string{"domain"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_time_seconds", Help: "Duration of the last startup recovery.",
		}),
		reservations: counter("reservations_total", "Rack reservation attempts.", "rack", "outcome"),
		rackCommitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rack_committed", Help: "Peak committed load seen by the last admission on a rack.",
		}, []string{"rack"}),
		stageCompletions: counter("stage_completions_total", "Production stages completed.", "stage"),
		triggers:         counter("triggers_total", "Automation triggers received.", "type", "outcome"),
		httpRequests:     counter("http_requests_total", "HTTP requests served.", "method", "route", "status"),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsFailed, c.jobsRetried,
		c.jobsDeadLettered, c.jobsReclaimed, c.jobs, c.jobLatency, c.recoveryTime,
		c.reservations, c.rackCommitted, c.stageCompletions, c.triggers, c.httpRequests,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue(domain string) {
	if c != nil {
		c.jobsEnqueued.WithLabelValues(domain).Inc()
	}
}

func (c *Collector) RecordDispatch(domain string) {
	if c != nil {
		c.jobsDispatched.WithLabelValues(domain).Inc()
	}
}

// RecordCompleted counts a success and observes its latency.
func (c *Collector) RecordCompleted(domain string, latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(domain).Inc()
	c.jobLatency.WithLabelValues(domain).Observe(latency.Seconds())
}

// RecordFailed counts a handler failure; retried reports whether another attempt follows.
func (c *Collector) RecordFailed(domain string, retried bool) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(domain).Inc()
	if retried {
		c.jobsRetried.WithLabelValues(domain).Inc()
	} else {
		c.jobsDeadLettered.WithLabelValues(domain).Inc()
	}
}

func (c *Collector) RecordReclaimed(domain string) {
	if c != nil {
		c.jobsReclaimed.WithLabelValues(domain).Inc()
	}
}

// SetJobCounts replaces the per-domain per-status gauge values.
func (c *Collector) SetJobCounts(counts map[string]map[string]int) {
	if c == nil {
		return
	}
	for domain, byStatus := range counts {
		for status, n := range byStatus {
			c.jobs.WithLabelValues(domain, status).Set(float64(n))
		}
	}
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c != nil {
		c.recoveryTime.Set(d.Seconds())
	}
}

// RecordReservation counts an admission decision and the committed peak it saw.
func (c *Collector) RecordReservation(rack string, accepted bool, committed int) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	c.reservations.WithLabelValues(rack, outcome).Inc()
	c.rackCommitted.WithLabelValues(rack).Set(float64(committed))
}

func (c *Collector) RecordStageCompleted(stage string) {
	if c != nil {
		c.stageCompletions.WithLabelValues(stage).Inc()
	}
}

// RecordTrigger counts an automation trigger by outcome.
func (c *Collector) RecordTrigger(triggerType, outcome string) {
	if c != nil {
		c.triggers.WithLabelValues(triggerType, outcome).Inc()
	}
}

func (c *Collector) RecordHTTP(method, route string, status int) {
	if c != nil {
		c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	}
}
