// Package metrics instruments the pulse components with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take an optional
// *Metrics without guarding every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fleet"

// Metrics holds the collectors registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	jobsClaimed    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	claimConflicts prometheus.Counter
	jobsReaped     prometheus.Counter
	targets        *prometheus.CounterVec
	remoteCalls    *prometheus.HistogramVec
	lockBusy       *prometheus.CounterVec
	resourcesDead  prometheus.Counter
	carouselPasses *prometheus.CounterVec
	workersActive  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
// Go runtime and process collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "claimed_total",
			Help: "Jobs claimed by pollers.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Jobs that reached a terminal status or were handed off.",
		}, []string{"kind", "status"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "claim_conflicts_total",
			Help: "Claims lost to a concurrent claimant.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "reaped_total",
			Help: "Claims expired by the lease reaper.",
		}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "controller", Name: "targets_total",
			Help: "Targets processed, by outcome.",
		}, []string{"kind", "outcome"}),
		remoteCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "remote", Name: "call_duration_seconds",
			Help:    "Latency of remote actions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "busy_total",
			Help: "Resources skipped for a round because their lock was held.",
		}, []string{"scope"}),
		resourcesDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "controller", Name: "resources_dead_total",
			Help: "Resources evicted mid-job.",
		}),
		carouselPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "carousel", Name: "passes_total",
			Help: "Recurring watch passes, by result.",
		}, []string{"result"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pulse", Name: "workers_active",
			Help: "Pollers currently executing a job.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsClaimed, m.jobsFinished, m.claimConflicts, m.jobsReaped,
		m.targets, m.remoteCalls, m.lockBusy, m.resourcesDead,
		m.carouselPasses, m.workersActive,
	)
	return m
}

// Registry exposes the registry for an HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobClaimed(kind string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(kind, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsReaped.Add(float64(n))
}

func (m *Metrics) Target(kind, outcome string) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RemoteCall(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) LockBusy(scope string) {
	if m == nil {
		return
	}
	m.lockBusy.WithLabelValues(scope).Inc()
}

func (m *Metrics) ResourceDead() {
	if m == nil {
		return
	}
	m.resourcesDead.Inc()
}

func (m *Metrics) CarouselPass(result string) {
	if m == nil {
		return
	}
	m.carouselPasses.WithLabelValues(result).Inc()
}

// WorkerActive moves the active-worker gauge by delta
func (m *Metrics) WorkerActive(delta int) {
	if m == nil {
		return
	}
	m.workersActive.Add(float64(delta))
}
