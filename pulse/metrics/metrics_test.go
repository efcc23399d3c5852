package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series name{labels}; counters, gauges and
// histogram sample counts are supported.
func sample(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobClaimed("fanout")
		m.JobFinished("fanout", "completed")
		m.ClaimConflict()
		m.Reaped(3)
		m.Target("fanout", "ok")
		m.RemoteCall("join", time.Second)
		m.LockBusy("1000")
		m.ResourceDead()
		m.CarouselPass("ok")
		m.WorkerActive(1)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.JobClaimed("fanout")
	m.JobClaimed("fanout")
	m.JobClaimed("watch")
	assert.Equal(t, 2.0, sample(t, m, "fleet_jobs_claimed_total", map[string]string{"kind": "fanout"}))
	assert.Equal(t, 1.0, sample(t, m, "fleet_jobs_claimed_total", map[string]string{"kind": "watch"}))

	m.Target("fanout", "ok")
	m.Target("fanout", "permanent_fail")
	m.Target("fanout", "ok")
	assert.Equal(t, 2.0, sample(t, m, "fleet_controller_targets_total", map[string]string{"kind": "fanout", "outcome": "ok"}))

	m.Reaped(0)
	m.Reaped(2)
	assert.Equal(t, 2.0, sample(t, m, "fleet_jobs_reaped_total", nil))

	m.WorkerActive(1)
	m.WorkerActive(1)
	m.WorkerActive(-1)
	assert.Equal(t, 1.0, sample(t, m, "fleet_pulse_workers_active", nil))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.RemoteCall("join", 120*time.Millisecond)
	m.RemoteCall("join", 80*time.Millisecond)

	assert.Equal(t, 2.0, sample(t, m, "fleet_remote_call_duration_seconds", map[string]string{"action": "join"}))
	assert.Greater(t, sample(t, m, "go_goroutines", nil), 0.0)
}
