package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronJobMetricsExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.ObserveDuration("reconcile", 250*time.Millisecond)
	m.IncSuccess("reconcile")
	m.IncFailure("reconcile")
	m.IncFailure("")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.success.WithLabelValues("reconcile")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failure.WithLabelValues("reconcile")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failure.WithLabelValues("unknown")))

	families, err := reg.Gather()
	require.NoError(t, err)
	hist := findFamily(families, "membergate_job_duration_seconds")
	require.NotNil(t, hist)
	require.Len(t, hist.GetMetric(), 1)
	assert.InDelta(t, 0.25, hist.GetMetric()[0].GetHistogram().GetSampleSum(), 0.0001)
}

func TestOutcomeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutcomeMetrics(reg)
	m.Inc("reconcile", "removed")
	m.Add("reconcile", "removed", 2)
	m.Add("reconcile", "failed", 0)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.outcomes.WithLabelValues("reconcile", "removed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.outcomes))
}

func TestNilRegistererIsNoop(t *testing.T) {
	var cron *CronJobMetrics
	cron.IncSuccess("x")
	NewCronJobMetrics(nil).ObserveDuration("x", time.Second)

	var outcomes *OutcomeMetrics
	outcomes.Inc("x", "y")
	NewOutcomeMetrics(nil).Inc("x", "y")
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}
