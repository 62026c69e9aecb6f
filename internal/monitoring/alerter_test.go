package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:   0.10,
		ReviewBacklogThreshold: 20,
		LookbackWindowHours:    24,
	}
}

func kinds(alerts []Alert) []string {
	var out []string
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		snap MetricsSnapshot
		want []string
	}{
		{"healthy", MetricsSnapshot{JobsCompleted: 95, JobsFailed: 5, JobFailRate: 0.05, ReviewsPending: 3}, nil},
		{"failure rate", MetricsSnapshot{JobsCompleted: 12, JobsFailed: 8, JobFailRate: 0.4}, []string{KindJobFailureRate}},
		{"too few finished", MetricsSnapshot{JobsCompleted: 1, JobsFailed: 2, JobFailRate: 0.666}, nil},
		{"review backlog", MetricsSnapshot{ReviewsPending: 21}, []string{KindReviewBacklog}},
		{"backlog at threshold", MetricsSnapshot{ReviewsPending: 20}, nil},
		{"failed notifications", MetricsSnapshot{NotificationsFailed: 2}, []string{KindNotificationFailures}},
		{
			"everything",
			MetricsSnapshot{JobsCompleted: 10, JobsFailed: 10, JobFailRate: 0.5, ReviewsPending: 40, NotificationsFailed: 1},
			[]string{KindJobFailureRate, KindReviewBacklog, KindNotificationFailures},
		},
	}
	a := NewAlerter(testMonitoringConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			snap.LookbackHours = 24
			assert.Equal(t, tt.want, kinds(a.Evaluate(&snap)))
		})
	}
}

func TestAlerter_FailureRateAlert(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	a.now = func() time.Time { return at }

	alerts := a.Evaluate(&MetricsSnapshot{JobsCompleted: 12, JobsFailed: 8, JobFailRate: 0.4, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Summary, "40.0%")
	assert.Contains(t, alerts[0].Summary, "8 of 20")
	assert.Equal(t, 20, alerts[0].Values["finished"])
	assert.Equal(t, at.UTC(), alerts[0].FiredAt)
}

func TestAlerter_BacklogDisabled(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.ReviewBacklogThreshold = 0
	assert.Empty(t, NewAlerter(cfg).Evaluate(&MetricsSnapshot{ReviewsPending: 500}))
}

func TestAlerter_CustomRules(t *testing.T) {
	pendingJobs := func(snap *MetricsSnapshot, _ config.MonitoringConfig) (Alert, bool) {
		return Alert{Kind: "stuck_jobs", Severity: SeverityMedium}, snap.JobsPending > 100
	}
	a := NewAlerter(testMonitoringConfig(), pendingJobs)
	assert.Equal(t, []string{"stuck_jobs"}, kinds(a.Evaluate(&MetricsSnapshot{JobsPending: 101, NotificationsFailed: 3})))
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{JobsPending: 5}))
}
