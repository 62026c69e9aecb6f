package monitoring

import (
	"fmt"
	"time"

	"github.com/carepath/report-pipeline/internal/config"
)

// Alert kinds.
const (
	KindJobFailureRate       = "job_failure_rate"
	KindReviewBacklog        = "review_backlog"
	KindNotificationFailures = "notification_failures"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is one breached health rule.
type Alert struct {
	Kind     string         `json:"kind"`
	Severity Severity       `json:"severity"`
	Summary  string         `json:"summary"`
	Values   map[string]any `json:"values,omitempty"`
	FiredAt  time.Time      `json:"fired_at"`
}

// Rule checks one condition against a snapshot.
type Rule func(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool)

// minFinishedJobs keeps a handful of early failures from reading as a
// failure rate.
const minFinishedJobs = 5

func jobFailureRate(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished < minFinishedJobs || snap.JobFailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Kind:     KindJobFailureRate,
		Severity: SeverityHigh,
		Summary: fmt.Sprintf("%.1f%% of jobs finished in the last %dh failed (%d of %d, threshold %.1f%%)",
			snap.JobFailRate*100, snap.LookbackHours, snap.JobsFailed, finished, cfg.FailureRateThreshold*100),
		Values: map[string]any{
			"failure_rate": snap.JobFailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.JobsFailed,
			"finished":     finished,
		},
	}, true
}

func reviewBacklog(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	if cfg.ReviewBacklogThreshold <= 0 || snap.ReviewsPending <= cfg.ReviewBacklogThreshold {
		return Alert{}, false
	}
	return Alert{
		Kind:     KindReviewBacklog,
		Severity: SeverityMedium,
		Summary: fmt.Sprintf("%d reports are waiting for clinician review (threshold %d)",
			snap.ReviewsPending, cfg.ReviewBacklogThreshold),
		Values: map[string]any{"pending": snap.ReviewsPending, "threshold": cfg.ReviewBacklogThreshold},
	}, true
}

func notificationFailures(snap *MetricsSnapshot, _ config.MonitoringConfig) (Alert, bool) {
	if snap.NotificationsFailed == 0 {
		return Alert{}, false
	}
	return Alert{
		Kind:     KindNotificationFailures,
		Severity: SeverityHigh,
		Summary:  fmt.Sprintf("%d report notifications failed and wait for a re-send", snap.NotificationsFailed),
		Values:   map[string]any{"failed": snap.NotificationsFailed, "pending": snap.NotificationsPending},
	}, true
}

// DefaultRules are the rules NewAlerter evaluates.
var DefaultRules = []Rule{jobFailureRate, reviewBacklog, notificationFailures}

// Alerter evaluates health rules against snapshots.
type Alerter struct {
	cfg   config.MonitoringConfig
	rules []Rule
	now   func() time.Time
}

// NewAlerter returns an Alerter with DefaultRules, or the given rules.
func NewAlerter(cfg config.MonitoringConfig, rules ...Rule) *Alerter {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Alerter{cfg: cfg, rules: rules, now: time.Now}
}

// Evaluate returns the alerts snap breaches, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var out []Alert
	at := a.now().UTC()
	for _, rule := range a.rules {
		if alert, ok := rule(snap, a.cfg); ok {
			alert.FiredAt = at
			out = append(out, alert)
		}
	}
	return out
}
