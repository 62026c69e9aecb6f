package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health. Job
// counts cover the lookback window; review and notification counts are
// current totals.
type MetricsSnapshot struct {
	JobsTotal      int     `json:"jobs_total"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	JobsInProgress int     `json:"jobs_in_progress"`
	JobsPending    int     `json:"jobs_pending"`
	JobFailRate    float64 `json:"job_fail_rate"`

	ReviewsPending int `json:"reviews_pending"`

	NotificationsPending int `json:"notifications_pending"`
	NotificationsSent    int `json:"notifications_sent"`
	NotificationsFailed  int `json:"notifications_failed"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Counter is the subset of store.Store the collector reads.
type Counter interface {
	CountJobs(ctx context.Context, filter store.JobFilter) (int, error)
	CountReviews(ctx context.Context, status model.ReviewStatus) (int, error)
	CountNotifications(ctx context.Context, status model.NotificationStatus) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Counter
}

// NewCollector creates a new metrics collector.
func NewCollector(st Counter) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobCounts := []struct {
		status model.JobStatus
		dst    *int
	}{
		{"", &snap.JobsTotal},
		{model.JobStatusCompleted, &snap.JobsCompleted},
		{model.JobStatusFailed, &snap.JobsFailed},
		{model.JobStatusInProgress, &snap.JobsInProgress},
		{model.JobStatusPending, &snap.JobsPending},
	}
	for _, jc := range jobCounts {
		n, err := c.store.CountJobs(ctx, store.JobFilter{Status: jc.status, CreatedAfter: cutoff})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count jobs (%s)", jc.status)
		}
		*jc.dst = n
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	n, err := c.store.CountReviews(ctx, model.ReviewPending)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending reviews")
	}
	snap.ReviewsPending = n

	notifCounts := []struct {
		status model.NotificationStatus
		dst    *int
	}{
		{model.NotificationPending, &snap.NotificationsPending},
		{model.NotificationSent, &snap.NotificationsSent},
		{model.NotificationFailed, &snap.NotificationsFailed},
	}
	for _, nc := range notifCounts {
		n, err := c.store.CountNotifications(ctx, nc.status)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count notifications (%s)", nc.status)
		}
		*nc.dst = n
	}
	return snap, nil
}
