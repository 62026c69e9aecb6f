package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/audit"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/pkg/notify"
)

// Reasons reported on a delivery result that did not reach DELIVERED.
const (
	ReasonJobNotCompleted = "job_not_completed"
	ReasonNoReport        = "report_not_rendered"
	ReasonReviewPending   = "review_pending"
	ReasonReviewRejected  = "review_rejected"
	ReasonConsentMissing  = "consent_missing"
	ReasonSendInFlight    = "send_in_flight"
	ReasonSendFailed      = "send_failed"
)

const maxErrorText = 500

// abandonedSendAfter ages pending sends when the transport has no attempt
// timeout to derive a budget from.
const abandonedSendAfter = 15 * time.Minute

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func notReady(reasons ...string) *model.DeliveryResult {
	return &model.DeliveryResult{State: model.DeliveryNotReady, Reasons: reasons}
}

// deliver runs the notification state machine for a completed job. It only
// returns an error for store failures; every delivery outcome is a result.
func (o *Orchestrator) deliver(ctx context.Context, job *model.ProcessingJob) (*model.DeliveryResult, error) {
	if job.Status != model.JobStatusCompleted || job.Stage != model.StageCompleted {
		return notReady(ReasonJobNotCompleted), nil
	}

	report, err := o.requirePDF(ctx, job, model.StageCompleted)
	if IsPrecondition(err) {
		return notReady(ReasonNoReport), nil
	}
	if err != nil {
		return nil, err
	}

	review, err := o.store.GetReview(ctx, job.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, eris.Wrap(err, "pipeline: delivery review gate")
	case review.Status == model.ReviewPending:
		return notReady(ReasonReviewPending), nil
	case review.Status == model.ReviewRejected:
		return notReady(ReasonReviewRejected), nil
	}

	channel := o.cfg.Delivery.Channel
	if o.cfg.Delivery.RequireConsent {
		consent, err := o.store.GetConsent(ctx, job.ID, channel)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(err, "pipeline: delivery consent check")
		}
		if consent == nil || !consent.Granted {
			return &model.DeliveryResult{State: model.DeliveryReady, Reasons: []string{ReasonConsentMissing}}, nil
		}
	}

	rec, created, err := o.store.CreateNotification(ctx, &model.NotificationRecord{
		JobID:        job.ID,
		Type:         model.NotificationReportReady,
		Channel:      channel,
		RecipientRef: job.AssessmentRef,
		Status:       model.NotificationPending,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create notification")
	}

	if !created {
		switch rec.Status {
		case model.NotificationSent, model.NotificationDelivered:
			return deliveryResult(model.DeliveryDelivered, rec, false), nil
		case model.NotificationPending:
			reclaimed, err := o.reclaimAbandoned(ctx, rec)
			if err != nil {
				return nil, err
			}
			if !reclaimed {
				res := deliveryResult(model.DeliveryReady, rec, false)
				res.Reasons = []string{ReasonSendInFlight}
				return res, nil
			}
		case model.NotificationFailed:
			ok, err := o.store.TransitionNotification(ctx, rec.ID, model.NotificationFailed, model.NotificationPending, rec.LastError)
			if err != nil {
				return nil, eris.Wrap(err, "pipeline: re-arm notification")
			}
			if !ok {
				// Another caller re-armed it first.
				current, err := o.store.GetNotification(ctx, rec.ID)
				if err != nil {
					return nil, eris.Wrap(err, "pipeline: re-read notification")
				}
				state := model.DeliveryReady
				if current.Status == model.NotificationSent || current.Status == model.NotificationDelivered {
					state = model.DeliveryDelivered
				}
				return deliveryResult(state, current, false), nil
			}
			rec.Status = model.NotificationPending
		}
	}

	return o.send(ctx, job, rec, report, created)
}

// reclaimAbandoned takes over a pending record whose sender has been silent
// for longer than a full send could take. At most one caller wins.
func (o *Orchestrator) reclaimAbandoned(ctx context.Context, rec *model.NotificationRecord) (bool, error) {
	budget := o.retryPolicy("notify", o.cfg.Delivery.Timeout()).Budget()
	if budget <= 0 {
		budget = abandonedSendAfter
	}
	idle := o.now().Sub(rec.UpdatedAt)
	if idle <= budget {
		return false, nil
	}
	ok, err := o.store.ReclaimNotification(ctx, rec.ID, rec.Attempts, "send abandoned")
	if err != nil {
		return false, eris.Wrap(err, "pipeline: reclaim notification")
	}
	if !ok {
		return false, nil
	}
	zap.L().Warn("pipeline: reclaimed abandoned notification send",
		zap.String("job_id", rec.JobID),
		zap.String("notification_id", rec.ID),
		zap.Duration("idle", idle),
	)
	rec.Attempts++
	return true, nil
}

func deliveryResult(state model.DeliveryState, rec *model.NotificationRecord, isNew bool) *model.DeliveryResult {
	return &model.DeliveryResult{
		State:          state,
		NotificationID: rec.ID,
		Status:         rec.Status,
		IsNew:          isNew,
	}
}

// send delivers a pending record this caller owns and records the outcome.
func (o *Orchestrator) send(ctx context.Context, job *model.ProcessingJob, rec *model.NotificationRecord, report *model.PDFArtifact, created bool) (*model.DeliveryResult, error) {
	msg := notify.Message{
		NotificationID: rec.ID,
		JobID:          job.ID,
		Type:           string(rec.Type),
		RecipientRef:   rec.RecipientRef,
		ReportRef:      report.ID,
		CreatedAt:      rec.CreatedAt,
	}

	policy := o.retryPolicy("notify", o.cfg.Delivery.Timeout())
	sendErr := resilience.Do(ctx, policy, func(ctx context.Context) error {
		if o.sender == nil {
			return eris.New("pipeline: no notification sender configured")
		}
		return classifyNotify(o.sender.Send(ctx, msg))
	})

	// The outcome must be recorded even if the caller has gone away.
	wctx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if _, err := o.store.TransitionNotification(wctx, rec.ID, model.NotificationPending, model.NotificationSent, ""); err != nil {
			return nil, eris.Wrap(err, "pipeline: mark notification sent")
		}
		if _, err := o.audit.Record(wctx, audit.Entry{
			JobID:      job.ID,
			Action:     audit.ActionNotificationSent,
			Stage:      model.StageCompleted,
			ArtifactID: report.ID,
			DedupeKey:  rec.ID,
			Detail:     map[string]any{"notification_id": rec.ID, "channel": rec.Channel},
		}); err != nil {
			return nil, err
		}
		zap.L().Info("pipeline: report notification sent",
			zap.String("job_id", job.ID),
			zap.String("notification_id", rec.ID),
		)
		rec.Status = model.NotificationSent
		return deliveryResult(model.DeliveryDelivered, rec, created), nil
	}

	lastErr := truncate(sendErr.Error(), maxErrorText)
	if _, err := o.store.TransitionNotification(wctx, rec.ID, model.NotificationPending, model.NotificationFailed, lastErr); err != nil {
		return nil, eris.Wrap(err, "pipeline: mark notification failed")
	}
	current, err := o.store.GetNotification(wctx, rec.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: re-read notification")
	}
	if _, err := o.audit.Record(wctx, audit.Entry{
		JobID:      job.ID,
		Action:     audit.ActionNotificationFail,
		Stage:      model.StageCompleted,
		ArtifactID: report.ID,
		DedupeKey:  fmt.Sprintf("%s:%d", rec.ID, current.Attempts),
		Detail:     map[string]any{"notification_id": rec.ID, "attempts": current.Attempts},
	}); err != nil {
		return nil, err
	}
	zap.L().Warn("pipeline: report notification failed",
		zap.String("job_id", job.ID),
		zap.String("notification_id", rec.ID),
		zap.Int("attempts", current.Attempts),
		zap.Error(sendErr),
	)
	res := deliveryResult(model.DeliveryFailed, current, created)
	res.Reasons = []string{ReasonSendFailed}
	return res, nil
}

// UpdateNotificationStatus applies a transport callback. Only sent ->
// delivered and sent|pending -> failed are accepted; repeating the current
// status is a no-op.
func (o *Orchestrator) UpdateNotificationStatus(ctx context.Context, id string, status model.NotificationStatus, detail string) (*model.NotificationRecord, error) {
	rec, err := o.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == status {
		return rec, nil
	}

	allowed := (rec.Status == model.NotificationSent && status == model.NotificationDelivered) ||
		((rec.Status == model.NotificationSent || rec.Status == model.NotificationPending) && status == model.NotificationFailed)
	if !allowed {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s", rec.Status, status)
	}

	lastErr := rec.LastError
	if status == model.NotificationFailed {
		lastErr = truncate(detail, maxErrorText)
	}
	ok, err := o.store.TransitionNotification(ctx, id, rec.Status, status, lastErr)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: apply notification status")
	}
	current, err := o.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && current.Status != status {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s", current.Status, status)
	}

	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:     current.JobID,
		Action:    audit.ActionNotificationCB,
		Stage:     model.StageCompleted,
		DedupeKey: id + ":" + string(status),
		Detail:    map[string]any{"notification_id": id, "status": string(status)},
	}); err != nil {
		return nil, err
	}
	o.metrics.RecordDelivery(ctx, string(status))
	return current, nil
}
