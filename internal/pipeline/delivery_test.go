package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/model"
)

// completedJob drives a job to completion without consent, so delivery
// stops at READY.
func completedJob(t *testing.T, sender *countingSender) (*Orchestrator, *model.ProcessingJob) {
	t.Helper()
	o := New(testConfig(t), newTestStore(t), defaultRegistry(t),
		WithEvaluator(passingEvaluator()),
		WithSender(sender),
	)
	job := createJob(t, o)
	out, err := o.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryReady, out.Delivery.State)
	return o, job
}

func TestDeliver_NotReadyBeforeCompletion(t *testing.T) {
	ctx := context.Background()
	o := New(testConfig(t), newTestStore(t), defaultRegistry(t), WithSender(&countingSender{}))
	job := createJob(t, o)

	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryNotReady, res.State)
	assert.Equal(t, []string{ReasonJobNotCompleted}, res.Reasons)
}

func TestDeliver_ConcurrentCallersSendOnce(t *testing.T) {
	ctx := context.Background()
	sender := &countingSender{hook: func() { time.Sleep(50 * time.Millisecond) }}
	o, job := completedJob(t, sender)
	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*model.DeliveryResult
		errs    []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.ProcessDeliveryStage(ctx, job.ID)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), sender.calls.Load())

	fresh := 0
	for _, res := range results {
		assert.Contains(t, []model.DeliveryState{model.DeliveryDelivered, model.DeliveryReady}, res.State)
		if res.State == model.DeliveryReady {
			assert.Equal(t, []string{ReasonSendInFlight}, res.Reasons)
		}
		if res.IsNew {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, res.State)
	assert.Equal(t, 1, rowCounts(t, o.store, job.ID)["notifications"])
}

func TestDeliver_FailedSendIsRetried(t *testing.T) {
	ctx := context.Background()
	sender := &countingSender{err: errors.New("recipient endpoint rejected the message")}
	o, job := completedJob(t, sender)
	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))

	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, res.State)
	assert.Equal(t, []string{ReasonSendFailed}, res.Reasons)
	assert.Equal(t, model.NotificationFailed, res.Status)
	assert.Equal(t, int32(1), sender.calls.Load())

	rec, err := o.store.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "rejected")

	sender.err = nil
	res, err = o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, res.State)
	assert.False(t, res.IsNew)
	assert.Equal(t, int32(2), sender.calls.Load())

	rec, err = o.store.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, rowCounts(t, o.store, job.ID)["notifications"])
}

func TestDeliver_ConsentRevoked(t *testing.T) {
	ctx := context.Background()
	sender := &countingSender{}
	o, job := completedJob(t, sender)
	require.NoError(t, o.SetConsent(ctx, job.ID, "", false))

	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryReady, res.State)
	assert.Equal(t, []string{ReasonConsentMissing}, res.Reasons)
	assert.Zero(t, sender.calls.Load())

	// Consent on another channel does not count.
	require.NoError(t, o.SetConsent(ctx, job.ID, "sms", true))
	res, err = o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ReasonConsentMissing}, res.Reasons)
}

func TestUpdateNotificationStatus(t *testing.T) {
	ctx := context.Background()
	o, job := completedJob(t, &countingSender{})
	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))
	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	id := res.NotificationID

	rec, err := o.UpdateNotificationStatus(ctx, id, model.NotificationDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationDelivered, rec.Status)

	before := rowCounts(t, o.store, job.ID)
	rec, err = o.UpdateNotificationStatus(ctx, id, model.NotificationDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationDelivered, rec.Status)
	assert.Equal(t, before, rowCounts(t, o.store, job.ID))

	_, err = o.UpdateNotificationStatus(ctx, id, model.NotificationFailed, "bounced")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.UpdateNotificationStatus(ctx, id, model.NotificationPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = o.UpdateNotificationStatus(ctx, "no-such-notification", model.NotificationDelivered, "")
	assert.Error(t, err)
}

func TestUpdateNotificationStatus_SentToFailed(t *testing.T) {
	ctx := context.Background()
	o, job := completedJob(t, &countingSender{})
	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))
	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)

	rec, err := o.UpdateNotificationStatus(ctx, res.NotificationID, model.NotificationFailed, "mailbox full")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationFailed, rec.Status)
	assert.Equal(t, "mailbox full", rec.LastError)
}

func TestDeliver_ReclaimsAbandonedSend(t *testing.T) {
	ctx := context.Background()
	sender := &countingSender{}
	o, job := completedJob(t, sender)
	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))

	// A sender that created the record and then died before reporting back.
	stuck, created, err := o.store.CreateNotification(ctx, &model.NotificationRecord{
		JobID:        job.ID,
		Type:         model.NotificationReportReady,
		Channel:      o.cfg.Delivery.Channel,
		RecipientRef: job.AssessmentRef,
		Status:       model.NotificationPending,
	})
	require.NoError(t, err)
	require.True(t, created)

	res, err := o.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryReady, res.State)
	assert.Equal(t, []string{ReasonSendInFlight}, res.Reasons)
	assert.Zero(t, sender.calls.Load())

	later := New(o.cfg, o.store, o.registry,
		WithEvaluator(passingEvaluator()),
		WithSender(sender),
		WithClock(func() time.Time { return time.Now().Add(time.Hour) }),
	)
	res, err = later.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, res.State)
	assert.Equal(t, stuck.ID, res.NotificationID)
	assert.Equal(t, int32(1), sender.calls.Load())

	rec, err := o.store.GetNotification(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	res, err = later.ProcessDeliveryStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, res.State)
	assert.Equal(t, int32(1), sender.calls.Load())
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "timeout", 10, "timeout"},
		{"ascii", "connection reset", 10, "connection"},
		{"mid rune", "délai dépassé", 2, "d"},
		{"rune boundary", "délai dépassé", 3, "dé"},
		{"cjk", "送信失敗", 5, "送"},
		{"zero", "é", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
