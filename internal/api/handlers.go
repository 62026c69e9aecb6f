package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/pkg/notify"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.Collector == nil {
		respondError(w, http.StatusNotFound, "not_configured", "monitoring is not configured")
		return
	}
	hours := queryInt(r, "lookback_hours", 24)
	snap, err := s.Collector.Collect(r.Context(), hours)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type createJobRequest struct {
	AssessmentRef        string        `json:"assessment_ref"`
	QuestionnaireVersion string        `json:"questionnaire_version"`
	Answers              model.Answers `json:"answers"`
	Consent              *consentBody  `json:"consent,omitempty"`
}

type consentBody struct {
	Channel string `json:"channel"`
	Granted bool   `json:"granted"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AssessmentRef == "" {
		respondError(w, http.StatusBadRequest, "invalid_body", "assessment_ref is required")
		return
	}
	job, err := s.Pipeline.CreateJob(r.Context(), req.AssessmentRef, req.QuestionnaireVersion, req.Answers)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_job", err.Error())
		return
	}
	if req.Consent != nil {
		if err := s.Pipeline.SetConsent(r.Context(), job.ID, req.Consent.Channel, req.Consent.Granted); err != nil {
			respondErr(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		Stage:  model.Stage(r.URL.Query().Get("stage")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	jobs, err := s.Store.ListJobs(r.Context(), filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.ProcessingJob{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// jobView is a job with its review and notification, when they exist.
type jobView struct {
	Job          *model.ProcessingJob      `json:"job"`
	Review       *model.Review             `json:"review,omitempty"`
	Notification *model.NotificationRecord `json:"notification,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.Store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	view := jobView{Job: job}
	if view.Review, err = optional(s.Store.GetReview(ctx, job.ID)); err != nil {
		respondErr(w, r, err)
		return
	}
	if view.Notification, err = optional(s.Store.FindNotification(ctx, job.ID, model.NotificationReportReady)); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// optional turns a not-found result into nil.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *Server) jobAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetJob(ctx, id); err != nil {
		respondErr(w, r, err)
		return
	}
	events, err := s.Store.ListAudit(ctx, id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	out, err := s.Pipeline.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	out, err := s.Pipeline.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	job, err := s.Pipeline.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondErr(w, r, err)
			return
		}
		respondError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) runStage(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pipeline.RunStage(r.Context(),
		chi.URLParam(r, "id"),
		chi.URLParam(r, "stage"),
		r.URL.Query().Get("prompt_version"),
	)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type reviewRequest struct {
	Status   model.ReviewStatus `json:"status"`
	Reviewer string             `json:"reviewer"`
	Note     string             `json:"note"`
}

func (s *Server) decideReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status != model.ReviewApproved && req.Status != model.ReviewRejected {
		respondError(w, http.StatusBadRequest, "invalid_body", "status must be approved or rejected")
		return
	}
	if req.Reviewer == "" {
		respondError(w, http.StatusBadRequest, "invalid_body", "reviewer is required")
		return
	}
	review, err := s.Pipeline.DecideReview(r.Context(), chi.URLParam(r, "id"), req.Status, req.Reviewer, req.Note)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	s.signal(r.Context(), review.JobID, "review "+string(review.Status))
	respondJSON(w, http.StatusOK, review)
}

func (s *Server) setConsent(w http.ResponseWriter, r *http.Request) {
	var req consentBody
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Pipeline.SetConsent(r.Context(), id, req.Channel, req.Granted); err != nil {
		respondErr(w, r, err)
		return
	}
	s.signal(r.Context(), id, "consent "+req.Channel)
	respondJSON(w, http.StatusOK, map[string]any{"job_id": id, "channel": req.Channel, "granted": req.Granted})
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.Store.ListReviews(r.Context(), store.ReviewFilter{
		Status: model.ReviewStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []model.Review{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reviews": reviews, "count": len(reviews)})
}

type notificationStatusRequest struct {
	Status model.NotificationStatus `json:"status"`
	Detail string                   `json:"detail"`
}

// notificationStatus applies a transport callback. When a callback secret
// is configured the body must carry a fresh signature.
func (s *Server) notificationStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if s.CallbackSecret != "" && !s.verifyCallback(r, body) {
		respondError(w, http.StatusUnauthorized, "invalid_signature", "callback signature is missing, stale or wrong")
		return
	}

	var req notificationStatusRequest
	if err := decodeStrict(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	switch req.Status {
	case model.NotificationDelivered, model.NotificationFailed:
	default:
		respondError(w, http.StatusBadRequest, "invalid_body", "status must be delivered or failed")
		return
	}

	rec, err := s.Pipeline.UpdateNotificationStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Detail)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) verifyCallback(r *http.Request, body []byte) bool {
	ts := r.Header.Get(notify.TimestampHeader)
	sig := r.Header.Get(notify.SignatureHeader)
	if ts == "" || sig == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := s.now().Sub(time.Unix(sec, 0))
	if skew > callbackMaxSkew || skew < -callbackMaxSkew {
		return false
	}
	return notify.Verify([]byte(s.CallbackSecret), ts, body, sig)
}

// signal notifies the job's workflow. A job without a running workflow is
// not an error for the caller.
func (s *Server) signal(ctx context.Context, jobID, note string) {
	if s.Signal == nil {
		return
	}
	if err := s.Signal(ctx, jobID, note); err != nil {
		zap.L().Warn("api: signal workflow",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
