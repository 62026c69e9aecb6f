package model

import (
	"encoding/json"
	"time"
)

// ReviewStatus is the state of a human review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review records that a job needs a clinician's confirmation before its
// report may be delivered. There is at most one review per job; later
// reasons are appended.
type Review struct {
	JobID       string       `json:"job_id"`
	Reasons     []string     `json:"reasons"`
	Status      ReviewStatus `json:"status"`
	Reviewer    string       `json:"reviewer,omitempty"`
	Note        string       `json:"note,omitempty"`
	ExternalRef string       `json:"external_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	DecidedAt   *time.Time   `json:"decided_at,omitempty"`
}

// NotificationStatus tracks a notification through the transport.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// NotificationType identifies what the notification announces.
type NotificationType string

const (
	NotificationReportReady NotificationType = "report_ready"
)

// NotificationRecord is the at-most-once delivery record for a
// (job, type) pair. RecipientRef is an opaque reference resolved by the
// transport, never a raw address.
type NotificationRecord struct {
	ID           string             `json:"id"`
	JobID        string             `json:"job_id"`
	Type         NotificationType   `json:"type"`
	Channel      string             `json:"channel"`
	RecipientRef string             `json:"recipient_ref"`
	Status       NotificationStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	LastError    string             `json:"last_error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Consent records whether the patient agreed to be contacted on a channel.
type Consent struct {
	JobID     string    `json:"job_id"`
	Channel   string    `json:"channel"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEvent is an append-only audit record. (JobID, Action, DedupeKey) is
// unique so re-running a stage never writes the same event twice.
type AuditEvent struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Action     string          `json:"action"`
	Stage      Stage           `json:"stage,omitempty"`
	ArtifactID string          `json:"artifact_id,omitempty"`
	DedupeKey  string          `json:"dedupe_key"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
