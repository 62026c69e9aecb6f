package model

// OutcomeStatus summarizes what one Advance call did.
type OutcomeStatus string

const (
	// OutcomeAdvanced means the stage succeeded and the job moved forward.
	OutcomeAdvanced OutcomeStatus = "advanced"
	// OutcomeCompleted means report assembly finished and the job is completed.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomePreconditionFailed means an upstream artifact was missing or
	// stale. Nothing was written.
	OutcomePreconditionFailed OutcomeStatus = "precondition_failed"
	// OutcomeFailed means the stage failed and the job was marked failed.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeDelivery means the delivery state machine ran; see Delivery.
	OutcomeDelivery OutcomeStatus = "delivery"
)

// DeliveryState is the state of the completed-report notification.
type DeliveryState string

const (
	DeliveryNotReady  DeliveryState = "NOT_READY"
	DeliveryReady     DeliveryState = "READY"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryFailed    DeliveryState = "FAILED"
)

// DeliveryResult is returned by the delivery state machine.
type DeliveryResult struct {
	State          DeliveryState      `json:"state"`
	NotificationID string             `json:"notification_id,omitempty"`
	Status         NotificationStatus `json:"status,omitempty"`
	IsNew          bool               `json:"is_new"`
	Reasons        []string           `json:"reasons,omitempty"`
}

// StageOutcome is the result of one orchestrator step.
type StageOutcome struct {
	JobID          string          `json:"job_id"`
	Stage          Stage           `json:"stage"`
	NextStage      Stage           `json:"next_stage"`
	Status         OutcomeStatus   `json:"status"`
	Artifact       *ArtifactRef    `json:"artifact,omitempty"`
	IsNew          bool            `json:"is_new"`
	ReviewRequired bool            `json:"review_required,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Delivery       *DeliveryResult `json:"delivery,omitempty"`
}

// Halted reports whether driving the job further would make no progress
// without outside action (a fix, a review decision, or a manual retry).
func (o *StageOutcome) Halted() bool {
	return o.Status != OutcomeAdvanced && o.Status != OutcomeCompleted
}
