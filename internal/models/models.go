// Package models defines the domain models for the claim processing core.
// Webhook records and dead-letter entries are the persisted entities; queue
// tasks are the envelopes moved through the Redis-backed task queue.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WebhookStatus represents the delivery state of a webhook record.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusInProgress WebhookStatus = "in_progress"
	WebhookStatusRetrying   WebhookStatus = "retrying"
	WebhookStatusDelivered  WebhookStatus = "delivered"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookStatusDelivered || s == WebhookStatusFailed
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Terminal states accept nothing; delivered is only reachable
// from in_progress.
func (s WebhookStatus) CanTransitionTo(next WebhookStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case WebhookStatusPending:
		return next == WebhookStatusInProgress || next == WebhookStatusFailed
	case WebhookStatusInProgress:
		return next == WebhookStatusDelivered || next == WebhookStatusRetrying || next == WebhookStatusFailed
	case WebhookStatusRetrying:
		return next == WebhookStatusInProgress || next == WebhookStatusFailed
	}
	return false
}

// WebhookRecord tracks one webhook delivery end to end.
// The record id is "<reference_id>_<task_id>".
type WebhookRecord struct {
	WebhookID     string        `json:"webhook_id"`
	ReferenceID   string        `json:"reference_id"`
	TaskID        string        `json:"task_id"`
	WebhookURL    string        `json:"webhook_url"`
	Status        WebhookStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ResponseCode  *int          `json:"response_code,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CorrelationID string        `json:"correlation_id"`
	PayloadDigest string        `json:"payload_digest,omitempty"`
	// Payload is retained only so permanently failed deliveries can be
	// replayed; status reads strip it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebhookID builds the composite record id.
func WebhookID(referenceID, taskID string) string {
	return referenceID + "_" + taskID
}

// PayloadDigest returns the stable hex SHA-256 of an outbound payload,
// sent to receivers as an idempotency hint.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// WithoutPayload returns a copy suitable for status responses.
func (r *WebhookRecord) WithoutPayload() WebhookRecord {
	out := *r
	out.Payload = nil
	return out
}

// DeadLetterEntry records a permanently abandoned delivery for operator
// inspection and replay. Keyed "dead_letter:webhook:<webhook_id>".
type DeadLetterEntry struct {
	WebhookID     string          `json:"webhook_id"`
	WebhookURL    string          `json:"webhook_url"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ErrorClass    string          `json:"error_class"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	Attempts      int             `json:"attempts"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TaskStatus represents the lifecycle of a compute task as exposed on
// /task-status/{task_id}.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusRetrying   TaskStatus = "RETRYING"
)

// TaskRecord tracks one compute task. Result holds the compute output JSON
// once the task completes.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	ReferenceID string          `json:"reference_id"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskKind discriminates queue task payloads. The set is closed: workers
// dispatch by exhaustive switch and fail unknown kinds.
type TaskKind string

const (
	TaskKindCompute TaskKind = "compute"
	TaskKindDeliver TaskKind = "deliver"
)

// QueueTask is the envelope carried on a queue. Payload is the kind-specific
// body (ComputeTaskPayload or DeliverTaskPayload). A non-nil ETA keeps the
// task invisible until that time.
type QueueTask struct {
	TaskKind      TaskKind        `json:"task_kind"`
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attempt_count"`
	ETA           *time.Time      `json:"eta,omitempty"`
}

// ComputeTaskPayload is the body of a compute queue task.
type ComputeTaskPayload struct {
	Claim ClaimEnvelope `json:"claim"`
}

// DeliverTaskPayload is the body of a delivery queue task. The outbound
// payload itself lives on the webhook record; the task only names it.
type DeliverTaskPayload struct {
	WebhookID string `json:"webhook_id"`
}

// ClaimEnvelope is the validated claim forwarded to the compute function.
type ClaimEnvelope struct {
	ReferenceID      string `json:"reference_id"`
	EmployeeNumber   string `json:"employee_number"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	IndividualName   string `json:"individual_name,omitempty"`
	CRDNumber        string `json:"crd_number,omitempty"`
	OrganizationCRD  string `json:"organization_crd,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	WebhookURL       string `json:"webhook_url,omitempty"`
	ProcessingMode   string `json:"processing_mode"`
	TaskID           string `json:"task_id"`
}

// ProcessingMode describes which review stages a mode skips. The flags are
// forwarded to the compute function; the core never inspects them.
type ProcessingMode struct {
	SkipDisciplinary bool   `json:"skip_disciplinary"`
	SkipArbitration  bool   `json:"skip_arbitration"`
	SkipRegulatory   bool   `json:"skip_regulatory"`
	Description      string `json:"description"`
}

// ProcessingModes enumerates the supported modes.
var ProcessingModes = map[string]ProcessingMode{
	"basic": {
		SkipDisciplinary: true,
		SkipArbitration:  true,
		SkipRegulatory:   true,
		Description:      "Minimal processing: skips disciplinary, arbitration, and regulatory reviews",
	},
	"extended": {
		SkipDisciplinary: false,
		SkipArbitration:  false,
		SkipRegulatory:   true,
		Description:      "Extended processing: includes disciplinary and arbitration reviews, skips regulatory",
	},
	"complete": {
		SkipDisciplinary: false,
		SkipArbitration:  false,
		SkipRegulatory:   false,
		Description:      "Full processing: includes all reviews (disciplinary, arbitration, regulatory)",
	},
}
