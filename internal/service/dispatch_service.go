package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/compliflow/claimrelay/internal/compute"
	"github.com/compliflow/claimrelay/internal/delivery"
	"github.com/compliflow/claimrelay/internal/logging"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/store"
)

// ErrInvalidClaim marks a claim rejected at ingress (missing fields,
// unknown processing mode, malformed webhook URL). Handlers map it to 400.
var ErrInvalidClaim = errors.New("dispatch: invalid claim")

// SubmitResult is the outcome of a claim submission. Exactly one of
// Queued/Report is meaningful: async submissions queue, sync ones compute
// inline and carry the full report.
type SubmitResult struct {
	Queued        bool
	TaskID        string
	ReferenceID   string
	CorrelationID string
	Report        json.RawMessage
}

// DispatchService is the ingress-facing entry point: it validates and
// normalizes claims, creates the status records, and enqueues compute work.
type DispatchService struct {
	store  *store.StatusStore
	status *StatusService
	queue  *queue.Queue
	fn     compute.Func
	log    *slog.Logger

	deliveryMaxAttempts int
	syncTimeout         time.Duration
}

// DispatchServiceOptions wires the dispatch service.
type DispatchServiceOptions struct {
	Store               *store.StatusStore
	Status              *StatusService
	Queue               *queue.Queue
	Fn                  compute.Func
	Log                 *slog.Logger
	DeliveryMaxAttempts int
	// SyncTimeout bounds inline compute for claims without a webhook URL.
	SyncTimeout time.Duration
}

// NewDispatchService creates the dispatch service.
func NewDispatchService(opts DispatchServiceOptions) *DispatchService {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.DeliveryMaxAttempts < 1 {
		opts.DeliveryMaxAttempts = 3
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Minute
	}
	return &DispatchService{
		store:               opts.Store,
		status:              opts.Status,
		queue:               opts.Queue,
		fn:                  opts.Fn,
		log:                 log.With("component", "dispatch"),
		deliveryMaxAttempts: opts.DeliveryMaxAttempts,
		syncTimeout:         opts.SyncTimeout,
	}
}

// SubmitClaim validates a claim and either queues it (webhook URL present)
// or computes it inline and returns the report. queue.ErrQueueFull
// propagates unwrapped so handlers can answer 503.
func (d *DispatchService) SubmitClaim(ctx context.Context, claim models.ClaimEnvelope) (*SubmitResult, error) {
	if err := normalizeClaim(&claim); err != nil {
		return nil, err
	}
	claim.TaskID = uuid.NewString()
	correlationID := ulid.Make().String()

	log := d.log.With(
		slog.String("reference_id", claim.ReferenceID),
		slog.String("task_id", claim.TaskID),
		slog.String("correlation_id", correlationID))

	if claim.WebhookURL == "" {
		// Sync mode: compute inline, bounded by the request budget.
		runCtx, cancel := context.WithTimeout(ctx, d.syncTimeout)
		defer cancel()
		runCtx = logging.WithCorrelationID(runCtx, correlationID)
		report, err := d.fn(runCtx, toComputeClaim(claim))
		if err != nil {
			log.Error("inline compute failed", slog.Any("error", err))
			return nil, fmt.Errorf("process claim %s: %w", claim.ReferenceID, err)
		}
		log.Info("claim processed synchronously")
		return &SubmitResult{
			TaskID:        claim.TaskID,
			ReferenceID:   claim.ReferenceID,
			CorrelationID: correlationID,
			Report:        report,
		}, nil
	}

	webhookID := models.WebhookID(claim.ReferenceID, claim.TaskID)
	rec := &models.WebhookRecord{
		WebhookID:     webhookID,
		ReferenceID:   claim.ReferenceID,
		TaskID:        claim.TaskID,
		WebhookURL:    claim.WebhookURL,
		MaxAttempts:   d.deliveryMaxAttempts,
		CorrelationID: correlationID,
	}
	if err := d.status.Create(ctx, rec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := d.store.PutTask(ctx, &models.TaskRecord{
		TaskID:      claim.TaskID,
		ReferenceID: claim.ReferenceID,
		Status:      models.TaskStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(models.ComputeTaskPayload{Claim: claim})
	if err != nil {
		return nil, fmt.Errorf("encode compute task: %w", err)
	}
	task := models.QueueTask{
		TaskKind:      models.TaskKindCompute,
		TaskID:        claim.TaskID,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	if err := d.queue.Enqueue(ctx, queue.QueueCompute, task); err != nil {
		return nil, err
	}

	log.Info("claim queued", slog.String("webhook_id", webhookID))
	return &SubmitResult{
		Queued:        true,
		TaskID:        claim.TaskID,
		ReferenceID:   claim.ReferenceID,
		CorrelationID: correlationID,
	}, nil
}

// TaskStatus returns the compute task record, or nil when unknown.
func (d *DispatchService) TaskStatus(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return d.store.GetTask(ctx, taskID)
}

// DeadLetters lists retained dead-letter entries.
func (d *DispatchService) DeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error) {
	return d.store.ListDeadLetters(ctx)
}

// ReplayDeadLetter restarts delivery for a dead-lettered webhook from its
// retained payload: the record is reset to pending with a fresh attempt
// budget and a delivery task is enqueued. The dead-letter entry is removed;
// a failed replay writes a new one.
func (d *DispatchService) ReplayDeadLetter(ctx context.Context, webhookID string) (bool, error) {
	entry, err := d.store.GetDeadLetter(ctx, webhookID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	rec := &models.WebhookRecord{
		WebhookID:     webhookID,
		ReferenceID:   referenceIDOf(webhookID),
		TaskID:        taskIDOf(webhookID),
		WebhookURL:    entry.WebhookURL,
		MaxAttempts:   d.deliveryMaxAttempts,
		CorrelationID: entry.CorrelationID,
		Payload:       entry.Payload,
		PayloadDigest: models.PayloadDigest(entry.Payload),
	}
	if err := d.status.Create(ctx, rec); err != nil {
		return false, err
	}

	payload, err := json.Marshal(models.DeliverTaskPayload{WebhookID: webhookID})
	if err != nil {
		return false, fmt.Errorf("encode replay task: %w", err)
	}
	task := models.QueueTask{
		TaskKind:      models.TaskKindDeliver,
		TaskID:        rec.TaskID,
		CorrelationID: entry.CorrelationID,
		Payload:       payload,
	}
	if err := d.queue.Enqueue(ctx, queue.QueueDelivery, task); err != nil {
		return false, err
	}
	if _, err := d.store.DeleteDeadLetter(ctx, webhookID); err != nil {
		return false, err
	}
	d.log.Info("dead letter replayed", slog.String("webhook_id", webhookID))
	return true, nil
}

// normalizeClaim applies the ingress defaults and rejects malformed claims.
func normalizeClaim(claim *models.ClaimEnvelope) error {
	claim.ReferenceID = strings.TrimSpace(claim.ReferenceID)
	claim.EmployeeNumber = strings.TrimSpace(claim.EmployeeNumber)
	if claim.ReferenceID == "" {
		return fmt.Errorf("%w: reference_id is required", ErrInvalidClaim)
	}
	if claim.EmployeeNumber == "" {
		return fmt.Errorf("%w: employee_number is required", ErrInvalidClaim)
	}
	if claim.FirstName == "" || claim.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrInvalidClaim)
	}
	if _, ok := models.ProcessingModes[claim.ProcessingMode]; !ok {
		return fmt.Errorf("%w: unknown processing mode %q", ErrInvalidClaim, claim.ProcessingMode)
	}
	if claim.IndividualName == "" {
		claim.IndividualName = claim.FirstName + " " + claim.LastName
	}
	claim.CRDNumber = strings.TrimSpace(claim.CRDNumber)
	if claim.WebhookURL != "" {
		if err := delivery.ValidateIngressURL(claim.WebhookURL); err != nil {
			return fmt.Errorf("%w: webhook_url: %v", ErrInvalidClaim, err)
		}
	}
	return nil
}

// referenceIDOf and taskIDOf split a composite webhook id. The task id is
// UUID-shaped and never contains "_", so the last separator is the split
// point even when the reference id contains underscores.
func referenceIDOf(webhookID string) string {
	if i := strings.LastIndex(webhookID, "_"); i >= 0 {
		return webhookID[:i]
	}
	return webhookID
}

func taskIDOf(webhookID string) string {
	if i := strings.LastIndex(webhookID, "_"); i >= 0 {
		return webhookID[i+1:]
	}
	return ""
}
