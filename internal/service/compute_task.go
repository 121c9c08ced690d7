package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/compliflow/claimrelay/internal/compute"
	"github.com/compliflow/claimrelay/internal/delivery"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/store"
)

// ComputeRunner executes one compute task: run the pluggable compute
// function, then hand the result (or a synthetic error payload) to the
// delivery queue when the claim carries a webhook URL.
type ComputeRunner struct {
	store  *store.StatusStore
	queue  *queue.Queue
	fn     compute.Func
	policy *delivery.Policy
	log    *slog.Logger

	maxAttempts int
	taskTimeout time.Duration
}

// ComputeRunnerOptions wires a runner's collaborators.
type ComputeRunnerOptions struct {
	Store       *store.StatusStore
	Queue       *queue.Queue
	Fn          compute.Func
	Policy      *delivery.Policy
	Log         *slog.Logger
	MaxAttempts int
	TaskTimeout time.Duration
}

// NewComputeRunner creates the compute task runner.
func NewComputeRunner(opts ComputeRunnerOptions) *ComputeRunner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Hour
	}
	return &ComputeRunner{
		store:       opts.Store,
		queue:       opts.Queue,
		fn:          opts.Fn,
		policy:      opts.Policy,
		log:         log.With("component", "compute"),
		maxAttempts: opts.MaxAttempts,
		taskTimeout: opts.TaskTimeout,
	}
}

// Run executes one compute attempt. Returning nil acknowledges the task.
func (r *ComputeRunner) Run(ctx context.Context, task models.QueueTask) error {
	var payload models.ComputeTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		r.log.Error("undecodable compute task", slog.String("task_id", task.TaskID), slog.Any("error", err))
		return nil
	}
	claim := payload.Claim

	log := r.log.With(
		slog.String("task_id", claim.TaskID),
		slog.String("reference_id", claim.ReferenceID),
		slog.String("correlation_id", task.CorrelationID))

	if err := r.putTaskStatus(ctx, claim, models.TaskStatusProcessing, nil, ""); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	result, err := r.fn(runCtx, toComputeClaim(claim))
	cancel()

	attempts := task.AttemptCount + 1
	if err == nil {
		if err := r.putTaskStatus(ctx, claim, models.TaskStatusCompleted, result, ""); err != nil {
			return err
		}
		log.Info("compute completed", slog.Int("attempts", attempts))
		if claim.WebhookURL == "" {
			return nil
		}
		return r.enqueueDelivery(ctx, task, claim, result)
	}

	if compute.IsTransient(err) && attempts < r.maxAttempts {
		if err2 := r.putTaskStatus(ctx, claim, models.TaskStatusRetrying, nil, err.Error()); err2 != nil {
			return err2
		}
		delay := r.policy.RetryDelay(attempts)
		eta := time.Now().Add(delay)
		retry := models.QueueTask{
			TaskKind:      models.TaskKindCompute,
			TaskID:        task.TaskID,
			CorrelationID: task.CorrelationID,
			Payload:       task.Payload,
			AttemptCount:  attempts,
			ETA:           &eta,
		}
		if err2 := r.queue.Enqueue(ctx, queue.QueueCompute, retry); err2 != nil {
			return fmt.Errorf("schedule compute retry for %s: %w", claim.TaskID, err2)
		}
		log.Warn("compute retry scheduled",
			slog.Int("attempts", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return nil
	}

	// Permanent or exhausted. The receiver still learns of the failure:
	// the synthetic error payload rides the normal delivery pipeline.
	if err2 := r.putTaskStatus(ctx, claim, models.TaskStatusFailed, nil, err.Error()); err2 != nil {
		return err2
	}
	log.Error("compute failed permanently", slog.Int("attempts", attempts), slog.Any("error", err))
	if claim.WebhookURL == "" {
		return nil
	}
	errPayload := compute.ErrorPayload(claim.ReferenceID, claim.TaskID, err.Error())
	return r.enqueueDelivery(ctx, task, claim, errPayload)
}

// enqueueDelivery attaches the payload to the webhook record and queues
// the first delivery attempt.
func (r *ComputeRunner) enqueueDelivery(ctx context.Context, task models.QueueTask, claim models.ClaimEnvelope, payload json.RawMessage) error {
	webhookID := models.WebhookID(claim.ReferenceID, claim.TaskID)

	applied, err := r.store.UpdateWebhookCAS(ctx, webhookID,
		func(cur models.WebhookStatus) bool { return cur == models.WebhookStatusPending },
		func(rec *models.WebhookRecord) {
			rec.Payload = payload
			rec.PayloadDigest = models.PayloadDigest(payload)
		})
	if err != nil {
		return fmt.Errorf("attach payload to %s: %w", webhookID, err)
	}
	if !applied {
		// Record expired or was deleted while compute ran; nothing to
		// deliver to.
		r.log.Warn("webhook record gone before delivery", slog.String("webhook_id", webhookID))
		return nil
	}

	deliverPayload, err := json.Marshal(models.DeliverTaskPayload{WebhookID: webhookID})
	if err != nil {
		return fmt.Errorf("encode delivery task for %s: %w", webhookID, err)
	}
	deliver := models.QueueTask{
		TaskKind:      models.TaskKindDeliver,
		TaskID:        claim.TaskID,
		CorrelationID: task.CorrelationID,
		Payload:       deliverPayload,
	}
	if err := r.queue.Enqueue(ctx, queue.QueueDelivery, deliver); err != nil {
		return fmt.Errorf("enqueue delivery for %s: %w", webhookID, err)
	}
	return nil
}

func (r *ComputeRunner) putTaskStatus(ctx context.Context, claim models.ClaimEnvelope, status models.TaskStatus, result json.RawMessage, errDetail string) error {
	existing, err := r.store.GetTask(ctx, claim.TaskID)
	if err != nil {
		return err
	}
	rec := models.TaskRecord{
		TaskID:      claim.TaskID,
		ReferenceID: claim.ReferenceID,
		Status:      status,
		Result:      result,
		Error:       errDetail,
		UpdatedAt:   time.Now().UTC(),
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = rec.UpdatedAt
	}
	return r.store.PutTask(ctx, &rec)
}

// toComputeClaim maps the envelope onto the compute function's input,
// resolving the processing mode into skip flags.
func toComputeClaim(claim models.ClaimEnvelope) compute.Claim {
	mode := models.ProcessingModes[claim.ProcessingMode]
	return compute.Claim{
		ReferenceID:      claim.ReferenceID,
		EmployeeNumber:   claim.EmployeeNumber,
		FirstName:        claim.FirstName,
		LastName:         claim.LastName,
		IndividualName:   claim.IndividualName,
		CRDNumber:        claim.CRDNumber,
		OrganizationCRD:  claim.OrganizationCRD,
		OrganizationName: claim.OrganizationName,
		TaskID:           claim.TaskID,
		SkipDisciplinary: mode.SkipDisciplinary,
		SkipArbitration:  mode.SkipArbitration,
		SkipRegulatory:   mode.SkipRegulatory,
	}
}
