package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/compliflow/claimrelay/internal/breaker"
	"github.com/compliflow/claimrelay/internal/delivery"
	"github.com/compliflow/claimrelay/internal/metrics"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/store"
)

// errBreakerFailure carries a breaker-countable outcome through the
// registry; the outcome itself travels out-of-band in a closure variable.
var errBreakerFailure = errors.New("delivery attempt failed")

// Sender issues one outbound webhook attempt.
type Sender interface {
	Deliver(ctx context.Context, rec *models.WebhookRecord) delivery.Outcome
}

// DeliveryRunner executes one webhook delivery attempt per invocation:
// claim the record, validate, gate through the breaker, send, record the
// outcome, and either finish, schedule a retry, or dead-letter.
type DeliveryRunner struct {
	status    *StatusService
	store     *store.StatusStore
	queue     *queue.Queue
	sender    Sender
	breakers  *breaker.Registry
	validator *delivery.Validator
	policy    *delivery.Policy
	metrics   *metrics.Metrics
	log       *slog.Logger

	excludeTimeouts bool
}

// DeliveryRunnerOptions wires a runner's collaborators.
type DeliveryRunnerOptions struct {
	Status          *StatusService
	Store           *store.StatusStore
	Queue           *queue.Queue
	Sender          Sender
	Breakers        *breaker.Registry
	Validator       *delivery.Validator
	Policy          *delivery.Policy
	Metrics         *metrics.Metrics
	Log             *slog.Logger
	ExcludeTimeouts bool
}

// NewDeliveryRunner creates the delivery task runner.
func NewDeliveryRunner(opts DeliveryRunnerOptions) *DeliveryRunner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &DeliveryRunner{
		status:          opts.Status,
		store:           opts.Store,
		queue:           opts.Queue,
		sender:          opts.Sender,
		breakers:        opts.Breakers,
		validator:       opts.Validator,
		policy:          opts.Policy,
		metrics:         opts.Metrics,
		log:             log.With("component", "delivery"),
		excludeTimeouts: opts.ExcludeTimeouts,
	}
}

// Run performs one delivery attempt for the webhook named by the task.
// Returning nil acknowledges the task; errors surface to the worker for
// queue-native redelivery (store outages, mostly).
func (r *DeliveryRunner) Run(ctx context.Context, task models.QueueTask) error {
	var payload models.DeliverTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		r.log.Error("undecodable delivery task", slog.String("task_id", task.TaskID), slog.Any("error", err))
		return nil // poison task; acking is the only way forward
	}

	log := r.log.With(
		slog.String("webhook_id", payload.WebhookID),
		slog.String("correlation_id", task.CorrelationID))

	// Claim the record. The CAS transition to in_progress is what enforces
	// single-in-flight: a concurrent attempt that lost the race observes
	// an illegal transition and no-ops.
	rec, claimed, err := r.status.Transition(ctx, payload.WebhookID, models.WebhookStatusInProgress,
		func(rec *models.WebhookRecord) {
			now := time.Now().UTC()
			rec.Attempts++
			rec.LastAttemptAt = &now
		})
	if err != nil {
		return fmt.Errorf("claim webhook %s: %w", payload.WebhookID, err)
	}
	if !claimed {
		log.Info("skipping delivery, record absent, terminal, or already in flight")
		return nil
	}

	if err := r.validator.Validate(rec.WebhookURL); err != nil {
		log.Warn("webhook destination rejected", slog.Any("error", err))
		return r.finishFailed(ctx, log, rec, delivery.Outcome{
			Class:  delivery.ClassInvalidURL,
			Detail: err.Error(),
		}, string(delivery.ClassInvalidURL))
	}

	host := delivery.DestinationHost(rec.WebhookURL)
	var out delivery.Outcome
	err = r.breakers.Do(host, func() error {
		out = r.sender.Deliver(ctx, rec)
		if out.Class.CountsForBreaker(r.excludeTimeouts) {
			return errBreakerFailure
		}
		return nil
	})

	lastError := string(out.Class)
	if errors.Is(err, breaker.ErrCircuitOpen) {
		// Short-circuits classify as connection errors and count against
		// attempts, so a persistently open circuit exhausts the webhook.
		out = delivery.Outcome{Class: delivery.ClassConnectionError, Detail: "circuit open"}
		lastError = "circuit_open"
	}

	if r.metrics != nil {
		r.metrics.ObserveDelivery(string(out.Class), host, out.Duration)
	}

	decision := r.policy.Decide(out.Class, rec.Attempts)
	switch decision.Action {
	case delivery.ActionSucceed:
		_, _, err := r.status.Transition(ctx, rec.WebhookID, models.WebhookStatusDelivered,
			func(rec *models.WebhookRecord) {
				rec.ResponseCode = intPtr(out.StatusCode)
				rec.LastError = ""
			})
		if err != nil {
			return err
		}
		log.Info("webhook delivered",
			slog.Int("attempts", rec.Attempts),
			slog.Int("response_code", out.StatusCode),
			slog.Duration("duration", out.Duration))
		return nil

	case delivery.ActionRetry:
		_, _, err := r.status.Transition(ctx, rec.WebhookID, models.WebhookStatusRetrying,
			func(rec *models.WebhookRecord) {
				rec.LastError = lastError
				if out.StatusCode != 0 {
					rec.ResponseCode = intPtr(out.StatusCode)
				}
			})
		if err != nil {
			return err
		}
		eta := time.Now().Add(decision.Delay)
		retryTask := models.QueueTask{
			TaskKind:      models.TaskKindDeliver,
			TaskID:        task.TaskID,
			CorrelationID: task.CorrelationID,
			Payload:       task.Payload,
			AttemptCount:  rec.Attempts,
			ETA:           &eta,
		}
		if err := r.queue.Enqueue(ctx, queue.QueueDelivery, retryTask); err != nil {
			return fmt.Errorf("schedule retry for %s: %w", rec.WebhookID, err)
		}
		log.Warn("webhook delivery retry scheduled",
			slog.String("class", string(out.Class)),
			slog.Int("attempts", rec.Attempts),
			slog.Duration("delay", decision.Delay))
		return nil

	default: // ActionDeadLetter
		return r.finishFailed(ctx, log, rec, out, lastError)
	}
}

// finishFailed marks the record failed and writes the dead-letter entry.
// The status write and the dead-letter write must both land; a failure in
// either surfaces so the queue redelivers and the invocation reruns (the
// rerun no-ops on the parts already written).
func (r *DeliveryRunner) finishFailed(ctx context.Context, log *slog.Logger, rec *models.WebhookRecord, out delivery.Outcome, lastError string) error {
	_, _, err := r.status.Transition(ctx, rec.WebhookID, models.WebhookStatusFailed,
		func(rec *models.WebhookRecord) {
			rec.LastError = lastError
			if out.StatusCode != 0 {
				rec.ResponseCode = intPtr(out.StatusCode)
			}
		})
	if err != nil {
		return err
	}

	entry := &models.DeadLetterEntry{
		WebhookID:     rec.WebhookID,
		WebhookURL:    rec.WebhookURL,
		Payload:       rec.Payload,
		ErrorClass:    string(out.Class),
		ErrorDetail:   out.Detail,
		Attempts:      rec.Attempts,
		CorrelationID: rec.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.PutDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", rec.WebhookID, err)
	}
	if r.metrics != nil {
		r.metrics.IncDeadLetter()
	}
	log.Error("webhook delivery abandoned",
		slog.String("class", string(out.Class)),
		slog.Int("attempts", rec.Attempts),
		slog.String("detail", out.Detail))
	return nil
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
