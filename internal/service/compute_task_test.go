package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/compliflow/claimrelay/internal/compute"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
)

func computeTaskFor(claim models.ClaimEnvelope) models.QueueTask {
	payload, _ := json.Marshal(models.ComputeTaskPayload{Claim: claim})
	return models.QueueTask{
		TaskKind:      models.TaskKindCompute,
		TaskID:        claim.TaskID,
		CorrelationID: "corr-" + claim.TaskID,
		Payload:       payload,
	}
}

func testClaim(webhookURL string) models.ClaimEnvelope {
	return models.ClaimEnvelope{
		ReferenceID:    "REF1",
		EmployeeNumber: "EMP-42",
		FirstName:      "Ada",
		LastName:       "Rivera",
		IndividualName: "Ada Rivera",
		WebhookURL:     webhookURL,
		ProcessingMode: "basic",
		TaskID:         "11111111-2222-3333-4444-555555555555",
	}
}

func (e *env) computeRunner(fn compute.Func) *ComputeRunner {
	return NewComputeRunner(ComputeRunnerOptions{
		Store:       e.store,
		Queue:       e.queue,
		Fn:          fn,
		Policy:      e.policy,
		MaxAttempts: 3,
		TaskTimeout: time.Second,
	})
}

func TestComputeSuccessEnqueuesDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	claim := testClaim("https://hooks.example.com/claims")

	// Dispatch would have created the pending record already.
	rec := &models.WebhookRecord{
		WebhookID:     models.WebhookID(claim.ReferenceID, claim.TaskID),
		ReferenceID:   claim.ReferenceID,
		TaskID:        claim.TaskID,
		WebhookURL:    claim.WebhookURL,
		MaxAttempts:   3,
		CorrelationID: "corr-" + claim.TaskID,
	}
	if err := e.status.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	result := json.RawMessage(`{"reference_id":"REF1","status":"completed"}`)
	runner := e.computeRunner(func(ctx context.Context, c compute.Claim) (json.RawMessage, error) {
		if c.ReferenceID != "REF1" || !c.SkipDisciplinary {
			t.Errorf("claim passed to compute = %+v", c)
		}
		return result, nil
	})

	if err := runner.Run(ctx, computeTaskFor(claim)); err != nil {
		t.Fatalf("run: %v", err)
	}

	taskRec, _ := e.store.GetTask(ctx, claim.TaskID)
	if taskRec == nil || taskRec.Status != models.TaskStatusCompleted {
		t.Fatalf("task record = %+v, want COMPLETED", taskRec)
	}
	if string(taskRec.Result) != string(result) {
		t.Errorf("task result = %s", taskRec.Result)
	}

	got, _ := e.store.GetWebhook(ctx, rec.WebhookID)
	if string(got.Payload) != string(result) {
		t.Errorf("webhook payload = %s", got.Payload)
	}
	if got.PayloadDigest != models.PayloadDigest(result) {
		t.Errorf("payload digest = %s", got.PayloadDigest)
	}
	if n, _ := e.queue.Depth(ctx, queue.QueueDelivery); n != 1 {
		t.Errorf("delivery depth = %d, want 1", n)
	}
}

func TestComputeTransientFailureRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	claim := testClaim("https://hooks.example.com/claims")

	runner := e.computeRunner(func(ctx context.Context, c compute.Claim) (json.RawMessage, error) {
		return nil, compute.Transient(errors.New("upstream briefly down"))
	})

	if err := runner.Run(ctx, computeTaskFor(claim)); err != nil {
		t.Fatalf("run: %v", err)
	}

	taskRec, _ := e.store.GetTask(ctx, claim.TaskID)
	if taskRec == nil || taskRec.Status != models.TaskStatusRetrying {
		t.Fatalf("task record = %+v, want RETRYING", taskRec)
	}
	if n, _ := e.queue.DelayedDepth(ctx, queue.QueueCompute); n != 1 {
		t.Errorf("compute delayed depth = %d, want 1", n)
	}
	if n, _ := e.queue.Depth(ctx, queue.QueueDelivery); n != 0 {
		t.Errorf("delivery depth = %d, want 0", n)
	}
}

func TestComputeExhaustionDeliversErrorPayload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	claim := testClaim("https://hooks.example.com/claims")

	rec := &models.WebhookRecord{
		WebhookID:     models.WebhookID(claim.ReferenceID, claim.TaskID),
		ReferenceID:   claim.ReferenceID,
		TaskID:        claim.TaskID,
		WebhookURL:    claim.WebhookURL,
		MaxAttempts:   3,
		CorrelationID: "corr",
	}
	if err := e.status.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	runner := e.computeRunner(func(ctx context.Context, c compute.Claim) (json.RawMessage, error) {
		return nil, compute.Transient(errors.New("still down"))
	})

	// Third attempt exhausts the budget.
	task := computeTaskFor(claim)
	task.AttemptCount = 2
	if err := runner.Run(ctx, task); err != nil {
		t.Fatalf("run: %v", err)
	}

	taskRec, _ := e.store.GetTask(ctx, claim.TaskID)
	if taskRec == nil || taskRec.Status != models.TaskStatusFailed {
		t.Fatalf("task record = %+v, want FAILED", taskRec)
	}
	if taskRec.Error == "" {
		t.Error("task record must carry the failure detail")
	}

	// The receiver still hears about it via the synthetic error payload.
	got, _ := e.store.GetWebhook(ctx, rec.WebhookID)
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["status"] != "failed" || payload["reference_id"] != "REF1" {
		t.Errorf("synthetic payload = %v", payload)
	}
	if n, _ := e.queue.Depth(ctx, queue.QueueDelivery); n != 1 {
		t.Errorf("delivery depth = %d, want 1", n)
	}
}

func TestComputePermanentFailureSkipsRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	claim := testClaim("") // no webhook: nothing to deliver

	runner := e.computeRunner(func(ctx context.Context, c compute.Claim) (json.RawMessage, error) {
		return nil, compute.Permanent(errors.New("claim shape unusable"))
	})

	if err := runner.Run(ctx, computeTaskFor(claim)); err != nil {
		t.Fatalf("run: %v", err)
	}

	taskRec, _ := e.store.GetTask(ctx, claim.TaskID)
	if taskRec == nil || taskRec.Status != models.TaskStatusFailed {
		t.Fatalf("task record = %+v, want FAILED", taskRec)
	}
	if n, _ := e.queue.DelayedDepth(ctx, queue.QueueCompute); n != 0 {
		t.Errorf("compute delayed depth = %d, want 0 (no retry)", n)
	}
	if n, _ := e.queue.Depth(ctx, queue.QueueDelivery); n != 0 {
		t.Errorf("delivery depth = %d, want 0", n)
	}
}

func TestComputeTaskTimeoutIsTransient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	claim := testClaim("https://hooks.example.com/claims")

	runner := NewComputeRunner(ComputeRunnerOptions{
		Store:       e.store,
		Queue:       e.queue,
		Policy:      e.policy,
		MaxAttempts: 3,
		TaskTimeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, c compute.Claim) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	if err := runner.Run(ctx, computeTaskFor(claim)); err != nil {
		t.Fatalf("run: %v", err)
	}
	taskRec, _ := e.store.GetTask(ctx, claim.TaskID)
	if taskRec == nil || taskRec.Status != models.TaskStatusRetrying {
		t.Fatalf("task record = %+v, want RETRYING after timeout", taskRec)
	}
}

func TestDispatcherUnknownKind(t *testing.T) {
	d := NewDispatcher(nil, nil)
	err := d.Handle(context.Background(), models.QueueTask{TaskKind: "mystery"})
	if err == nil {
		t.Fatal("expected error for unknown task kind")
	}
}
