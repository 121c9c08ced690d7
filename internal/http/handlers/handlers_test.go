package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/danielgtaylor/huma/v2"
	"github.com/redis/go-redis/v9"

	"github.com/compliflow/claimrelay/internal/breaker"
	"github.com/compliflow/claimrelay/internal/compute"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/service"
	"github.com/compliflow/claimrelay/internal/store"
	"github.com/compliflow/claimrelay/internal/worker"
)

type fixture struct {
	store    *store.StatusStore
	queue    *queue.Queue
	status   *service.StatusService
	dispatch *service.DispatchService
	breakers *breaker.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewStatusStore(client)
	q := queue.New(client, queue.Options{})
	status := service.NewStatusService(st, nil)
	dispatch := service.NewDispatchService(service.DispatchServiceOptions{
		Store:               st,
		Status:              status,
		Queue:               q,
		Fn:                  compute.DefaultEngine,
		DeliveryMaxAttempts: 3,
		SyncTimeout:         time.Second,
	})
	return &fixture{
		store:    st,
		queue:    q,
		status:   status,
		dispatch: dispatch,
		breakers: breaker.NewRegistry(breaker.Options{}, nil, nil),
	}
}

func claimInput(webhookURL string) *ProcessClaimInput {
	input := &ProcessClaimInput{}
	input.Body.ReferenceID = "REF1"
	input.Body.EmployeeNumber = "EMP-42"
	input.Body.FirstName = "Ada"
	input.Body.LastName = "Rivera"
	input.Body.WebhookURL = webhookURL
	return input
}

func statusCodeOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a huma status error", err)
	}
	return se.GetStatus()
}

func TestProcessClaimAsync(t *testing.T) {
	f := newFixture(t)
	h := NewClaimHandler(f.dispatch)

	out, err := h.ProcessClaimBasic(context.Background(), claimInput("https://hooks.example.com/claims"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != 202 {
		t.Errorf("status = %d, want 202", out.Status)
	}
	var body queuedResponse
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Status != "processing_queued" || body.ReferenceID != "REF1" || body.TaskID == "" {
		t.Errorf("body = %+v", body)
	}

	// The acknowledged task is queryable immediately.
	ts, err := h.GetTaskStatus(context.Background(), &TaskStatusInput{TaskID: body.TaskID})
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if ts.Body.Status != "QUEUED" {
		t.Errorf("task status = %s, want QUEUED", ts.Body.Status)
	}
}

func TestProcessClaimSync(t *testing.T) {
	f := newFixture(t)
	h := NewClaimHandler(f.dispatch)

	out, err := h.ProcessClaimComplete(context.Background(), claimInput(""))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != 200 {
		t.Errorf("status = %d, want 200", out.Status)
	}
	var report map[string]any
	if err := json.Unmarshal(out.Body, &report); err != nil {
		t.Fatalf("report: %v", err)
	}
	if report["status"] != "completed" {
		t.Errorf("report = %v", report)
	}
}

func TestProcessClaimRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	h := NewClaimHandler(f.dispatch)

	input := claimInput("ftp://not-a-webhook")
	_, err := h.ProcessClaimBasic(context.Background(), input)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := statusCodeOf(t, err); code != 400 {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestProcessClaimQueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewStatusStore(client)
	q := queue.New(client, queue.Options{HighWater: 1})
	dispatch := service.NewDispatchService(service.DispatchServiceOptions{
		Store:  st,
		Status: service.NewStatusService(st, nil),
		Queue:  q,
		Fn:     compute.DefaultEngine,
	})
	h := NewClaimHandler(dispatch)
	ctx := context.Background()

	if _, err := h.ProcessClaimBasic(ctx, claimInput("https://hooks.example.com/claims")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := h.ProcessClaimBasic(ctx, claimInput("https://hooks.example.com/claims"))
	if err == nil {
		t.Fatal("expected error")
	}
	if code := statusCodeOf(t, err); code != 503 {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestGetTaskStatusUnknown(t *testing.T) {
	f := newFixture(t)
	h := NewClaimHandler(f.dispatch)
	_, err := h.GetTaskStatus(context.Background(), &TaskStatusInput{TaskID: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := statusCodeOf(t, err); code != 404 {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestListProcessingModes(t *testing.T) {
	f := newFixture(t)
	h := NewClaimHandler(f.dispatch)
	out, err := h.ListProcessingModes(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out.Body.Names) != 3 {
		t.Fatalf("names = %v", out.Body.Names)
	}
	if out.Body.Names[0] != "basic" || out.Body.Names[1] != "complete" || out.Body.Names[2] != "extended" {
		t.Errorf("names = %v, want sorted [basic complete extended]", out.Body.Names)
	}
	if !out.Body.Modes["basic"].SkipRegulatory || out.Body.Modes["complete"].SkipRegulatory {
		t.Errorf("modes = %v", out.Body.Modes)
	}
}

func seedRecord(t *testing.T, f *fixture, refID, taskID string, status models.WebhookStatus) *models.WebhookRecord {
	t.Helper()
	rec := &models.WebhookRecord{
		WebhookID:     models.WebhookID(refID, taskID),
		ReferenceID:   refID,
		TaskID:        taskID,
		WebhookURL:    "https://hooks.example.com/claims",
		Status:        status,
		MaxAttempts:   3,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: "corr-" + taskID,
		Payload:       json.RawMessage(`{"k":"v"}`),
	}
	if err := f.store.PutWebhook(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func TestGetWebhookStatus(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookStatusHandler(f.status, f.dispatch)
	rec := seedRecord(t, f, "REF1", "t1", models.WebhookStatusDelivered)

	out, err := h.GetWebhookStatus(context.Background(), &GetWebhookStatusInput{WebhookID: rec.WebhookID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Body.WebhookID != rec.WebhookID || out.Body.Status != models.WebhookStatusDelivered {
		t.Errorf("body = %+v", out.Body)
	}
	if out.Body.Payload != nil {
		t.Error("payload must be stripped from status responses")
	}

	_, err = h.GetWebhookStatus(context.Background(), &GetWebhookStatusInput{WebhookID: "nope_t0"})
	if code := statusCodeOf(t, err); code != 404 {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestListWebhookStatuses(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookStatusHandler(f.status, f.dispatch)
	seedRecord(t, f, "REF1", "a", models.WebhookStatusDelivered)
	seedRecord(t, f, "REF1", "b", models.WebhookStatusFailed)
	seedRecord(t, f, "OTHER", "c", models.WebhookStatusDelivered)

	out, err := h.ListWebhookStatuses(context.Background(), &ListWebhookStatusesInput{
		ReferenceID: "REF1",
		Status:      "delivered",
		Page:        1,
		PageSize:    10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Body.Total != 1 || len(out.Body.Items) != 1 {
		t.Fatalf("total = %d items = %d, want 1/1", out.Body.Total, len(out.Body.Items))
	}
	if out.Body.Items[0].ReferenceID != "REF1" {
		t.Errorf("item = %+v", out.Body.Items[0])
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookStatusHandler(f.status, f.dispatch)
	ctx := context.Background()

	rec := seedRecord(t, f, "REF1", "t1", models.WebhookStatusFailed)
	out, err := h.DeleteWebhookStatus(ctx, &GetWebhookStatusInput{WebhookID: rec.WebhookID})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !out.Body.Deleted {
		t.Error("expected deleted=true")
	}

	old := seedRecord(t, f, "REF2", "t2", models.WebhookStatusFailed)
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour)
	if err := f.store.PutWebhook(ctx, old); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	cleaned, err := h.Cleanup(ctx, &CleanupInput{Status: "failed", OlderThanDays: 7})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleaned.Body.Deleted != 1 {
		t.Errorf("cleanup deleted %d, want 1", cleaned.Body.Deleted)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookStatusHandler(f.status, f.dispatch)
	ctx := context.Background()

	entry := &models.DeadLetterEntry{
		WebhookID:     "REF1_t1",
		WebhookURL:    "https://hooks.example.com/claims",
		Payload:       json.RawMessage(`{"k":"v"}`),
		ErrorClass:    "server_5xx",
		Attempts:      3,
		CorrelationID: "corr-1",
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.store.PutDeadLetter(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	list, err := h.ListDeadLetters(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Body.Total != 1 || list.Body.Items[0].ErrorClass != "server_5xx" {
		t.Errorf("list = %+v", list.Body)
	}

	replay, err := h.ReplayDeadLetter(ctx, &ReplayDeadLetterInput{WebhookID: "REF1_t1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Body.Status != "replay_queued" {
		t.Errorf("replay = %+v", replay.Body)
	}
	if n, _ := f.queue.Depth(ctx, queue.QueueDelivery); n != 1 {
		t.Errorf("delivery depth = %d, want 1", n)
	}

	_, err = h.ReplayDeadLetter(ctx, &ReplayDeadLetterInput{WebhookID: "REF1_t1"})
	if code := statusCodeOf(t, err); code != 404 {
		t.Errorf("second replay status = %d, want 404", code)
	}
}

func TestHealthAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool := worker.NewPool(worker.Options{
		QueueName: queue.QueueCompute,
		Queue:     f.queue,
		Handler:   func(ctx context.Context, task models.QueueTask) error { return nil },
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pool.Run(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for !pool.Alive(30*time.Second) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h := NewHealthHandler(f.store, f.breakers, pool)
	out, err := h.Health(ctx, nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.Body.Status != "healthy" || out.Status != 200 {
		t.Errorf("health = %+v", out)
	}

	// An open breaker degrades but does not fail readiness.
	for i := 0; i < 5; i++ {
		_ = f.breakers.Do("down.example.com", func() error { return context.DeadlineExceeded })
	}
	out, _ = h.Health(ctx, nil)
	if out.Body.Status != "degraded" || out.Status != 200 {
		t.Errorf("health with open breaker = %s/%d, want degraded/200", out.Body.Status, out.Status)
	}
	if len(out.Body.Checks.OpenBreakers) != 1 {
		t.Errorf("open breakers = %v", out.Body.Checks.OpenBreakers)
	}
}

func TestHealthUnhealthyWithoutWorkers(t *testing.T) {
	f := newFixture(t)
	h := NewHealthHandler(f.store, f.breakers) // no pools registered
	out, err := h.Health(context.Background(), nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.Body.Status != "unhealthy" || out.Status != 503 {
		t.Errorf("health = %s/%d, want unhealthy/503", out.Body.Status, out.Status)
	}
}
