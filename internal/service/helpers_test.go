package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/compliflow/claimrelay/internal/breaker"
	"github.com/compliflow/claimrelay/internal/delivery"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/store"
)

// env is the shared test harness: a real store and queue on miniredis,
// a real breaker registry, and a real delivery client pointed at httptest
// receivers. Destinations are loopback, so the validator allows private.
type env struct {
	client   *redis.Client
	store    *store.StatusStore
	queue    *queue.Queue
	status   *StatusService
	breakers *breaker.Registry
	policy   *delivery.Policy
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewStatusStore(client)
	policy := delivery.NewPolicy(3, 30*time.Second, 300*time.Second)
	return &env{
		client:   client,
		store:    st,
		queue:    queue.New(client, queue.Options{}),
		status:   NewStatusService(st, nil),
		breakers: breaker.NewRegistry(breaker.Options{FailureThreshold: 5, ResetTimeout: time.Minute}, nil, nil),
		policy:   policy,
	}
}

func (e *env) deliveryRunner(t *testing.T, timeout time.Duration) *DeliveryRunner {
	t.Helper()
	validator, err := delivery.NewValidator("", true)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return NewDeliveryRunner(DeliveryRunnerOptions{
		Status:    e.status,
		Store:     e.store,
		Queue:     e.queue,
		Sender:    delivery.NewClient(timeout, ""),
		Breakers:  e.breakers,
		Validator: validator,
		Policy:    e.policy,
	})
}

// seedWebhook writes a pending record with an attached payload, as it
// looks right after compute finished.
func (e *env) seedWebhook(t *testing.T, refID, taskID, url string) *models.WebhookRecord {
	t.Helper()
	payload := json.RawMessage(`{"reference_id":"` + refID + `","status":"completed"}`)
	rec := &models.WebhookRecord{
		WebhookID:     models.WebhookID(refID, taskID),
		ReferenceID:   refID,
		TaskID:        taskID,
		WebhookURL:    url,
		Status:        models.WebhookStatusPending,
		MaxAttempts:   3,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: "corr-" + taskID,
		Payload:       payload,
		PayloadDigest: models.PayloadDigest(payload),
	}
	if err := e.store.PutWebhook(context.Background(), rec); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	return rec
}

func deliverTask(rec *models.WebhookRecord) models.QueueTask {
	payload, _ := json.Marshal(models.DeliverTaskPayload{WebhookID: rec.WebhookID})
	return models.QueueTask{
		TaskKind:      models.TaskKindDeliver,
		TaskID:        rec.TaskID,
		CorrelationID: rec.CorrelationID,
		Payload:       payload,
	}
}
