package service

import (
	"context"
	"testing"
	"time"

	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/store"
)

func TestTransitionEnforcesStateMachine(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.seedWebhook(t, "REF1", "t1", "https://hooks.example.com/hook")

	// pending -> delivered is illegal (must pass through in_progress).
	if _, applied, err := e.status.Transition(ctx, rec.WebhookID, models.WebhookStatusDelivered, nil); err != nil || applied {
		t.Fatalf("pending->delivered: applied=%v err=%v, want no-op", applied, err)
	}

	after, applied, err := e.status.Transition(ctx, rec.WebhookID, models.WebhookStatusInProgress, nil)
	if err != nil || !applied {
		t.Fatalf("pending->in_progress: applied=%v err=%v", applied, err)
	}
	if after.Status != models.WebhookStatusInProgress {
		t.Errorf("returned record status = %s", after.Status)
	}

	if _, applied, _ := e.status.Transition(ctx, rec.WebhookID, models.WebhookStatusDelivered, nil); !applied {
		t.Fatal("in_progress->delivered should apply")
	}

	// Terminal: nothing moves it again.
	for _, next := range []models.WebhookStatus{
		models.WebhookStatusPending,
		models.WebhookStatusInProgress,
		models.WebhookStatusRetrying,
		models.WebhookStatusFailed,
	} {
		if _, applied, _ := e.status.Transition(ctx, rec.WebhookID, next, nil); applied {
			t.Errorf("delivered->%s applied, want frozen terminal state", next)
		}
	}
}

func TestTransitionStampsCompletedAt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.seedWebhook(t, "REF1", "t1", "https://hooks.example.com/hook")

	if _, _, err := e.status.Transition(ctx, rec.WebhookID, models.WebhookStatusInProgress, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	after, applied, err := e.status.Transition(ctx, rec.WebhookID, models.WebhookStatusFailed, nil)
	if err != nil || !applied {
		t.Fatalf("fail: applied=%v err=%v", applied, err)
	}
	if after.CompletedAt == nil {
		t.Error("terminal transition must stamp completed_at")
	}
}

func TestGetStripsPayload(t *testing.T) {
	e := newEnv(t)
	rec := e.seedWebhook(t, "REF1", "t1", "https://hooks.example.com/hook")

	got, err := e.status.Get(context.Background(), rec.WebhookID)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Payload != nil {
		t.Error("status reads must not expose the retained payload")
	}
	if got.PayloadDigest == "" {
		t.Error("digest should survive the strip")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old := e.seedWebhook(t, "REF1", "old", "https://hooks.example.com/hook")
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	if err := e.store.PutWebhook(ctx, old); err != nil {
		t.Fatalf("put: %v", err)
	}
	e.seedWebhook(t, "REF1", "fresh", "https://hooks.example.com/hook")

	n, err := e.status.Cleanup(ctx, store.ScanFilter{}, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("first cleanup deleted %d, want 1", n)
	}

	n, err = e.status.Cleanup(ctx, store.ScanFilter{}, 24*time.Hour)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("second cleanup deleted %d, want 0", n)
	}
}
