// Package service holds the orchestration layer: the status lifecycle
// manager, the ingress-facing dispatch service, and the compute and
// delivery task runners executed by the worker pools.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/store"
)

// StatusService is the single entry point for webhook record mutations.
// It enforces the status state machine on top of the store's CAS and is
// the only code allowed to change a record's status.
type StatusService struct {
	store *store.StatusStore
	log   *slog.Logger
}

// NewStatusService creates the lifecycle manager.
func NewStatusService(st *store.StatusStore, log *slog.Logger) *StatusService {
	if log == nil {
		log = slog.Default()
	}
	return &StatusService{store: st, log: log.With("component", "status")}
}

// Create writes a fresh pending record. Overwrites any prior record with
// the same id (a resubmitted reference/task pair restarts its lifecycle).
func (s *StatusService) Create(ctx context.Context, rec *models.WebhookRecord) error {
	rec.Status = models.WebhookStatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.store.PutWebhook(ctx, rec)
}

// Transition moves a record to the given status if the state machine
// allows it, applying mutate inside the same compare-and-set. Returns the
// updated record and whether the transition applied; an illegal transition
// or absent record is a no-op, not an error. Terminal transitions stamp
// completed_at.
func (s *StatusService) Transition(ctx context.Context, webhookID string, to models.WebhookStatus, mutate func(*models.WebhookRecord)) (*models.WebhookRecord, bool, error) {
	var after models.WebhookRecord
	applied, err := s.store.UpdateWebhookCAS(ctx, webhookID,
		func(cur models.WebhookStatus) bool { return cur.CanTransitionTo(to) },
		func(rec *models.WebhookRecord) {
			rec.Status = to
			if mutate != nil {
				mutate(rec)
			}
			if to.Terminal() && rec.CompletedAt == nil {
				now := time.Now().UTC()
				rec.CompletedAt = &now
			}
			after = *rec
		})
	if err != nil {
		return nil, false, fmt.Errorf("transition %s to %s: %w", webhookID, to, err)
	}
	if !applied {
		return nil, false, nil
	}
	return &after, true, nil
}

// Get returns the record without its retained payload, or nil when absent.
func (s *StatusService) Get(ctx context.Context, webhookID string) (*models.WebhookRecord, error) {
	rec, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil || rec == nil {
		return nil, err
	}
	out := rec.WithoutPayload()
	return &out, nil
}

// List returns one page of records (payloads stripped) plus a best-effort
// total count.
func (s *StatusService) List(ctx context.Context, filter store.ScanFilter, page, pageSize int) ([]models.WebhookRecord, int, error) {
	records, total, err := s.store.ScanWebhooks(ctx, filter, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	for i := range records {
		records[i].Payload = nil
	}
	return records, total, nil
}

// Delete removes a single record.
func (s *StatusService) Delete(ctx context.Context, webhookID string) (bool, error) {
	return s.store.DeleteWebhook(ctx, webhookID)
}

// Cleanup removes records matching the filter older than age. Idempotent:
// a second identical run removes nothing.
func (s *StatusService) Cleanup(ctx context.Context, filter store.ScanFilter, age time.Duration) (int, error) {
	n, err := s.store.BulkDeleteWebhooks(ctx, filter, age)
	if err != nil {
		return n, err
	}
	s.log.Info("webhook cleanup completed",
		slog.Int("deleted", n),
		slog.String("status_filter", string(filter.Status)),
		slog.Duration("older_than", age))
	return n, nil
}
