package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/service"
	"github.com/compliflow/claimrelay/internal/store"
)

// WebhookStatusHandler handles webhook record inspection, cleanup, and the
// dead-letter operations.
type WebhookStatusHandler struct {
	status   *service.StatusService
	dispatch *service.DispatchService
}

// NewWebhookStatusHandler creates a new webhook status handler.
func NewWebhookStatusHandler(status *service.StatusService, dispatch *service.DispatchService) *WebhookStatusHandler {
	return &WebhookStatusHandler{status: status, dispatch: dispatch}
}

// GetWebhookStatusInput identifies one webhook record.
type GetWebhookStatusInput struct {
	WebhookID string `path:"webhook_id" example:"EMP-2024-0042_11111111-2222-3333-4444-555555555555"`
}

// GetWebhookStatusOutput carries one webhook record, payload stripped.
type GetWebhookStatusOutput struct {
	Body models.WebhookRecord
}

// GetWebhookStatus handles GET /webhook-status/{webhook_id}.
func (h *WebhookStatusHandler) GetWebhookStatus(ctx context.Context, input *GetWebhookStatusInput) (*GetWebhookStatusOutput, error) {
	rec, err := h.status.Get(ctx, input.WebhookID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if rec == nil {
		return nil, huma.Error404NotFound("unknown webhook_id")
	}
	return &GetWebhookStatusOutput{Body: *rec}, nil
}

// ListWebhookStatusesInput filters and pages the record listing.
type ListWebhookStatusesInput struct {
	ReferenceID string `query:"reference_id" doc:"Reference id prefix filter"`
	Status      string `query:"status" enum:",pending,in_progress,retrying,delivered,failed"`
	Page        int    `query:"page" default:"1" minimum:"1"`
	PageSize    int    `query:"page_size" default:"20" minimum:"1" maximum:"200"`
}

// ListWebhookStatusesOutput is one listing page.
type ListWebhookStatusesOutput struct {
	Body struct {
		Items    []models.WebhookRecord `json:"items"`
		Page     int                    `json:"page"`
		PageSize int                    `json:"page_size"`
		Total    int                    `json:"total" doc:"Best-effort total match count"`
	}
}

// ListWebhookStatuses handles GET /webhook-statuses.
func (h *WebhookStatusHandler) ListWebhookStatuses(ctx context.Context, input *ListWebhookStatusesInput) (*ListWebhookStatusesOutput, error) {
	filter := store.ScanFilter{
		ReferenceIDPrefix: input.ReferenceID,
		Status:            models.WebhookStatus(input.Status),
	}
	items, total, err := h.status.List(ctx, filter, input.Page, input.PageSize)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &ListWebhookStatusesOutput{}
	out.Body.Items = items
	out.Body.Page = input.Page
	out.Body.PageSize = input.PageSize
	out.Body.Total = total
	return out, nil
}

// DeleteWebhookStatusOutput reports whether a record was removed.
type DeleteWebhookStatusOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

// DeleteWebhookStatus handles DELETE /webhook-status/{webhook_id}.
func (h *WebhookStatusHandler) DeleteWebhookStatus(ctx context.Context, input *GetWebhookStatusInput) (*DeleteWebhookStatusOutput, error) {
	existed, err := h.status.Delete(ctx, input.WebhookID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &DeleteWebhookStatusOutput{}
	out.Body.Deleted = existed
	return out, nil
}

// CleanupInput selects records for bulk removal.
type CleanupInput struct {
	ReferenceID   string `query:"reference_id" doc:"Reference id prefix filter"`
	Status        string `query:"status" enum:",pending,in_progress,retrying,delivered,failed"`
	OlderThanDays int    `query:"older_than_days" default:"7" minimum:"0"`
}

// CleanupOutput reports the number of records removed.
type CleanupOutput struct {
	Body struct {
		Deleted int `json:"deleted"`
	}
}

// Cleanup handles POST /webhook-cleanup and DELETE /webhook-statuses.
func (h *WebhookStatusHandler) Cleanup(ctx context.Context, input *CleanupInput) (*CleanupOutput, error) {
	filter := store.ScanFilter{
		ReferenceIDPrefix: input.ReferenceID,
		Status:            models.WebhookStatus(input.Status),
	}
	n, err := h.status.Cleanup(ctx, filter, time.Duration(input.OlderThanDays)*24*time.Hour)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &CleanupOutput{}
	out.Body.Deleted = n
	return out, nil
}

// ListDeadLettersOutput lists retained dead-letter entries.
type ListDeadLettersOutput struct {
	Body struct {
		Items []models.DeadLetterEntry `json:"items"`
		Total int                      `json:"total"`
	}
}

// ListDeadLetters handles GET /dead-letters.
func (h *WebhookStatusHandler) ListDeadLetters(ctx context.Context, _ *struct{}) (*ListDeadLettersOutput, error) {
	entries, err := h.dispatch.DeadLetters(ctx)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &ListDeadLettersOutput{}
	out.Body.Items = entries
	out.Body.Total = len(entries)
	return out, nil
}

// ReplayDeadLetterInput identifies the entry to replay.
type ReplayDeadLetterInput struct {
	WebhookID string `path:"webhook_id"`
}

// ReplayDeadLetterOutput acknowledges a replay.
type ReplayDeadLetterOutput struct {
	Body struct {
		Status    string `json:"status"`
		WebhookID string `json:"webhook_id"`
	}
}

// ReplayDeadLetter handles POST /dead-letters/{webhook_id}/replay.
func (h *WebhookStatusHandler) ReplayDeadLetter(ctx context.Context, input *ReplayDeadLetterInput) (*ReplayDeadLetterOutput, error) {
	replayed, err := h.dispatch.ReplayDeadLetter(ctx, input.WebhookID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if !replayed {
		return nil, huma.Error404NotFound("no dead-letter entry for webhook_id")
	}
	out := &ReplayDeadLetterOutput{}
	out.Body.Status = "replay_queued"
	out.Body.WebhookID = input.WebhookID
	return out, nil
}
