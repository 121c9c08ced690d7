package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/service"
)

// ClaimHandler handles claim submission and task status endpoints.
type ClaimHandler struct {
	dispatch *service.DispatchService
}

// NewClaimHandler creates a new claim handler.
func NewClaimHandler(dispatch *service.DispatchService) *ClaimHandler {
	return &ClaimHandler{dispatch: dispatch}
}

// ProcessClaimInput is the claim submission request shared by the three
// processing-mode endpoints.
type ProcessClaimInput struct {
	Body struct {
		ReferenceID      string `json:"reference_id" minLength:"1" example:"EMP-2024-0042" doc:"Opaque client correlation token"`
		EmployeeNumber   string `json:"employee_number" minLength:"1" example:"EN-123456" doc:"Employee number for the claim subject"`
		FirstName        string `json:"first_name" minLength:"1" example:"Ada"`
		LastName         string `json:"last_name" minLength:"1" example:"Rivera"`
		IndividualName   string `json:"individual_name,omitempty" doc:"Full name; defaults to \"first last\" when absent"`
		CRDNumber        string `json:"crd_number,omitempty" example:"1234567"`
		OrganizationCRD  string `json:"organization_crd,omitempty"`
		OrganizationName string `json:"organization_name,omitempty" example:"Example Advisors LLC"`
		WebhookURL       string `json:"webhook_url,omitempty" format:"uri" example:"https://my-app.example.com/hooks/claims" doc:"Callback URL; when present the claim is processed asynchronously and the result is delivered by webhook"`
	}
}

// ProcessClaimOutput is the submission response. Async submissions answer
// 202 with a queue acknowledgement; sync submissions answer 200 with the
// full report.
type ProcessClaimOutput struct {
	Status int
	Body   json.RawMessage `contentType:"application/json"`
}

// queuedResponse is the async acknowledgement body.
type queuedResponse struct {
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	TaskID      string `json:"task_id"`
}

// processClaim runs a submission in the given processing mode.
func (h *ClaimHandler) processClaim(ctx context.Context, input *ProcessClaimInput, mode string) (*ProcessClaimOutput, error) {
	res, err := h.dispatch.SubmitClaim(ctx, models.ClaimEnvelope{
		ReferenceID:      input.Body.ReferenceID,
		EmployeeNumber:   input.Body.EmployeeNumber,
		FirstName:        input.Body.FirstName,
		LastName:         input.Body.LastName,
		IndividualName:   input.Body.IndividualName,
		CRDNumber:        input.Body.CRDNumber,
		OrganizationCRD:  input.Body.OrganizationCRD,
		OrganizationName: input.Body.OrganizationName,
		WebhookURL:       input.Body.WebhookURL,
		ProcessingMode:   mode,
	})
	if err != nil {
		return nil, mapServiceError(err)
	}

	if res.Queued {
		body, err := json.Marshal(queuedResponse{
			Status:      "processing_queued",
			ReferenceID: res.ReferenceID,
			TaskID:      res.TaskID,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("encode response", err)
		}
		return &ProcessClaimOutput{Status: http.StatusAccepted, Body: body}, nil
	}
	return &ProcessClaimOutput{Status: http.StatusOK, Body: res.Report}, nil
}

// ProcessClaimBasic handles POST /process-claim-basic.
func (h *ClaimHandler) ProcessClaimBasic(ctx context.Context, input *ProcessClaimInput) (*ProcessClaimOutput, error) {
	return h.processClaim(ctx, input, "basic")
}

// ProcessClaimExtended handles POST /process-claim-extended.
func (h *ClaimHandler) ProcessClaimExtended(ctx context.Context, input *ProcessClaimInput) (*ProcessClaimOutput, error) {
	return h.processClaim(ctx, input, "extended")
}

// ProcessClaimComplete handles POST /process-claim-complete.
func (h *ClaimHandler) ProcessClaimComplete(ctx context.Context, input *ProcessClaimInput) (*ProcessClaimOutput, error) {
	return h.processClaim(ctx, input, "complete")
}

// TaskStatusInput identifies a compute task.
type TaskStatusInput struct {
	TaskID string `path:"task_id" doc:"Task identifier returned at submission"`
}

// TaskStatusOutput is the task status response.
type TaskStatusOutput struct {
	Body struct {
		TaskID      string          `json:"task_id"`
		Status      string          `json:"status" enum:"QUEUED,PROCESSING,COMPLETED,FAILED,RETRYING"`
		ReferenceID string          `json:"reference_id"`
		Result      json.RawMessage `json:"result,omitempty"`
		Error       string          `json:"error,omitempty"`
	}
}

// GetTaskStatus handles GET /task-status/{task_id}.
func (h *ClaimHandler) GetTaskStatus(ctx context.Context, input *TaskStatusInput) (*TaskStatusOutput, error) {
	rec, err := h.dispatch.TaskStatus(ctx, input.TaskID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if rec == nil {
		return nil, huma.Error404NotFound("unknown task_id")
	}
	out := &TaskStatusOutput{}
	out.Body.TaskID = rec.TaskID
	out.Body.Status = string(rec.Status)
	out.Body.ReferenceID = rec.ReferenceID
	out.Body.Result = rec.Result
	out.Body.Error = rec.Error
	return out, nil
}

// ProcessingModesOutput lists the supported processing modes.
type ProcessingModesOutput struct {
	Body struct {
		Modes map[string]models.ProcessingMode `json:"modes"`
		Names []string                         `json:"names"`
	}
}

// ListProcessingModes handles GET /processing-modes.
func (h *ClaimHandler) ListProcessingModes(ctx context.Context, _ *struct{}) (*ProcessingModesOutput, error) {
	out := &ProcessingModesOutput{}
	out.Body.Modes = models.ProcessingModes
	for name := range models.ProcessingModes {
		out.Body.Names = append(out.Body.Names, name)
	}
	sort.Strings(out.Body.Names)
	return out, nil
}
