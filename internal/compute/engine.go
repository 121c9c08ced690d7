package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// reviewSection is one stage of the compliance evaluation.
type reviewSection struct {
	Performed bool   `json:"performed"`
	Result    string `json:"result,omitempty"`
}

// report is the payload shape produced by the default engine and delivered
// to the callback URL.
type report struct {
	ReferenceID    string `json:"reference_id"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	IndividualName string `json:"individual_name"`
	EmployeeNumber string `json:"employee_number"`
	CRDNumber      string `json:"crd_number,omitempty"`
	Organization   struct {
		CRDNumber string `json:"crd_number,omitempty"`
		Name      string `json:"name,omitempty"`
	} `json:"organization"`
	Reviews struct {
		Disciplinary reviewSection `json:"disciplinary"`
		Arbitration  reviewSection `json:"arbitration"`
		Regulatory   reviewSection `json:"regulatory"`
	} `json:"reviews"`
	GeneratedAt time.Time `json:"generated_at"`
}

// DefaultEngine builds the compliance report for a claim. It performs no
// external lookups; deployments with live data sources swap in their own
// Func at the composition root.
func DefaultEngine(ctx context.Context, claim Claim) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	if claim.ReferenceID == "" || claim.EmployeeNumber == "" {
		return nil, Permanent(errors.New("claim missing reference_id or employee_number"))
	}

	var r report
	r.ReferenceID = claim.ReferenceID
	r.TaskID = claim.TaskID
	r.Status = "completed"
	r.IndividualName = claim.IndividualName
	r.EmployeeNumber = claim.EmployeeNumber
	r.CRDNumber = claim.CRDNumber
	r.Organization.CRDNumber = claim.OrganizationCRD
	r.Organization.Name = claim.OrganizationName
	r.Reviews.Disciplinary = review(!claim.SkipDisciplinary)
	r.Reviews.Arbitration = review(!claim.SkipArbitration)
	r.Reviews.Regulatory = review(!claim.SkipRegulatory)
	r.GeneratedAt = time.Now().UTC()

	out, err := json.Marshal(&r)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode report: %w", err))
	}
	return out, nil
}

func review(performed bool) reviewSection {
	s := reviewSection{Performed: performed}
	if performed {
		s.Result = "no_findings"
	}
	return s
}

// ErrorPayload builds the synthetic payload delivered when compute fails
// permanently, so the receiver still learns the claim's fate.
func ErrorPayload(referenceID, taskID, detail string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{
		"reference_id": referenceID,
		"task_id":      taskID,
		"status":       "failed",
		"error":        detail,
	})
	return out
}
