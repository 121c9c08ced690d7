package compute

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit transient", Transient(errors.New("upstream flaky")), true},
		{"explicit permanent", Permanent(errors.New("bad claim")), false},
		{"wrapped transient", errors.Join(errors.New("outer"), Transient(errors.New("inner"))), true},
		{"deadline is transient", context.DeadlineExceeded, true},
		{"cancel is permanent", context.Canceled, false},
		{"unclassified defaults transient", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultEngineReport(t *testing.T) {
	claim := Claim{
		ReferenceID:      "REF1",
		EmployeeNumber:   "EMP-42",
		FirstName:        "Ada",
		LastName:         "Rivera",
		IndividualName:   "Ada Rivera",
		CRDNumber:        "1234567",
		OrganizationName: "Example Advisors",
		TaskID:           "task-1",
		SkipArbitration:  true,
		SkipRegulatory:   true,
	}

	raw, err := DefaultEngine(context.Background(), claim)
	if err != nil {
		t.Fatalf("DefaultEngine: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if got["reference_id"] != "REF1" || got["task_id"] != "task-1" || got["status"] != "completed" {
		t.Errorf("report identity fields = %v", got)
	}

	reviews := got["reviews"].(map[string]any)
	if performed := reviews["disciplinary"].(map[string]any)["performed"]; performed != true {
		t.Error("disciplinary review should be performed")
	}
	if performed := reviews["arbitration"].(map[string]any)["performed"]; performed != false {
		t.Error("arbitration review should be skipped")
	}
	if performed := reviews["regulatory"].(map[string]any)["performed"]; performed != false {
		t.Error("regulatory review should be skipped")
	}
}

func TestDefaultEngineRejectsIncompleteClaim(t *testing.T) {
	_, err := DefaultEngine(context.Background(), Claim{ReferenceID: "REF1"})
	if err == nil {
		t.Fatal("expected error for claim without employee_number")
	}
	if IsTransient(err) {
		t.Error("incomplete claim must be a permanent failure")
	}
}

func TestDefaultEngineHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DefaultEngine(ctx, Claim{ReferenceID: "REF1", EmployeeNumber: "E1"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestErrorPayload(t *testing.T) {
	raw := ErrorPayload("REF1", "task-1", "compute exploded")
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "failed" || got["reference_id"] != "REF1" || got["error"] != "compute exploded" {
		t.Errorf("payload = %v", got)
	}
}
