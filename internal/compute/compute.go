// Package compute defines the pluggable claim computation the workers run.
// The core treats the function as opaque: it gets a validated claim envelope
// and returns the JSON payload that will be delivered to the callback URL.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Func is the pluggable compute function. Implementations must respect ctx:
// the worker bounds each invocation with the configured task timeout.
type Func func(ctx context.Context, claim Claim) (json.RawMessage, error)

// Claim is the input handed to the compute function. Skip flags come from
// the claim's processing mode and are not interpreted by the core.
type Claim struct {
	ReferenceID      string `json:"reference_id"`
	EmployeeNumber   string `json:"employee_number"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	IndividualName   string `json:"individual_name"`
	CRDNumber        string `json:"crd_number,omitempty"`
	OrganizationCRD  string `json:"organization_crd,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	TaskID           string `json:"task_id"`

	SkipDisciplinary bool `json:"skip_disciplinary"`
	SkipArbitration  bool `json:"skip_arbitration"`
	SkipRegulatory   bool `json:"skip_regulatory"`
}

// Error classifies a compute failure. Transient failures are retried with
// backoff; permanent ones fail the task on the spot.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Transient {
		return fmt.Sprintf("compute: transient: %v", e.Err)
	}
	return fmt.Sprintf("compute: permanent: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retriable compute failure.
func Transient(err error) error { return &Error{Transient: true, Err: err} }

// Permanent wraps err as a non-retriable compute failure.
func Permanent(err error) error { return &Error{Transient: false, Err: err} }

// IsTransient reports whether a compute failure should be retried.
// Context deadline expiry is transient (the per-task timeout fired);
// unclassified errors default to transient so bounded retries get a chance.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
