package service

import (
	"context"
	"fmt"

	"github.com/compliflow/claimrelay/internal/models"
)

// Dispatcher routes queue tasks to their runners. The task kind set is
// closed; an unknown kind is a defect and fails the task immediately.
type Dispatcher struct {
	compute  *ComputeRunner
	delivery *DeliveryRunner
}

// NewDispatcher creates the task dispatcher.
func NewDispatcher(compute *ComputeRunner, delivery *DeliveryRunner) *Dispatcher {
	return &Dispatcher{compute: compute, delivery: delivery}
}

// Handle executes one task.
func (d *Dispatcher) Handle(ctx context.Context, task models.QueueTask) error {
	switch task.TaskKind {
	case models.TaskKindCompute:
		return d.compute.Run(ctx, task)
	case models.TaskKindDeliver:
		return d.delivery.Run(ctx, task)
	default:
		return fmt.Errorf("dispatch: unknown task kind %q", task.TaskKind)
	}
}
