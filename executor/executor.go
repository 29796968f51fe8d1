// Package executor dispatches training runs to an external execution backend.
// The backend reports progress and completion back through the scheduler's
// callback surface; this package only starts and stops runs.
package executor

import (
	"context"

	"github.com/edgevision/model-orchestrator/config"
)

// TrainingExecutor is the contract with the external training backend.
// StartTraining must be idempotent by job ID: the admission loop may
// redispatch a job after a partial failure.
type TrainingExecutor interface {
	StartTraining(ctx context.Context, job *config.TrainingJob) error
	// StopTraining is best-effort. The backend may still report a late
	// terminal status after a stop, which the scheduler discards.
	StopTraining(ctx context.Context, jobID string) error
}
