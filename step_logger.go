package worldflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/worldflow/state"
)

// StepLogEntry records one step invocation
type StepLogEntry struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	StepName   string             `json:"step_name"`
	Visit      int                `json:"visit"`
	Phase      Phase              `json:"phase"`
	Delta      state.Delta        `json:"delta,omitempty"`
	Suspension *SuspensionRequest `json:"suspension,omitempty"`
	Error      string             `json:"error,omitempty"`
	StartTime  time.Time          `json:"start_time"`
	Duration   float64            `json:"duration"`
}

// StepLogger keeps an audit trail of step invocations
type StepLogger interface {
	// LogStep records a finished step invocation
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the step log for a run
	GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	return nil, nil
}
