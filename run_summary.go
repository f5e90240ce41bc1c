package worldflow

import "time"

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID     string        `json:"run_id"`
	GraphName string        `json:"graph_name"`
	Status    RunStatus     `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitzero"`
	Duration  time.Duration `json:"duration"`
	Pending   int           `json:"pending,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
}
