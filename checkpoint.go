package worldflow

import (
	"encoding/json"
	"slices"
	"time"
)

// RunStatus is the persisted status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can never continue.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Checkpoint contains a complete snapshot of a run. It is written whenever a
// run halts and read whenever a run resumes.
type Checkpoint struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	GraphName    string                `json:"graph_name"`
	Status       RunStatus             `json:"status"`
	State        map[string]any        `json:"state"`
	Frontier     []string              `json:"frontier"`
	Steps        map[string]StepStatus `json:"steps"`
	Visits       map[string]int        `json:"visits,omitempty"`
	Routes       map[string]string     `json:"routes,omitempty"`
	Pending      []SuspensionRequest   `json:"pending,omitempty"`
	Config       *Config               `json:"config,omitempty"`
	Error        string                `json:"error,omitempty"`
	ErrorType    string                `json:"error_type,omitempty"`
	Sequence     int                   `json:"sequence"`
	StartTime    time.Time             `json:"start_time,omitzero"`
	EndTime      time.Time             `json:"end_time,omitzero"`
	CheckpointAt time.Time             `json:"checkpoint_at"`
}

// PendingRequest returns the pending request with the given id.
func (c *Checkpoint) PendingRequest(id string) (*SuspensionRequest, bool) {
	idx := slices.IndexFunc(c.Pending, func(r SuspensionRequest) bool { return r.ID == id })
	if idx < 0 {
		return nil, false
	}
	req := c.Pending[idx]
	return &req, true
}

// Progress derives the latest phase of every step that ran from the
// checkpoint's step statuses. Pending steps are left out.
func (c *Checkpoint) Progress() map[string]Phase {
	out := map[string]Phase{}
	for name, status := range c.Steps {
		switch status {
		case StepRunning:
			out[name] = PhaseStarted
		case StepCompleted:
			out[name] = PhaseCompleted
		case StepSkipped:
			out[name] = PhaseSkipped
		case StepSuspended:
			out[name] = PhaseSuspended
		case StepFailed:
			out[name] = PhaseFailed
		}
	}
	return out
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	data, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Summary returns a summary view of the checkpoint.
func (c *Checkpoint) Summary() *RunSummary {
	summary := &RunSummary{
		RunID:     c.RunID,
		GraphName: c.GraphName,
		Status:    c.Status,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
		Error:     c.Error,
		ErrorType: c.ErrorType,
		Pending:   len(c.Pending),
	}
	if !c.EndTime.IsZero() {
		summary.Duration = c.EndTime.Sub(c.StartTime)
	} else {
		summary.Duration = c.CheckpointAt.Sub(c.StartTime)
	}
	return summary
}
