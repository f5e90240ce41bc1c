package worldflow

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Phase is a step lifecycle phase, or a run-level sentinel.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseSuspended Phase = "suspended"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped"

	// Run sentinels close a stream segment. Their Step is empty.
	PhaseWaiting Phase = "waiting"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

// Sentinel reports whether the phase marks the run halting.
func (p Phase) Sentinel() bool {
	return p == PhaseWaiting || p == PhaseDone || p == PhaseError
}

// ProgressEvent is one entry of a run's event log.
type ProgressEvent struct {
	Seq     int64     `json:"seq"`
	RunID   string    `json:"run_id"`
	Step    string    `json:"step,omitempty"`
	Phase   Phase     `json:"phase"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

type runEvents struct {
	events []ProgressEvent
	notify chan struct{}
}

func (r *runEvents) after(after int64) ([]ProgressEvent, <-chan struct{}) {
	if after < 0 {
		after = 0
	}
	if after >= int64(len(r.events)) {
		return nil, r.notify
	}
	return slices.Clone(r.events[after:]), r.notify
}

// DefaultProgressRetention is how long the log of a finished run is kept.
const DefaultProgressRetention = 15 * time.Minute

// ProgressOption configures a ProgressLog.
type ProgressOption func(*ProgressLog)

// WithRetention sets how long a run's log is kept after its done or error
// sentinel. A duration of zero or less keeps logs until Forget.
func WithRetention(d time.Duration) ProgressOption {
	return func(p *ProgressLog) {
		p.retention = d
	}
}

// ProgressLog records step lifecycle events per run. Streams and snapshots
// both read the same log, so they never disagree. ProgressLog implements
// ExecutionCallbacks and is fed by the engine.
//
// Logs of finished runs are dropped after the retention period. Readers of
// a dropped log should fall back to the run's checkpoint.
type ProgressLog struct {
	BaseExecutionCallbacks
	mutex     sync.Mutex
	runs      map[string]*runEvents
	retention time.Duration
}

// NewProgressLog creates an empty progress log
func NewProgressLog(opts ...ProgressOption) *ProgressLog {
	p := &ProgressLog{
		runs:      map[string]*runEvents{},
		retention: DefaultProgressRetention,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProgressLog) run(runID string) *runEvents {
	r, ok := p.runs[runID]
	if !ok {
		r = &runEvents{notify: make(chan struct{})}
		p.runs[runID] = r
	}
	return r
}

// Append adds an event to a run's log and wakes its subscribers.
func (p *ProgressLog) Append(runID, step string, phase Phase, payload any) ProgressEvent {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	r := p.run(runID)
	event := ProgressEvent{
		Seq:     int64(len(r.events) + 1),
		RunID:   runID,
		Step:    step,
		Phase:   phase,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
	r.events = append(r.events, event)
	close(r.notify)
	r.notify = make(chan struct{})
	if (phase == PhaseDone || phase == PhaseError) && p.retention > 0 {
		time.AfterFunc(p.retention, func() { p.expire(runID, r, event.Seq) })
	}
	return event
}

// expire drops a run's log if nothing was appended after the sentinel seq.
func (p *ProgressLog) expire(runID string, r *runEvents, seq int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.runs[runID] != r || int64(len(r.events)) != seq {
		return
	}
	p.dropLocked(runID)
}

func (p *ProgressLog) dropLocked(runID string) {
	if r, ok := p.runs[runID]; ok {
		delete(p.runs, runID)
		close(r.notify)
	}
}

// Events returns the events of a run with a sequence number above after.
func (p *ProgressLog) Events(runID string, after int64) []ProgressEvent {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	r, ok := p.runs[runID]
	if !ok {
		return nil
	}
	events, _ := r.after(after)
	return events
}

// Has reports whether a log is held for the run.
func (p *ProgressLog) Has(runID string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	_, ok := p.runs[runID]
	return ok
}

// Snapshot folds the run's events into the latest phase of each step.
func (p *ProgressLog) Snapshot(runID string) map[string]Phase {
	out := map[string]Phase{}
	for _, event := range p.Events(runID, 0) {
		if event.Step != "" {
			out[event.Step] = event.Phase
		}
	}
	return out
}

// Subscribe streams the run's events with a sequence number above after. The
// stream replays history first and then follows new events. It closes once
// it delivers a sentinel that is the latest event of the log, when the log
// is dropped, or when ctx is done. Every subscriber has its own cursor, so no
// event is dropped.
func (p *ProgressLog) Subscribe(ctx context.Context, runID string, after int64) <-chan ProgressEvent {
	ch := make(chan ProgressEvent)
	p.mutex.Lock()
	r := p.run(runID)
	p.mutex.Unlock()
	go func() {
		defer close(ch)
		cursor := after
		for {
			p.mutex.Lock()
			if p.runs[runID] != r {
				p.mutex.Unlock()
				return
			}
			events, notify := r.after(cursor)
			latest := int64(len(r.events))
			p.mutex.Unlock()

			for _, event := range events {
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
				cursor = event.Seq
				if event.Phase.Sentinel() && event.Seq == latest {
					p.mutex.Lock()
					latest = int64(len(r.events))
					p.mutex.Unlock()
					if event.Seq == latest {
						return
					}
				}
			}
			if len(events) > 0 {
				continue
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Forget drops the log of a run.
func (p *ProgressLog) Forget(runID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.dropLocked(runID)
}

func (p *ProgressLog) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	p.Append(event.RunID, event.StepName, PhaseStarted, map[string]any{"visit": event.Visit})
}

func (p *ProgressLog) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	var payload any
	switch event.Phase {
	case PhaseCompleted:
		fields := make([]string, 0, len(event.Delta))
		for name := range event.Delta {
			fields = append(fields, name)
		}
		slices.Sort(fields)
		payload = map[string]any{"visit": event.Visit, "fields": fields}
	case PhaseSuspended:
		payload = event.Suspension
	case PhaseFailed:
		if event.Error != nil {
			payload = map[string]any{"error": event.Error.Error(), "type": ErrorType(event.Error)}
		}
	}
	p.Append(event.RunID, event.StepName, event.Phase, payload)
}

func (p *ProgressLog) AfterRunExecution(ctx context.Context, event *RunExecutionEvent) {
	switch event.Status {
	case RunSuspended:
		p.Append(event.RunID, "", PhaseWaiting, event.Request)
	case RunCompleted:
		p.Append(event.RunID, "", PhaseDone, nil)
	default:
		var payload any
		if event.Error != nil {
			payload = map[string]any{"error": event.Error.Error(), "type": ErrorType(event.Error)}
		}
		p.Append(event.RunID, "", PhaseError, payload)
	}
}
