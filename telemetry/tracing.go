package telemetry

import (
	"context"
	"strconv"
	"sync"

	"github.com/deepnoodle-ai/worldflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/deepnoodle-ai/worldflow"

// Tracing records one span per run invocation with a child span per step.
type Tracing struct {
	worldflow.BaseExecutionCallbacks

	tracer trace.Tracer
	mutex  sync.Mutex
	runs   map[string]trace.Span
	steps  map[string]trace.Span
}

// NewTracing creates span callbacks. A nil provider uses the global one.
func NewTracing(tp trace.TracerProvider) *Tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracing{
		tracer: tp.Tracer(instrumentationName),
		runs:   map[string]trace.Span{},
		steps:  map[string]trace.Span{},
	}
}

func stepKey(runID, step string, visit int) string {
	return runID + "/" + step + "/" + strconv.Itoa(visit)
}

func (t *Tracing) BeforeRunExecution(ctx context.Context, event *worldflow.RunExecutionEvent) {
	_, span := t.tracer.Start(ctx, "worldflow.run",
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("worldflow.run_id", event.RunID),
			attribute.String("worldflow.graph", event.GraphName),
			attribute.Bool("worldflow.resumed", event.Resumed),
		),
	)
	t.mutex.Lock()
	t.runs[event.RunID] = span
	t.mutex.Unlock()
}

func (t *Tracing) AfterRunExecution(ctx context.Context, event *worldflow.RunExecutionEvent) {
	t.mutex.Lock()
	span, ok := t.runs[event.RunID]
	delete(t.runs, event.RunID)
	t.mutex.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("worldflow.status", string(event.Status)))
	if event.Request != nil {
		span.SetAttributes(attribute.String("worldflow.request_id", event.Request.ID))
	}
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, worldflow.ErrorType(event.Error))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *Tracing) BeforeStepExecution(ctx context.Context, event *worldflow.StepExecutionEvent) {
	span := t.startStep(ctx, event)
	t.mutex.Lock()
	t.steps[stepKey(event.RunID, event.StepName, event.Visit)] = span
	t.mutex.Unlock()
}

func (t *Tracing) AfterStepExecution(ctx context.Context, event *worldflow.StepExecutionEvent) {
	key := stepKey(event.RunID, event.StepName, event.Visit)
	t.mutex.Lock()
	span, ok := t.steps[key]
	delete(t.steps, key)
	t.mutex.Unlock()
	if !ok {
		// Skipped steps never start.
		span = t.startStep(ctx, event)
	}
	span.SetAttributes(attribute.String("worldflow.phase", string(event.Phase)))
	if event.Suspension != nil {
		span.SetAttributes(attribute.String("worldflow.request_id", event.Suspension.ID))
	}
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, worldflow.ErrorType(event.Error))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(event.EndTime))
}

func (t *Tracing) startStep(ctx context.Context, event *worldflow.StepExecutionEvent) trace.Span {
	t.mutex.Lock()
	parent, ok := t.runs[event.RunID]
	t.mutex.Unlock()
	if ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	_, span := t.tracer.Start(ctx, "worldflow.step/"+event.StepName,
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("worldflow.run_id", event.RunID),
			attribute.String("worldflow.step", event.StepName),
			attribute.Int("worldflow.visit", event.Visit),
		),
	)
	return span
}
