// Package executor runs validated pipelines: one execution per pipeline at a
// time, steps in dependency order, independent branches in parallel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/guard"
	"backupflow/backend/internal/pipeline"
	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

var (
	tracer = otel.Tracer("backupflow.executor")
	meter  = otel.Meter("backupflow.executor")
)

// Logger is the logging capability the executor needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
}

// Options tune an Executor.
type Options struct {
	// MaxParallel caps concurrently running adapters across all executions.
	// Zero or less means no cap.
	MaxParallel int64
	Logger      Logger
	Now         func() time.Time
}

// Executor drives adapters for validated pipelines.
type Executor struct {
	guard      *guard.Guard
	registry   *adapters.Registry
	store      *artifacts.Store
	executions ExecutionStore
	log        Logger
	sem        *semaphore.Weighted
	now        func() time.Time

	mu   sync.Mutex
	runs map[string]*run

	metricsOnce  sync.Once
	stepLatency  metric.Float64Histogram
	stepFailures metric.Int64Counter
	finished     metric.Int64Counter
}

// New returns an Executor. The guard may be shared with other executors that
// must not overlap on the same pipeline.
func New(g *guard.Guard, registry *adapters.Registry, store *artifacts.Store, executions ExecutionStore, opts Options) *Executor {
	e := &Executor{
		guard:      g,
		registry:   registry,
		store:      store,
		executions: executions,
		log:        opts.Logger,
		now:        opts.Now,
		runs:       make(map[string]*run),
	}
	if e.log == nil {
		e.log = nopLogger{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if opts.MaxParallel > 0 {
		e.sem = semaphore.NewWeighted(opts.MaxParallel)
	}
	return e
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		if e.stepLatency, err = meter.Float64Histogram("backupflow_step_duration_seconds",
			metric.WithDescription("Time spent in each step adapter"),
			metric.WithUnit("s"),
		); err != nil {
			e.log.Error("failed to create step latency histogram", "error", err)
		}
		if e.stepFailures, err = meter.Int64Counter("backupflow_step_failures_total",
			metric.WithDescription("Steps that failed"),
		); err != nil {
			e.log.Error("failed to create step failure counter", "error", err)
		}
		if e.finished, err = meter.Int64Counter("backupflow_executions_finished_total",
			metric.WithDescription("Executions that reached a terminal status"),
		); err != nil {
			e.log.Error("failed to create execution counter", "error", err)
		}
	})
}

// run is the in-flight state of one execution.
type run struct {
	mu        sync.Mutex
	exec      *models.Execution
	graph     *pipeline.ValidatedGraph
	release   guard.Release
	cancelled atomic.Bool
	done      chan struct{}

	// persistMu orders record updates so a stale snapshot never overwrites a
	// newer one.
	persistMu sync.Mutex
}

func (r *run) snapshot() *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneExecution(r.exec)
}

func cloneExecution(src *models.Execution) *models.Execution {
	c := *src
	c.StepTrail = append([]models.StepDescriptor{}, src.StepTrail...)
	c.Steps = append([]models.StepRun(nil), src.Steps...)
	return &c
}

// Start begins executing g in the background and returns the pending
// execution record. It fails with EXECUTION.already_exists if an execution of
// the same pipeline is in flight.
func (e *Executor) Start(ctx context.Context, g *pipeline.ValidatedGraph) (*models.Execution, error) {
	r, err := e.start(ctx, g)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

func (e *Executor) start(ctx context.Context, g *pipeline.ValidatedGraph) (*run, error) {
	if g == nil || g.Pipeline == nil {
		return nil, errors.New("executor: nil graph")
	}
	pipelineID := g.Pipeline.ID
	release, ok := e.guard.TryAcquire(pipelineID)
	if !ok {
		return nil, problems.New(problems.AlreadyExists, "pipeline %s already has an execution in flight", pipelineID)
	}

	exec := &models.Execution{
		ID:         artifacts.NewID(),
		PipelineID: pipelineID,
		Status:     models.ExecutionPending,
		StepTrail:  []models.StepDescriptor{},
		CreatedAt:  e.now().UTC(),
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		release()
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	r := &run{exec: exec, graph: g, release: release, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()

	go e.run(context.WithoutCancel(ctx), r)
	return r, nil
}

// Execute runs g to completion and returns the terminal execution record.
// A failed execution is reported through its status, not as an error.
func (e *Executor) Execute(ctx context.Context, g *pipeline.ValidatedGraph) (*models.Execution, error) {
	r, err := e.start(ctx, g)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Wait blocks until the in-flight execution id finishes.
func (e *Executor) Wait(ctx context.Context, id string) (*models.Execution, error) {
	r, ok := e.lookup(id)
	if !ok {
		return nil, problems.New(problems.ExecutionNotFound, "execution %s is not running", id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the in-flight execution id to stop. Steps already running
// finish; steps not yet started are skipped.
func (e *Executor) Cancel(id string) error {
	r, ok := e.lookup(id)
	if !ok {
		return problems.New(problems.ExecutionNotFound, "execution %s is not running", id)
	}
	r.cancelled.Store(true)
	e.log.Info("execution cancel requested", "execution_id", id)
	return nil
}

// Running reports whether id is in flight.
func (e *Executor) Running(id string) bool {
	_, ok := e.lookup(id)
	return ok
}

// Snapshot returns the live state of the in-flight execution id.
func (e *Executor) Snapshot(id string) (*models.Execution, bool) {
	r, ok := e.lookup(id)
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

func (e *Executor) lookup(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func spanFail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func stepAttrs(execID string, step models.Step) trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.String("backupflow.execution_id", execID),
		attribute.String("backupflow.step_id", step.ID),
		attribute.String("backupflow.step_type", string(step.Type)),
	)
}

func recoverPanic(stepID string, err *error) {
	if v := recover(); v != nil {
		*err = fmt.Errorf("adapter for step %s panicked: %v\n%s", stepID, v, debug.Stack())
	}
}
