package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

// stepResult is what a finished step hands to its consumers.
type stepResult struct {
	status models.StepRunStatus
	dir    string
	trail  []models.StepDescriptor
	err    error
}

func (e *Executor) run(ctx context.Context, r *run) {
	e.initMetrics()
	g := r.graph
	execID := r.exec.ID

	ctx, span := tracer.Start(ctx, "backupflow.Execution", trace.WithAttributes(
		attribute.String("backupflow.execution_id", execID),
		attribute.String("backupflow.pipeline_id", g.Pipeline.ID),
		attribute.Int("backupflow.step_count", len(g.Order)),
	))
	defer span.End()

	started := e.now().UTC()
	r.mu.Lock()
	r.exec.Status = models.ExecutionRunning
	r.exec.StartedAt = &started
	r.mu.Unlock()
	e.persist(ctx, r)
	e.log.Info("execution started", "execution_id", execID, "pipeline_id", g.Pipeline.ID, "steps", len(g.Order))

	results := e.runSteps(ctx, r)

	// Terminal status and trail in topological order so the record does not
	// depend on goroutine scheduling.
	var (
		trail     = []models.StepDescriptor{}
		stepRuns  = make([]models.StepRun, 0, len(g.Order))
		firstErr  error
		terminals []models.Artifact
	)
	for _, id := range g.Order {
		res := results[id]
		sr := models.StepRun{StepID: id, Status: res.status}
		if res.status == models.StepSucceeded {
			step, _ := g.Step(id)
			trail = append(trail, models.DescriptorFor(step))
			sr.OutputPath = res.dir
		}
		if res.err != nil {
			sr.Error = res.err.Error()
			if firstErr == nil && res.status == models.StepFailed {
				firstErr = res.err
			}
		}
		stepRuns = append(stepRuns, sr)
	}
	for _, id := range g.Terminal() {
		if res := results[id]; res.status == models.StepSucceeded {
			terminals = append(terminals, models.Artifact{Path: res.dir, StepTrail: res.trail})
		}
	}

	status := models.ExecutionSucceeded
	var failure error
	switch {
	case firstErr != nil:
		status, failure = models.ExecutionFailed, firstErr
	case r.cancelled.Load() && len(terminals) < len(g.Terminal()):
		status, failure = models.ExecutionFailed, problems.New(problems.Cancelled, "execution cancelled")
	}

	// The slot is released before lineage is written so a slow or failing
	// object store cannot wedge the pipeline.
	r.release()

	var metaPath string
	if len(terminals) > 0 {
		p, err := e.store.PersistMeta(ctx, execID, terminals)
		if err != nil {
			e.log.Error("failed to persist meta document", "execution_id", execID, "error", err)
			status = models.ExecutionFailed
			if failure == nil {
				failure = err
			}
		} else {
			metaPath = p
		}
	}

	finished := e.now().UTC()
	r.mu.Lock()
	r.exec.Status = status
	r.exec.StepTrail = trail
	r.exec.Steps = stepRuns
	r.exec.MetaPath = metaPath
	r.exec.FinishedAt = &finished
	if failure != nil {
		r.exec.Error = failure.Error()
	}
	r.mu.Unlock()
	e.persist(ctx, r)

	if e.finished != nil {
		e.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if failure != nil {
		spanFail(span, failure)
		e.log.Error("execution failed", "execution_id", execID, "pipeline_id", g.Pipeline.ID, "error", failure)
	} else {
		span.SetStatus(codes.Ok, "")
		e.log.Info("execution succeeded", "execution_id", execID, "pipeline_id", g.Pipeline.ID, "meta_path", metaPath)
	}

	e.mu.Lock()
	delete(e.runs, execID)
	e.mu.Unlock()
	close(r.done)
}

// runSteps starts one goroutine per step. Each waits for its producers, so
// steps on one chain run in order and independent branches overlap.
func (e *Executor) runSteps(ctx context.Context, r *run) map[string]*stepResult {
	g := r.graph
	done := make(map[string]chan struct{}, len(g.Order))
	results := make(map[string]*stepResult, len(g.Order))
	for _, id := range g.Order {
		done[id] = make(chan struct{})
		results[id] = &stepResult{}
	}

	var wg sync.WaitGroup
	for _, id := range g.Order {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer close(done[id])
			upstream := g.Upstream(id)
			for _, up := range upstream {
				<-done[up]
			}
			producers := make([]*stepResult, len(upstream))
			for i, up := range upstream {
				producers[i] = results[up]
			}
			*results[id] = e.runStep(ctx, r, id, producers)
			e.recordStep(ctx, r, id, results[id])
		}(id)
	}
	wg.Wait()
	return results
}

func (e *Executor) runStep(ctx context.Context, r *run, id string, producers []*stepResult) stepResult {
	step, _ := r.graph.Step(id)

	for _, p := range producers {
		if p.status != models.StepSucceeded {
			return stepResult{status: models.StepSkipped, err: problems.New(problems.Skipped, "upstream of %s did not succeed", id)}
		}
	}
	if r.cancelled.Load() {
		return stepResult{status: models.StepSkipped, err: problems.New(problems.Cancelled, "execution cancelled before %s", id)}
	}
	if len(producers) > 1 {
		return stepResult{status: models.StepFailed, err: problems.New(problems.UnsupportedFanIn,
			"step %s consumes %d producers; adapters take at most one input", id, len(producers))}
	}

	adapter, ok := e.registry.Lookup(step.Type)
	if !ok {
		return stepResult{status: models.StepFailed, err: problems.New(problems.AdapterFailed, "no adapter bound to step type %q", step.Type)}
	}

	var (
		input *adapters.Input
		trail []models.StepDescriptor
	)
	if len(producers) == 1 {
		entries, err := e.store.Entries(ctx, producers[0].dir)
		if err != nil {
			return stepResult{status: models.StepFailed, err: fmt.Errorf("failed to list input of %s: %w", id, err)}
		}
		if len(entries) != 1 {
			return stepResult{status: models.StepFailed, err: problems.New(problems.AmbiguousInput,
				"input directory %s of step %s has %d entries, want 1", producers[0].dir, id, len(entries))}
		}
		input = &adapters.Input{Dir: producers[0].dir, Entry: entries[0]}
		trail = producers[0].trail
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return stepResult{status: models.StepFailed, err: err}
		}
		defer e.sem.Release(1)
		// Cancel may have landed while this step queued for a slot.
		if r.cancelled.Load() {
			return stepResult{status: models.StepSkipped, err: problems.New(problems.Cancelled, "execution cancelled before %s", id)}
		}
	}

	out := e.store.AllocateOutputLocation()
	req := adapters.Request{
		ExecutionID: r.exec.ID,
		PipelineID:  r.graph.Pipeline.ID,
		Step:        step,
		Input:       input,
		Output:      out,
		Store:       e.store,
	}

	ctx, span := tracer.Start(ctx, "backupflow.Step", stepAttrs(r.exec.ID, step))
	defer span.End()
	e.log.Debug("step starting", "execution_id", r.exec.ID, "step_id", id, "step_type", step.Type, "output", out.Path)

	begin := time.Now()
	err := invoke(ctx, adapter, req)
	if e.stepLatency != nil {
		e.stepLatency.Record(ctx, time.Since(begin).Seconds(),
			metric.WithAttributes(attribute.String("step_type", string(step.Type))))
	}
	if err != nil {
		if e.stepFailures != nil {
			e.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", string(step.Type))))
		}
		err = problems.Wrap(problems.AdapterFailed, err, "step %s", id)
		spanFail(span, err)
		e.log.Error("step failed", "execution_id", r.exec.ID, "step_id", id, "error", err)
		return stepResult{status: models.StepFailed, dir: out.Path, err: err}
	}

	next := make([]models.StepDescriptor, 0, len(trail)+1)
	next = append(next, trail...)
	next = append(next, models.DescriptorFor(step))
	e.log.Debug("step finished", "execution_id", r.exec.ID, "step_id", id, "duration", time.Since(begin))
	return stepResult{status: models.StepSucceeded, dir: out.Path, trail: next}
}

func invoke(ctx context.Context, a adapters.Adapter, req adapters.Request) (err error) {
	defer recoverPanic(req.Step.ID, &err)
	return a.Run(ctx, req)
}

// recordStep publishes a finished step on the live execution record.
func (e *Executor) recordStep(ctx context.Context, r *run, id string, res *stepResult) {
	r.mu.Lock()
	sr := models.StepRun{StepID: id, Status: res.status}
	if res.status == models.StepSucceeded {
		step, _ := r.graph.Step(id)
		r.exec.StepTrail = append(r.exec.StepTrail, models.DescriptorFor(step))
		sr.OutputPath = res.dir
	}
	if res.err != nil {
		sr.Error = res.err.Error()
	}
	r.exec.Steps = append(r.exec.Steps, sr)
	r.mu.Unlock()
	e.persist(ctx, r)
}

func (e *Executor) persist(ctx context.Context, r *run) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	snap := r.snapshot()
	if err := e.executions.UpdateExecution(ctx, snap); err != nil {
		e.log.Error("failed to update execution record", "execution_id", snap.ID, "error", err)
	}
}
