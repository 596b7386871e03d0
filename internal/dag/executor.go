package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vk/devgrid/internal/ctxlog"
)

// errSkipped marks tasks that never ran because an upstream task failed.
var errSkipped = errors.New("skipped")

// Executor runs plans with a bounded pool of workers.
type Executor struct {
	numWorkers int
}

// NewExecutor creates an executor. A worker count below one is treated as one.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{numWorkers: workers}
}

// Result reports the final state of each planned task after a run.
type Result struct {
	States map[string]State
	Errors map[string]error
}

// Run executes every task of the plan, each exactly once, starting a task as
// soon as all of its in-plan predecessors are done. The first failure cancels
// the run and skips everything downstream of it; the root cause is returned.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("target", plan.Target)

	runs := make(map[string]*run, len(plan.Order))
	for _, name := range plan.Order {
		t, _ := plan.graph.Task(name)
		runs[name] = &run{name: name, task: t}
	}
	for _, name := range plan.Order {
		r := runs[name]
		preds := plan.preds[name]
		r.depCount.Store(int32(len(preds)))
		for _, p := range preds {
			runs[p].dependents = append(runs[p].dependents, r)
		}
	}

	readyChan := make(chan *run, len(runs))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, name := range plan.Order {
		if r := runs[name]; r.depCount.Load() == 0 {
			logger.Debug("Found root task.", "task", name)
			readyChan <- r
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(runs))

	logger.Debug("Starting worker pool.", "workers", e.numWorkers, "tasks", len(runs))
	for i := 0; i < e.numWorkers; i++ {
		go e.worker(runCtx, readyChan, cancel, &wg, i)
	}

	wg.Wait()
	close(readyChan)

	result := &Result{
		States: make(map[string]State, len(runs)),
		Errors: make(map[string]error),
	}
	var failed []string
	var rootCause error
	for _, name := range plan.Order {
		r := runs[name]
		result.States[name] = State(r.state.Load())
		if r.err == nil {
			continue
		}
		result.Errors[name] = r.err
		// A skipped task or a cancellation is a symptom, not a cause.
		if errors.Is(r.err, errSkipped) || errors.Is(r.err, context.Canceled) {
			continue
		}
		failed = append(failed, name)
		if rootCause == nil {
			rootCause = r.err
		}
	}

	if rootCause != nil {
		return result, fmt.Errorf("task %s failed: %w", strings.Join(failed, ", "), rootCause)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// worker is the processing loop for a single concurrent worker.
func (e *Executor) worker(ctx context.Context, readyChan chan *run, cancel context.CancelFunc, wg *sync.WaitGroup, workerID int) {
	logger := ctxlog.FromContext(ctx)

	for r := range readyChan {
		taskCtx := ctxlog.With(ctx, "task", r.name)
		taskLogger := logger.With("workerID", workerID, "task", r.name)

		if ctx.Err() != nil {
			r.skipOnce.Do(func() {
				taskLogger.Warn("Context canceled, skipping task.")
				r.state.Store(int32(Failed))
				r.err = ctx.Err()
				wg.Done()
				e.skipDependents(taskLogger, r, wg)
			})
			continue
		}

		r.state.Store(int32(Running))
		taskLogger.Info("Starting task.")
		start := time.Now()
		err := r.task.Execute(taskCtx)

		if err != nil {
			taskLogger.Error("Task failed.", "error", err, "duration", time.Since(start).Round(time.Millisecond))
			r.state.Store(int32(Failed))
			r.err = err
			cancel()
			e.skipDependents(taskLogger, r, wg)
			wg.Done()
			continue
		}

		taskLogger.Info("Finished task.", "duration", time.Since(start).Round(time.Millisecond))
		r.state.Store(int32(Done))

		for _, dependent := range r.dependents {
			if dependent.depCount.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
		wg.Done()
	}
}

// skipDependents recursively marks all downstream tasks as failed.
func (e *Executor) skipDependents(logger *slog.Logger, r *run, wg *sync.WaitGroup) {
	for _, dependent := range r.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping dependent task due to upstream failure.", "dependent", dependent.name)
			dependent.state.Store(int32(Failed))
			dependent.err = fmt.Errorf("%w due to upstream failure of '%s'", errSkipped, r.name)
			wg.Done()
			e.skipDependents(logger, dependent, wg)
		})
	}
}
