package app

import (
	"context"
	"fmt"
	"time"

	"taskstream/internal/async"
	"taskstream/internal/logging"
	"taskstream/internal/observability"
	"taskstream/internal/server/ports"
)

// TaskExecutor drives one agent invocation per task on a goroutine independent
// of the request-serving loop, translating every yielded step into an appended
// event. Exactly one executor run exists per task; registry mutations from the
// run are short and atomic, and the registry lock is never held across an
// agent call.
type TaskExecutor struct {
	registry *TaskRegistry
	agent    ports.Agent
	maxSteps int

	logger  logging.Logger
	metrics *observability.Metrics
}

// NewTaskExecutor wires an executor to its registry and agent.
func NewTaskExecutor(registry *TaskRegistry, agent ports.Agent, maxSteps int, logger logging.Logger, metrics *observability.Metrics) *TaskExecutor {
	if maxSteps <= 0 {
		maxSteps = 20
	}
	return &TaskExecutor{
		registry: registry,
		agent:    agent,
		maxSteps: maxSteps,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

// Launch spawns the background run and returns immediately. The run detaches
// from the caller's cancellation so an HTTP handler returning never aborts the
// agent, while request-scoped values stay available for logging.
func (e *TaskExecutor) Launch(ctx context.Context, taskID, prompt string) {
	runCtx := context.WithoutCancel(ctx)
	async.Go(e.logger, "executor.run", func() {
		e.run(runCtx, taskID, prompt)
	})
}

// run executes the agent synchronously. Exposed to tests via Launch only.
func (e *TaskExecutor) run(ctx context.Context, taskID, prompt string) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during task %s: %v", taskID, r)
			_ = e.registry.MarkFailed(ctx, taskID, fmt.Errorf("panic: %v", r))
			e.metrics.TaskFinished(string(ports.TaskStatusFailed), time.Since(start))
		}
	}()

	if err := e.registry.MarkRunning(ctx, taskID); err != nil {
		e.logger.Error("cannot start task %s: %v", taskID, err)
		return
	}

	e.logger.Info("task %s: agent run started", taskID)

	onStep := func(step ports.Step) {
		kind := step.Kind
		if !kind.Appendable() || kind.Terminal() {
			// The agent only reports progress; terminal events are the
			// executor's to emit.
			kind = ports.EventLog
		}
		if _, err := e.registry.AppendEvent(ctx, taskID, kind, step.Content); err != nil {
			e.logger.Warn("task %s: failed to append %s event: %v", taskID, kind, err)
		}
	}

	artifact, err := e.agent.Call(ctx, prompt, e.maxSteps, onStep)
	if err != nil {
		e.logger.Error("task %s: agent failed: %v", taskID, err)
		if markErr := e.registry.MarkFailed(ctx, taskID, err); markErr != nil {
			e.logger.Error("task %s: failed to record failure: %v", taskID, markErr)
		}
		e.metrics.TaskFinished(string(ports.TaskStatusFailed), time.Since(start))
		return
	}

	if _, err := e.registry.AppendEvent(ctx, taskID, ports.EventResult, artifact); err != nil {
		e.logger.Warn("task %s: failed to append result event: %v", taskID, err)
	}
	if err := e.registry.MarkComplete(ctx, taskID, artifact); err != nil {
		e.logger.Error("task %s: failed to record completion: %v", taskID, err)
		return
	}

	e.metrics.TaskFinished(string(ports.TaskStatusCompleted), time.Since(start))
	e.logger.Info("task %s: agent run completed in %s", taskID, time.Since(start).Round(time.Millisecond))
}
