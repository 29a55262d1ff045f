package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskstream/internal/async"
	"taskstream/internal/logging"
	"taskstream/internal/observability"
	"taskstream/internal/server/ports"
)

// RegistryOptions configures a TaskRegistry. Zero values select defaults.
type RegistryOptions struct {
	// HistoryLimit bounds each channel's buffered log (default 1000).
	HistoryLimit int
	// SubscriberBuffer sizes each live subscriber channel (default 100).
	SubscriberBuffer int

	Logger  logging.Logger
	Metrics *observability.Metrics
}

// TaskRegistry owns every task record and its event channel. Task and channel
// are created atomically and the registry is the single writer for both, so
// the executor and the stream gateway never touch shared state directly.
type TaskRegistry struct {
	mu       sync.RWMutex
	tasks    map[string]*ports.Task
	channels map[string]*EventChannel

	historyLimit     int
	subscriberBuffer int

	logger  logging.Logger
	metrics *observability.Metrics
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(opts RegistryOptions) *TaskRegistry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewComponentLogger("TaskRegistry")
	}
	return &TaskRegistry{
		tasks:            make(map[string]*ports.Task),
		channels:         make(map[string]*EventChannel),
		historyLimit:     opts.HistoryLimit,
		subscriberBuffer: opts.SubscriberBuffer,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
	}
}

// CreateTask allocates a task record and its event channel atomically.
// The prompt must contain at least one non-whitespace character.
func (r *TaskRegistry) CreateTask(ctx context.Context, ownerID, prompt string) (*ports.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}

	task := &ports.Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()),
		OwnerID:   ownerID,
		Prompt:    prompt,
		Status:    ports.TaskStatusPending,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.channels[task.ID] = newEventChannel(task.ID, r.historyLimit, r.logger, r.metrics)
	r.mu.Unlock()

	r.metrics.TaskCreated()
	r.logger.Info("task created: id=%s owner=%s", task.ID, ownerID)

	snapshot := *task
	return &snapshot, nil
}

// GetTask returns a copy of the task record.
func (r *TaskRegistry) GetTask(ctx context.Context, taskID string) (*ports.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	snapshot := *task
	return &snapshot, nil
}

// ListTasks returns the owner's tasks ordered by creation time, newest first.
// An unknown owner yields an empty slice, not an error.
func (r *TaskRegistry) ListTasks(ctx context.Context, ownerID string) []*ports.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*ports.Task, 0)
	for _, task := range r.tasks {
		if task.OwnerID != ownerID {
			continue
		}
		snapshot := *task
		tasks = append(tasks, &snapshot)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// AppendEvent atomically assigns the next sequence id, buffers the event, and
// notifies every live subscriber. Appends against a closed channel are dropped
// and logged rather than surfaced: the executor should not emit after its own
// terminal call, and a late emission must never become a hard failure.
func (r *TaskRegistry) AppendEvent(ctx context.Context, taskID string, kind ports.EventKind, payload any) (ports.Event, error) {
	if !kind.Appendable() {
		return ports.Event{}, fmt.Errorf("event kind %q cannot be appended", kind)
	}

	channel, err := r.channel(taskID)
	if err != nil {
		return ports.Event{}, err
	}

	event, err := channel.Append(kind, payload)
	if err != nil {
		r.logger.Warn("dropping event kind=%s for task %s: %v", kind, taskID, err)
		return ports.Event{}, nil
	}

	r.mu.Lock()
	if task, ok := r.tasks[taskID]; ok {
		task.LastSeq = event.Seq
	}
	r.mu.Unlock()

	return event, nil
}

// MarkRunning moves a pending task to running.
func (r *TaskRegistry) MarkRunning(ctx context.Context, taskID string) error {
	return r.transition(taskID, ports.TaskStatusRunning, func(task *ports.Task) {
		now := time.Now()
		task.StartedAt = &now
	})
}

// MarkComplete appends the terminal complete event carrying the final artifact
// and moves the task to completed. The channel closes only after the terminal
// event has been queued for every attached subscriber.
func (r *TaskRegistry) MarkComplete(ctx context.Context, taskID string, artifact string) error {
	if _, err := r.AppendEvent(ctx, taskID, ports.EventComplete, artifact); err != nil {
		return err
	}
	return r.transition(taskID, ports.TaskStatusCompleted, func(task *ports.Task) {
		now := time.Now()
		task.EndedAt = &now
		task.Result = artifact
	})
}

// MarkFailed appends the terminal error event and moves the task to failed.
func (r *TaskRegistry) MarkFailed(ctx context.Context, taskID string, taskErr error) error {
	message := "task failed"
	if taskErr != nil {
		message = taskErr.Error()
	}
	if _, err := r.AppendEvent(ctx, taskID, ports.EventError, map[string]any{"message": message}); err != nil {
		return err
	}
	return r.transition(taskID, ports.TaskStatusFailed, func(task *ports.Task) {
		now := time.Now()
		task.EndedAt = &now
		task.Error = message
	})
}

// transition applies a forward-only status change. Backward or repeated
// transitions are ignored so a stray second terminal call cannot regress state.
func (r *TaskRegistry) transition(taskID string, next ports.TaskStatus, apply func(*ports.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !task.Status.CanTransitionTo(next) {
		r.logger.Debug("ignoring status transition %s -> %s for task %s", task.Status, next, taskID)
		return nil
	}
	task.Status = next
	if apply != nil {
		apply(task)
	}
	return nil
}

// Subscribe attaches a stream subscriber, returning the buffered events with
// Seq > afterSeq plus a live channel. The live channel is nil when the task is
// already terminal: the caller gets the idempotent buffered tail and nothing
// more. If the channel was garbage collected, a synthetic terminal event is
// reconstructed from the task record so late clients still see the outcome.
func (r *TaskRegistry) Subscribe(ctx context.Context, taskID string, afterSeq int64) ([]ports.Event, chan ports.Event, error) {
	r.mu.RLock()
	task, taskOK := r.tasks[taskID]
	channel, channelOK := r.channels[taskID]
	var terminalTail []ports.Event
	if taskOK && !channelOK {
		terminalTail = r.reconstructTailLocked(task, afterSeq)
	}
	r.mu.RUnlock()

	if !taskOK {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !channelOK {
		return terminalTail, nil, nil
	}

	replay, live := channel.Subscribe(afterSeq, r.subscriberBuffer)
	return replay, live, nil
}

// Unsubscribe detaches a live subscriber. Safe after channel teardown.
func (r *TaskRegistry) Unsubscribe(taskID string, ch chan ports.Event) {
	channel, err := r.channel(taskID)
	if err != nil {
		return
	}
	channel.Unsubscribe(ch)
}

// reconstructTailLocked synthesizes the terminal event for a task whose
// channel has been garbage collected. Callers must hold at least a read lock.
func (r *TaskRegistry) reconstructTailLocked(task *ports.Task, afterSeq int64) []ports.Event {
	if !task.Status.Terminal() || task.LastSeq <= afterSeq {
		return nil
	}

	event := ports.Event{
		TaskID:    task.ID,
		Seq:       task.LastSeq,
		Kind:      ports.EventComplete,
		Payload:   task.Result,
		Timestamp: task.CreatedAt,
	}
	if task.EndedAt != nil {
		event.Timestamp = *task.EndedAt
	}
	if task.Status == ports.TaskStatusFailed {
		event.Kind = ports.EventError
		event.Payload = map[string]any{"message": task.Error}
	}
	return []ports.Event{event}
}

func (r *TaskRegistry) channel(taskID string) (*EventChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channel, ok := r.channels[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return channel, nil
}

// StartJanitor sweeps closed channels that have been idle with no subscribers
// for longer than idleTimeout, releasing their buffered logs. Task records
// survive the sweep; only the channel is torn down. The janitor stops when ctx
// is cancelled.
func (r *TaskRegistry) StartJanitor(ctx context.Context, interval, idleTimeout time.Duration) {
	if interval <= 0 || idleTimeout <= 0 {
		return
	}
	async.Go(r.logger, "registry.janitor", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepIdleChannels(time.Now().Add(-idleTimeout))
			}
		}
	})
}

func (r *TaskRegistry) sweepIdleChannels(cutoff time.Time) {
	r.mu.Lock()
	var idle []*EventChannel
	for taskID, channel := range r.channels {
		if channel.idleSince(cutoff) {
			idle = append(idle, channel)
			delete(r.channels, taskID)
			r.logger.Info("released idle event channel for task %s", taskID)
		}
	}
	r.mu.Unlock()

	for _, channel := range idle {
		channel.drainSubscribers()
	}
}
