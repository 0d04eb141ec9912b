// Package execution drives workflow sessions to completion without a human
// in the loop.
//
// Each execution advances one task per Tick:
//
//	recheck blocked -> pick next task -> assign -> in_progress
//	  -> wait estimated duration -> completed -> record performance
//
// An execution ends completed when every task is done, timeout when its
// deadline passes, error on an unexpected failure, or cancelled on Cancel.
// Terminal states are final and always persisted with a summary learning.
// Any other terminal state releases the session's unfinished tasks so their
// workers get their capacity back, and records the interrupted task as a
// failed attempt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskweave/internal/balancer"
	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Workflows is the slice of the workflow manager the loop drives.
type Workflows interface {
	CreateWorkflow(ctx context.Context, name, request, coordinator string) (*types.WorkflowSession, error)
	GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error)
	Tasks(ctx context.Context, sessionID string) ([]types.Task, error)
	Recheck(ctx context.Context, sessionID string) (int, error)
	AssignTask(ctx context.Context, taskID string) (*types.Task, *balancer.Assignment, error)
	UpdateStatus(ctx context.Context, taskID string, to types.TaskStatus) (*types.Task, error)
	ReleaseSession(ctx context.Context, sessionID, reason string) ([]types.Task, error)
}

// Learner supplies duration estimates and receives results.
type Learner interface {
	AverageConfidence(ctx context.Context, workerID string) (float64, error)
	RecordPerformance(ctx context.Context, workerID, taskType string, success bool, duration time.Duration, satisfaction *float64) (types.PerformanceMetric, error)
	RecordOutcome(ctx context.Context, workerID, category, learningType string, payload map[string]any, confidence float64) (types.LearningRecord, error)
}

// Repository persists execution records.
type Repository interface {
	SaveExecution(ctx context.Context, e *types.Execution) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	ListExecutions(ctx context.Context, state types.ExecutionState) ([]types.Execution, error)
}

// Options tunes the loop.
type Options struct {
	Timeout         time.Duration
	TickInterval    time.Duration
	MinTaskDuration time.Duration
	SpeedupFactor   float64
	// Manual disables the per-execution tick goroutine; callers drive Tick.
	Manual bool
	Clock  Clock
}

// StartRequest describes an execution to start. Either SessionID names an
// existing session, or Request is decomposed into a new one.
type StartRequest struct {
	Name        string        `json:"name"`
	Request     string        `json:"request"`
	Coordinator string        `json:"coordinator"`
	SessionID   string        `json:"session_id,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

type run struct {
	tick sync.Mutex // serializes Tick for one execution

	mu   sync.Mutex
	exec types.Execution
	done chan struct{}
}

func (r *run) snapshot() types.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec
}

// Loop runs executions. Safe for concurrent use.
type Loop struct {
	flows   Workflows
	learner Learner
	repo    Repository
	opts    Options

	mu   sync.RWMutex
	runs map[string]*run

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoop creates a loop. learner may be nil.
func NewLoop(flows Workflows, learner Learner, repo Repository, opts Options) *Loop {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MinTaskDuration <= 0 {
		opts.MinTaskDuration = 5 * time.Second
	}
	if opts.SpeedupFactor <= 0 {
		opts.SpeedupFactor = 0.3
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &Loop{
		flows:   flows,
		learner: learner,
		repo:    repo,
		opts:    opts,
		runs:    make(map[string]*run),
		stop:    make(chan struct{}),
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start creates (or adopts) a session and begins executing it.
func (l *Loop) Start(ctx context.Context, req StartRequest) (*types.Execution, error) {
	select {
	case <-l.stop:
		return nil, fmt.Errorf("execution loop closed: %w", types.ErrInvalidArgument)
	default:
	}

	var (
		sess *types.WorkflowSession
		err  error
	)
	if req.SessionID != "" {
		sess, err = l.flows.GetSession(ctx, req.SessionID)
	} else {
		if req.Name == "" {
			req.Name = "autonomous run"
		}
		sess, err = l.flows.CreateWorkflow(ctx, req.Name, req.Request, req.Coordinator)
	}
	if err != nil {
		logging.Get(logging.CategoryExecution).Error("Start failed for session %q: %v", req.SessionID, err)
		return nil, err
	}
	tasks, err := l.flows.Tasks(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	completed := 0
	for _, t := range tasks {
		if t.Status == types.TaskCompleted {
			completed++
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.opts.Timeout
	}
	now := l.opts.Clock.Now()
	coordinator := req.Coordinator
	if coordinator == "" {
		coordinator = sess.CoordinatorWorker
	}
	r := &run{
		exec: types.Execution{
			ID:             uuid.NewString(),
			SessionID:      sess.SessionID,
			Coordinator:    coordinator,
			State:          types.ExecutionActive,
			TotalTasks:     len(tasks),
			CompletedTasks: completed,
			StartedAt:      now,
			Deadline:       now.Add(timeout),
		},
		done: make(chan struct{}),
	}
	if err := l.repo.SaveExecution(ctx, &r.exec); err != nil {
		logging.Get(logging.CategoryExecution).Error("Persisting execution for session %s failed: %v", sess.SessionID, err)
		return nil, err
	}

	l.mu.Lock()
	l.runs[r.exec.ID] = r
	l.mu.Unlock()

	logging.Execution("Execution %s started: session=%s tasks=%d deadline=%s",
		r.exec.ID, sess.SessionID, len(tasks), r.exec.Deadline.Format(time.RFC3339))
	logging.Audit(logging.CategoryExecution).WithSession(sess.SessionID).Event(logging.AuditExecutionStart, "", coordinator, r.exec.ID)

	if !l.opts.Manual {
		l.wg.Add(1)
		go l.drive(r)
	}
	out := r.snapshot()
	return &out, nil
}

// Resume adopts a persisted active execution, typically one left behind by a
// previous process, and continues it against its original deadline.
func (l *Loop) Resume(ctx context.Context, id string) (*types.Execution, error) {
	select {
	case <-l.stop:
		return nil, fmt.Errorf("execution loop closed: %w", types.ErrInvalidArgument)
	default:
	}
	if r, err := l.get(id); err == nil {
		out := r.snapshot()
		return &out, nil
	}
	exec, err := l.repo.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", id, exec.State, types.ErrExecutionTerminal)
	}

	r := &run{exec: *exec, done: make(chan struct{})}
	l.mu.Lock()
	if existing, ok := l.runs[id]; ok {
		l.mu.Unlock()
		out := existing.snapshot()
		return &out, nil
	}
	l.runs[id] = r
	l.mu.Unlock()

	logging.Execution("Execution %s resumed: session=%s completed=%d/%d", id, exec.SessionID, exec.CompletedTasks, exec.TotalTasks)
	if !l.opts.Manual {
		l.wg.Add(1)
		go l.drive(r)
	}
	out := r.snapshot()
	return &out, nil
}

func (l *Loop) drive(r *run) {
	defer l.wg.Done()
	id := r.snapshot().ID
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-r.done:
			return
		case <-l.stop:
			return
		case <-l.opts.Clock.After(l.opts.TickInterval):
		}
		if _, err := l.Tick(ctx, id); errors.Is(err, types.ErrExecutionTerminal) || ctx.Err() != nil {
			return
		}
	}
}

// Cancel forces the cancelled terminal state and stops the tick goroutine.
func (l *Loop) Cancel(ctx context.Context, id string) (*types.Execution, error) {
	r, err := l.get(id)
	if err != nil {
		return nil, err
	}
	if !l.finish(ctx, r, types.ExecutionCancelled, "cancelled") {
		return nil, fmt.Errorf("execution %s is %s: %w", id, r.snapshot().State, types.ErrExecutionTerminal)
	}
	out := r.snapshot()
	return &out, nil
}

// Status returns the current record, falling back to the store for
// executions not owned by this loop.
func (l *Loop) Status(ctx context.Context, id string) (*types.Execution, error) {
	if r, err := l.get(id); err == nil {
		out := r.snapshot()
		return &out, nil
	}
	return l.repo.GetExecution(ctx, id)
}

// List returns persisted executions in state, all when empty.
func (l *Loop) List(ctx context.Context, state types.ExecutionState) ([]types.Execution, error) {
	return l.repo.ListExecutions(ctx, state)
}

// Close stops every tick goroutine. Active executions stay active in the store.
func (l *Loop) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	return nil
}

func (l *Loop) get(id string) (*run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	return r, nil
}

// =============================================================================
// TICK
// =============================================================================

// Tick advances the execution by at most one task. It blocks for the task's
// estimated duration. Ticking a terminal execution returns
// types.ErrExecutionTerminal.
func (l *Loop) Tick(ctx context.Context, id string) (*types.Execution, error) {
	r, err := l.get(id)
	if err != nil {
		return nil, err
	}
	r.tick.Lock()
	defer r.tick.Unlock()

	exec := r.snapshot()
	if exec.State.IsTerminal() {
		return &exec, fmt.Errorf("execution %s is %s: %w", id, exec.State, types.ErrExecutionTerminal)
	}

	if err := l.step(ctx, r); err != nil {
		if errors.Is(err, types.ErrExecutionTerminal) || ctx.Err() != nil || r.snapshot().State.IsTerminal() {
			out := r.snapshot()
			return &out, err
		}
		logging.Get(logging.CategoryExecution).Error("Execution %s (session %s) tick failed: %v", id, exec.SessionID, err)
		l.finish(ctx, r, types.ExecutionError, err.Error())
	}
	out := r.snapshot()
	return &out, nil
}

func (l *Loop) step(ctx context.Context, r *run) error {
	exec := r.snapshot()
	timer := logging.StartTimer(logging.CategoryExecution, "Tick")
	defer timer.Stop()

	if !l.opts.Clock.Now().Before(exec.Deadline) {
		l.finish(ctx, r, types.ExecutionTimeout, "deadline exceeded")
		return nil
	}

	sess, err := l.flows.GetSession(ctx, exec.SessionID)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionPaused {
		logging.ExecutionDebug("Execution %s: session %s paused", exec.ID, sess.SessionID)
		return nil
	}

	if _, err := l.flows.Recheck(ctx, exec.SessionID); err != nil {
		return err
	}
	tasks, err := l.flows.Tasks(ctx, exec.SessionID)
	if err != nil {
		return err
	}

	completed, blocked := 0, 0
	var next *types.Task
	for i := range tasks {
		switch tasks[i].Status {
		case types.TaskCompleted:
			completed++
		case types.TaskBlocked:
			blocked++
		default:
			if next == nil {
				next = &tasks[i]
			}
		}
	}
	l.update(r, func(e *types.Execution) {
		e.TotalTasks = len(tasks)
		e.CompletedTasks = completed
	})

	if completed == len(tasks) {
		l.finish(ctx, r, types.ExecutionCompleted, "")
		return nil
	}
	if next == nil {
		return fmt.Errorf("%d task(s) blocked with no runnable work", blocked)
	}

	task, err := l.begin(ctx, next)
	if err != nil || task == nil {
		return err
	}
	l.update(r, func(e *types.Execution) { e.CurrentTaskID = task.ID })
	if err := l.persist(ctx, r); err != nil {
		return err
	}

	d := l.estimate(ctx, task)
	remaining := exec.Deadline.Sub(l.opts.Clock.Now())
	if d > remaining {
		logging.Execution("Execution %s: task %s needs %s, %s left before deadline", exec.ID, task.ID, d, remaining)
		if err := l.wait(ctx, r, remaining); err != nil {
			return err
		}
		l.finish(ctx, r, types.ExecutionTimeout, fmt.Sprintf("deadline exceeded during task %s", task.ID))
		return nil
	}
	if err := l.wait(ctx, r, d); err != nil {
		return err
	}

	if _, err := l.flows.UpdateStatus(ctx, task.ID, types.TaskCompleted); err != nil {
		return err
	}
	if l.learner != nil {
		if _, err := l.learner.RecordPerformance(ctx, task.AssignedWorker, taskType(task), true, d, nil); err != nil {
			logging.ExecutionWarn("Execution %s: recording performance for task %s failed: %v", exec.ID, task.ID, err)
		}
	}
	l.update(r, func(e *types.Execution) {
		e.CompletedTasks++
		e.CurrentTaskID = ""
	})
	logging.Audit(logging.CategoryExecution).WithSession(exec.SessionID).Event(logging.AuditExecutionTick, task.ID, task.AssignedWorker,
		fmt.Sprintf("completed in %s", d))
	if err := l.persist(ctx, r); err != nil {
		return err
	}

	if s := r.snapshot(); s.CompletedTasks >= s.TotalTasks {
		l.finish(ctx, r, types.ExecutionCompleted, "")
	}
	return nil
}

// begin moves the task to in_progress. A nil task with nil error means the
// task could not start this tick (no capacity, or dependencies unmet).
func (l *Loop) begin(ctx context.Context, t *types.Task) (*types.Task, error) {
	if t.Status == types.TaskInProgress {
		return t, nil
	}
	if t.Status == types.TaskPending {
		assigned, _, err := l.flows.AssignTask(ctx, t.ID)
		if errors.Is(err, types.ErrCapacityExceeded) {
			logging.ExecutionWarn("Task %s waiting for capacity", t.ID)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		t = assigned
	}
	started, err := l.flows.UpdateStatus(ctx, t.ID, types.TaskInProgress)
	if errors.Is(err, types.ErrDependencyNotSatisfied) {
		logging.ExecutionDebug("Task %s blocked on dependencies", t.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return started, nil
}

// estimate scales the task estimate by the worker's learned confidence:
// est * (1 - avgConfidence*speedup), never below the configured floor.
func (l *Loop) estimate(ctx context.Context, t *types.Task) time.Duration {
	d := time.Duration(t.EstimatedDurationMinutes) * time.Minute
	if l.learner != nil && t.AssignedWorker != "" {
		avg, err := l.learner.AverageConfidence(ctx, t.AssignedWorker)
		if err != nil {
			logging.ExecutionWarn("Average confidence for %s unavailable: %v", t.AssignedWorker, err)
		} else {
			ms := math.Round(float64(d.Milliseconds()) * (1 - avg*l.opts.SpeedupFactor))
			d = time.Duration(ms) * time.Millisecond
		}
	}
	if d < l.opts.MinTaskDuration {
		d = l.opts.MinTaskDuration
	}
	return d
}

func (l *Loop) wait(ctx context.Context, r *run, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-l.opts.Clock.After(d):
		return nil
	case <-r.done:
		return types.ErrExecutionTerminal
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) update(r *run, fn func(*types.Execution)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exec.State.IsTerminal() {
		fn(&r.exec)
	}
}

func (l *Loop) persist(ctx context.Context, r *run) error {
	exec := r.snapshot()
	return l.repo.SaveExecution(ctx, &exec)
}

// finish moves the execution to a terminal state exactly once and records
// the summary learning. It reports whether this call made the transition.
func (l *Loop) finish(ctx context.Context, r *run, state types.ExecutionState, reason string) bool {
	r.mu.Lock()
	if r.exec.State.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.exec.State = state
	r.exec.FinishedAt = l.opts.Clock.Now()
	if state != types.ExecutionCompleted {
		r.exec.LastError = reason
	}
	r.exec.CurrentTaskID = ""
	close(r.done)
	exec := r.exec
	r.mu.Unlock()

	// The terminal record must land even when the caller's ctx is gone.
	saveCtx := context.WithoutCancel(ctx)
	if err := l.repo.SaveExecution(saveCtx, &exec); err != nil {
		logging.Get(logging.CategoryExecution).Error("Persisting terminal state %s for execution %s failed: %v", state, exec.ID, err)
	}

	if state != types.ExecutionCompleted {
		l.release(saveCtx, exec, reason)
	}

	confidence := 0.6
	if state == types.ExecutionCompleted {
		confidence = 0.9
	}
	if l.learner != nil && exec.Coordinator != "" {
		payload := map[string]any{
			"execution_id":    exec.ID,
			"session_id":      exec.SessionID,
			"state":           string(state),
			"total_tasks":     exec.TotalTasks,
			"completed_tasks": exec.CompletedTasks,
			"success_ratio":   exec.Progress(),
		}
		if _, err := l.learner.RecordOutcome(saveCtx, exec.Coordinator, "autonomous_execution", "execution_summary", payload, confidence); err != nil {
			logging.ExecutionWarn("Execution %s: summary learning failed: %v", exec.ID, err)
		}
	}

	logging.Execution("Execution %s %s: %d/%d tasks", exec.ID, state, exec.CompletedTasks, exec.TotalTasks)
	ev := logging.AuditEvent{
		EventType:  logging.AuditExecutionEnd,
		WorkerID:   exec.Coordinator,
		Target:     exec.ID,
		Success:    state == types.ExecutionCompleted,
		DurationMs: exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
		Error:      exec.LastError,
		Message:    string(state),
	}
	logging.Audit(logging.CategoryExecution).WithSession(exec.SessionID).Log(ev)
	return true
}

// release hands the session's unfinished tasks back and records a failed
// attempt for each one that was cut off mid-run.
func (l *Loop) release(ctx context.Context, exec types.Execution, reason string) {
	released, err := l.flows.ReleaseSession(ctx, exec.SessionID, fmt.Sprintf("execution %s %s", exec.ID, exec.State))
	if err != nil {
		logging.Get(logging.CategoryExecution).Error("Execution %s: releasing session %s failed: %v", exec.ID, exec.SessionID, err)
	}
	for i := range released {
		t := &released[i]
		if t.Status != types.TaskInProgress || l.learner == nil {
			continue
		}
		elapsed := exec.FinishedAt.Sub(t.UpdatedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if _, err := l.learner.RecordPerformance(ctx, t.AssignedWorker, taskType(t), false, elapsed, nil); err != nil {
			logging.ExecutionWarn("Execution %s: recording failed attempt for task %s failed: %v", exec.ID, t.ID, err)
		}
		logging.Audit(logging.CategoryExecution).WithSession(exec.SessionID).Failure(logging.AuditExecutionTick, t.ID, t.AssignedWorker,
			fmt.Errorf("interrupted after %s: %s", elapsed, reason))
	}
}

func taskType(t *types.Task) string {
	if len(t.RequiredSpecialties) > 0 {
		return t.RequiredSpecialties[0]
	}
	return "general"
}
