// Package workflow is the durable task and session state machine.
//
// Task lifecycle:
//
//	pending -> assigned -> in_progress -> completed
//	              |             |
//	              +--> blocked <+
//	                      |
//	                      +--> assigned (once dependencies are completed)
//	                      +--> pending  (when released without a worker)
//
// Every mutation is written to the store before the call returns. Writers to
// the same session are serialized by a per-session mutex; different sessions
// never contend.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskweave/internal/balancer"
	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Repository is the durable backing for sessions, tasks and handoffs.
type Repository interface {
	InsertSession(ctx context.Context, sess *types.WorkflowSession) error
	UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus, at time.Time) error
	GetSession(ctx context.Context, id string) (*types.WorkflowSession, error)
	ListSessions(ctx context.Context, status types.SessionStatus) ([]types.WorkflowSession, error)

	InsertTask(ctx context.Context, t *types.Task) error
	UpdateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	TasksForSession(ctx context.Context, sessionID string) ([]types.Task, error)
	TasksForWorker(ctx context.Context, workerID string) ([]types.Task, error)
	TaskStatuses(ctx context.Context, ids []string) (map[string]types.TaskStatus, error)
	ArchiveCompleted(ctx context.Context, cutoff, now time.Time) (int, error)

	InsertHandoff(ctx context.Context, h *types.HandoffNotification) error
	GetHandoff(ctx context.Context, id string) (*types.HandoffNotification, error)
	TransitionHandoff(ctx context.Context, id string, from, to types.HandoffStatus, at time.Time) (bool, error)
	HandoffsFor(ctx context.Context, workerID string, status types.HandoffStatus) ([]types.HandoffNotification, error)
}

// Assigner is the slice of the balancer the manager drives.
type Assigner interface {
	Assign(ctx context.Context, task types.Task) (*balancer.Assignment, error)
	Reserve(ctx context.Context, workerID string) error
	Complete(ctx context.Context, workerID string, estimatedMinutes int, actual time.Duration) (types.WorkerProfile, error)
	Release(ctx context.Context, workerID string) (types.WorkerProfile, error)
}

// Options tunes the manager.
type Options struct {
	DefaultEstimateMinutes int
	Retention              time.Duration
	Now                    func() time.Time
}

// TaskSpec describes a task to add to a session.
type TaskSpec struct {
	Assignee            string         `json:"assignee,omitempty"`
	Description         string         `json:"description"`
	Deliverables        []string       `json:"deliverables,omitempty"`
	Priority            types.Priority `json:"priority"`
	RequiredSpecialties []string       `json:"required_specialties,omitempty"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	EstimatedMinutes    int            `json:"estimated_minutes,omitempty"`
}

// Manager owns sessions, tasks and handoffs. Safe for concurrent use.
type Manager struct {
	repo   Repository
	assign Assigner
	opts   Options

	locks sync.Map // session id -> *sync.Mutex
}

// NewManager creates a manager. assign may be nil, in which case AssignTask
// fails and capacity is not tracked.
func NewManager(repo Repository, assign Assigner, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultEstimateMinutes <= 0 {
		opts.DefaultEstimateMinutes = 15
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Manager{repo: repo, assign: assign, opts: opts}
}

func (m *Manager) lock(sessionID string) func() {
	v, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession starts a new active session.
func (m *Manager) CreateSession(ctx context.Context, name, description, coordinator string) (*types.WorkflowSession, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(coordinator) == "" {
		return nil, fmt.Errorf("create session: name and coordinator required: %w", types.ErrInvalidArgument)
	}
	now := m.opts.Now()
	sess := &types.WorkflowSession{
		SessionID:         uuid.NewString(),
		Name:              name,
		Description:       description,
		CoordinatorWorker: coordinator,
		Status:            types.SessionActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.repo.InsertSession(ctx, sess); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("CreateSession %q failed: %v", name, err)
		return nil, err
	}
	logging.Workflow("Created session %s %q coordinator=%s", sess.SessionID, name, coordinator)
	logging.Audit(logging.CategoryWorkflow).WithSession(sess.SessionID).Event(logging.AuditSessionCreate, "", coordinator, name)
	return sess, nil
}

// GetSession loads a session with its tasks.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error) {
	return m.repo.GetSession(ctx, sessionID)
}

// ListActiveSessions returns every active session, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]types.WorkflowSession, error) {
	return m.repo.ListSessions(ctx, types.SessionActive)
}

// ListSessions returns sessions in status, or all when status is empty.
func (m *Manager) ListSessions(ctx context.Context, status types.SessionStatus) ([]types.WorkflowSession, error) {
	return m.repo.ListSessions(ctx, status)
}

// Tasks returns a session's tasks in insertion order.
func (m *Manager) Tasks(ctx context.Context, sessionID string) ([]types.Task, error) {
	return m.repo.TasksForSession(ctx, sessionID)
}

// PauseSession moves an active session to paused.
func (m *Manager) PauseSession(ctx context.Context, sessionID string) error {
	return m.setSessionStatus(ctx, sessionID, types.SessionActive, types.SessionPaused)
}

// ResumeSession moves a paused session back to active.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) error {
	return m.setSessionStatus(ctx, sessionID, types.SessionPaused, types.SessionActive)
}

func (m *Manager) setSessionStatus(ctx context.Context, sessionID string, from, to types.SessionStatus) error {
	unlock := m.lock(sessionID)
	defer unlock()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == to {
		return nil
	}
	if sess.Status != from {
		return fmt.Errorf("session %s is %s, cannot move to %s: %w", sessionID, sess.Status, to, types.ErrInvalidTransition)
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, to, m.opts.Now()); err != nil {
		return err
	}
	logging.Workflow("Session %s: %s -> %s", sessionID, from, to)
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

// AddTask appends a task to a session. A task with an assignee starts as
// assigned and takes one unit of that worker's capacity; otherwise it is
// pending until AssignTask.
func (m *Manager) AddTask(ctx context.Context, sessionID string, spec TaskSpec) (*types.Task, error) {
	if strings.TrimSpace(spec.Description) == "" {
		return nil, fmt.Errorf("add task: description required: %w", types.ErrInvalidArgument)
	}

	unlock := m.lock(sessionID)
	defer unlock()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionCompleted {
		return nil, fmt.Errorf("session %s is completed: %w", sessionID, types.ErrInvalidTransition)
	}
	known := make(map[string]bool, len(sess.Tasks))
	for _, t := range sess.Tasks {
		known[t.ID] = true
	}
	for _, dep := range spec.DependsOn {
		if !known[dep] {
			return nil, fmt.Errorf("add task: dependency %s not in session %s: %w", dep, sessionID, types.ErrInvalidArgument)
		}
	}

	now := m.opts.Now()
	t := &types.Task{
		ID:                       uuid.NewString(),
		WorkflowID:               sessionID,
		Description:              spec.Description,
		RequiredSpecialties:      spec.RequiredSpecialties,
		Deliverables:             spec.Deliverables,
		Priority:                 spec.Priority,
		DependsOn:                spec.DependsOn,
		EstimatedDurationMinutes: spec.EstimatedMinutes,
		Status:                   types.TaskPending,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if t.Priority == "" {
		t.Priority = types.PriorityMedium
	}
	if t.EstimatedDurationMinutes <= 0 {
		t.EstimatedDurationMinutes = m.opts.DefaultEstimateMinutes
	}

	if spec.Assignee != "" {
		if m.assign != nil {
			if err := m.assign.Reserve(ctx, spec.Assignee); err != nil {
				return nil, fmt.Errorf("add task for %s: %w", spec.Assignee, err)
			}
		}
		t.AssignedWorker = spec.Assignee
		t.Status = types.TaskAssigned
	}

	if err := m.repo.InsertTask(ctx, t); err != nil {
		if spec.Assignee != "" && m.assign != nil {
			_, _ = m.assign.Release(ctx, spec.Assignee)
		}
		logging.Get(logging.CategoryWorkflow).Error("AddTask to session %s failed: %v", sessionID, err)
		return nil, err
	}
	logging.Workflow("Session %s: added task %s (%s) status=%s worker=%s", sessionID, t.ID, t.Priority, t.Status, t.AssignedWorker)
	return t, nil
}

// AssignTask hands a pending task to the best available worker.
func (m *Manager) AssignTask(ctx context.Context, taskID string) (*types.Task, *balancer.Assignment, error) {
	if m.assign == nil {
		return nil, nil, fmt.Errorf("assign task %s: no balancer configured: %w", taskID, types.ErrCapacityExceeded)
	}
	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	unlock := m.lock(t.WorkflowID)
	defer unlock()

	if t, err = m.repo.GetTask(ctx, taskID); err != nil {
		return nil, nil, err
	}
	if t.Status != types.TaskPending {
		return nil, nil, &types.TransitionError{TaskID: t.ID, From: t.Status, To: types.TaskAssigned, Cause: types.ErrInvalidTransition}
	}

	a, err := m.assign.Assign(ctx, *t)
	if err != nil {
		logging.WorkflowWarn("Task %s (session %s) not assigned: %v", t.ID, t.WorkflowID, err)
		return nil, nil, err
	}
	prev := *t
	t.AssignedWorker = a.WorkerID
	t.Status = types.TaskAssigned
	t.UpdatedAt = m.opts.Now()
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		_, _ = m.assign.Release(ctx, a.WorkerID)
		return &prev, nil, err
	}
	logging.Workflow("Task %s assigned to %s", t.ID, a.WorkerID)
	return t, a, nil
}

// GetTask loads one task.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return m.repo.GetTask(ctx, taskID)
}

// GetTasksForWorker returns the worker's non-terminal tasks.
func (m *Manager) GetTasksForWorker(ctx context.Context, workerID string) ([]types.Task, error) {
	return m.repo.TasksForWorker(ctx, workerID)
}

var transitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending:    {types.TaskAssigned},
	types.TaskAssigned:   {types.TaskInProgress, types.TaskBlocked},
	types.TaskInProgress: {types.TaskCompleted, types.TaskBlocked},
	types.TaskBlocked:    {types.TaskAssigned},
}

func allowed(from, to types.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves a task along its state machine.
//
// Starting a task whose dependencies are not all completed parks it in
// blocked and returns an error wrapping types.ErrDependencyNotSatisfied.
// Completing a task frees the worker's capacity and, when it was the last
// open task, completes the session.
func (m *Manager) UpdateStatus(ctx context.Context, taskID string, to types.TaskStatus) (*types.Task, error) {
	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := m.lock(t.WorkflowID)
	defer unlock()

	if t, err = m.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	from := t.Status
	if from == to {
		return t, nil
	}
	if !allowed(from, to) {
		return nil, &types.TransitionError{TaskID: t.ID, From: from, To: to, Cause: types.ErrInvalidTransition}
	}
	if (to == types.TaskAssigned || to == types.TaskInProgress) && t.AssignedWorker == "" {
		return nil, &types.TransitionError{TaskID: t.ID, From: from, To: to,
			Cause: fmt.Errorf("no assigned worker: %w", types.ErrInvalidTransition)}
	}

	if to == types.TaskInProgress || (from == types.TaskBlocked && to == types.TaskAssigned) {
		missing, err := m.unmetDependencies(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			cause := fmt.Errorf("waiting on %s: %w", strings.Join(missing, ","), types.ErrDependencyNotSatisfied)
			if from != types.TaskBlocked {
				if err := m.save(ctx, t, types.TaskBlocked); err != nil {
					return nil, err
				}
				logging.Audit(logging.CategoryWorkflow).WithSession(t.WorkflowID).Failure(logging.AuditTaskBlocked, t.ID, t.AssignedWorker, cause)
			}
			logging.WorkflowWarn("Task %s (session %s) blocked: %v", t.ID, t.WorkflowID, cause)
			return t, &types.TransitionError{TaskID: t.ID, From: from, To: to, Cause: cause}
		}
	}

	startedAt := t.UpdatedAt
	if err := m.save(ctx, t, to); err != nil {
		return nil, err
	}

	if to == types.TaskCompleted {
		if m.assign != nil && t.AssignedWorker != "" {
			if _, err := m.assign.Complete(ctx, t.AssignedWorker, t.EstimatedDurationMinutes, t.CompletedAt.Sub(startedAt)); err != nil {
				logging.WorkflowWarn("Task %s: releasing %s failed: %v", t.ID, t.AssignedWorker, err)
			}
		}
		if err := m.completeSessionIfDone(ctx, t.WorkflowID); err != nil {
			logging.WorkflowWarn("Session %s completion check failed: %v", t.WorkflowID, err)
		}
	}
	return t, nil
}

func (m *Manager) save(ctx context.Context, t *types.Task, to types.TaskStatus) error {
	prev := *t
	now := m.opts.Now()
	t.Status = to
	t.UpdatedAt = now
	if to == types.TaskCompleted {
		t.CompletedAt = now
	}
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		*t = prev
		logging.Get(logging.CategoryWorkflow).Error("Task %s (session %s): persist %s -> %s failed: %v", t.ID, t.WorkflowID, prev.Status, to, err)
		return err
	}
	logging.WorkflowDebug("Task %s: %s -> %s", t.ID, prev.Status, to)
	logging.Audit(logging.CategoryWorkflow).WithSession(t.WorkflowID).Event(logging.AuditTaskTransition, t.ID, t.AssignedWorker,
		fmt.Sprintf("%s -> %s", prev.Status, to))
	return nil
}

func (m *Manager) unmetDependencies(ctx context.Context, t *types.Task) ([]string, error) {
	if len(t.DependsOn) == 0 {
		return nil, nil
	}
	statuses, err := m.repo.TaskStatuses(ctx, t.DependsOn)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, dep := range t.DependsOn {
		if statuses[dep] != types.TaskCompleted {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}

func (m *Manager) completeSessionIfDone(ctx context.Context, sessionID string) error {
	tasks, err := m.repo.TasksForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			return nil
		}
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, types.SessionCompleted, m.opts.Now()); err != nil {
		return err
	}
	logging.Workflow("Session %s completed (%d task(s))", sessionID, len(tasks))
	logging.Audit(logging.CategoryWorkflow).WithSession(sessionID).Event(logging.AuditSessionComplete, "", "", fmt.Sprintf("%d tasks", len(tasks)))
	return nil
}

// Recheck moves blocked tasks whose dependencies have all completed back to
// assigned (or pending when they never had a worker). It returns how many
// tasks were released.
func (m *Manager) Recheck(ctx context.Context, sessionID string) (int, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	tasks, err := m.repo.TasksForSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status != types.TaskBlocked {
			continue
		}
		missing, err := m.unmetDependencies(ctx, t)
		if err != nil {
			return released, err
		}
		if len(missing) > 0 {
			continue
		}
		to := types.TaskAssigned
		if t.AssignedWorker == "" {
			to = types.TaskPending
		}
		if err := m.save(ctx, t, to); err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		logging.Workflow("Session %s: released %d blocked task(s)", sessionID, released)
	}
	return released, nil
}

// ReleaseSession gives up on every unfinished task in the session that holds
// worker capacity. Each one is parked in blocked with no worker and its
// worker's slot is freed, so a later run reassigns it through Recheck. The
// returned tasks are copies as they stood before release.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID, reason string) ([]types.Task, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	tasks, err := m.repo.TasksForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var released []types.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status == types.TaskCompleted || t.AssignedWorker == "" {
			continue
		}
		prev := *t
		t.AssignedWorker = ""
		if err := m.save(ctx, t, types.TaskBlocked); err != nil {
			return released, err
		}
		if m.assign != nil {
			if _, err := m.assign.Release(ctx, prev.AssignedWorker); err != nil {
				logging.WorkflowWarn("Task %s: releasing %s failed: %v", prev.ID, prev.AssignedWorker, err)
			}
		}
		logging.Audit(logging.CategoryWorkflow).WithSession(sessionID).Event(logging.AuditRelease, prev.ID, prev.AssignedWorker,
			fmt.Sprintf("%s: %s", prev.Status, reason))
		released = append(released, prev)
	}
	if len(released) > 0 {
		logging.WorkflowWarn("Session %s: released %d task(s): %s", sessionID, len(released), reason)
	}
	return released, nil
}

// ArchiveCompleted moves tasks completed longer ago than the retention
// window into the archive. olderThan of zero uses the configured retention.
func (m *Manager) ArchiveCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = m.opts.Retention
	}
	now := m.opts.Now()
	return m.repo.ArchiveCompleted(ctx, now.Add(-olderThan), now)
}

// CreateWorkflow decomposes request into chained tasks inside a new session.
func (m *Manager) CreateWorkflow(ctx context.Context, name, request, coordinator string) (*types.WorkflowSession, error) {
	specs := Decompose(request, m.opts.DefaultEstimateMinutes)
	if len(specs) == 0 {
		return nil, fmt.Errorf("create workflow: nothing to do in request: %w", types.ErrInvalidArgument)
	}
	sess, err := m.CreateSession(ctx, name, request, coordinator)
	if err != nil {
		return nil, err
	}
	var prev string
	for _, spec := range specs {
		if prev != "" {
			spec.DependsOn = []string{prev}
		}
		t, err := m.AddTask(ctx, sess.SessionID, spec)
		if err != nil {
			return nil, fmt.Errorf("create workflow %s: %w", sess.SessionID, err)
		}
		prev = t.ID
		sess.Tasks = append(sess.Tasks, *t)
	}
	logging.Workflow("Workflow %s decomposed into %d task(s)", sess.SessionID, len(specs))
	return sess, nil
}
