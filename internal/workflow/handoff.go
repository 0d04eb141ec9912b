package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// HandoffSpec describes a handoff to create.
type HandoffSpec struct {
	FromWorker   string         `json:"from_worker"`
	ToWorker     string         `json:"to_worker"`
	TaskID       string         `json:"task_id"`
	Message      string         `json:"message"`
	Deliverables []string       `json:"deliverables,omitempty"`
	Priority     types.Priority `json:"priority,omitempty"`
}

// CreateHandoff records a pending handoff from the task's current owner.
func (m *Manager) CreateHandoff(ctx context.Context, spec HandoffSpec) (*types.HandoffNotification, error) {
	if strings.TrimSpace(spec.FromWorker) == "" || strings.TrimSpace(spec.ToWorker) == "" || spec.FromWorker == spec.ToWorker {
		return nil, fmt.Errorf("create handoff: distinct from/to workers required: %w", types.ErrInvalidArgument)
	}
	t, err := m.repo.GetTask(ctx, spec.TaskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedWorker != "" && t.AssignedWorker != spec.FromWorker {
		return nil, fmt.Errorf("create handoff: task %s belongs to %s, not %s: %w",
			t.ID, t.AssignedWorker, spec.FromWorker, types.ErrInvalidArgument)
	}

	h := &types.HandoffNotification{
		ID:           uuid.NewString(),
		FromWorker:   spec.FromWorker,
		ToWorker:     spec.ToWorker,
		TaskID:       spec.TaskID,
		Message:      spec.Message,
		Deliverables: spec.Deliverables,
		Priority:     spec.Priority,
		Status:       types.HandoffPending,
		Timestamp:    m.opts.Now(),
	}
	if h.Priority == "" {
		h.Priority = t.Priority
	}
	if err := m.repo.InsertHandoff(ctx, h); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Handoff for task %s (session %s) failed: %v", t.ID, t.WorkflowID, err)
		return nil, err
	}
	logging.Workflow("Handoff %s: task %s %s -> %s", h.ID, h.TaskID, h.FromWorker, h.ToWorker)
	logging.Audit(logging.CategoryWorkflow).WithSession(t.WorkflowID).Event(logging.AuditHandoff, t.ID, h.ToWorker, "created by "+h.FromWorker)
	return h, nil
}

// AcceptHandoff consumes a pending handoff exactly once and transfers task
// ownership to the accepting worker. A second accept fails with
// types.ErrHandoffNotPending.
func (m *Manager) AcceptHandoff(ctx context.Context, handoffID, workerID string) (*types.HandoffNotification, error) {
	h, err := m.repo.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if h.ToWorker != workerID {
		return nil, fmt.Errorf("handoff %s is addressed to %s: %w", h.ID, h.ToWorker, types.ErrInvalidArgument)
	}
	if h.Status != types.HandoffPending {
		return nil, fmt.Errorf("handoff %s is %s: %w", h.ID, h.Status, types.ErrHandoffNotPending)
	}
	t, err := m.repo.GetTask(ctx, h.TaskID)
	if err != nil {
		return nil, err
	}

	unlock := m.lock(t.WorkflowID)
	defer unlock()

	if h, err = m.repo.GetHandoff(ctx, handoffID); err != nil {
		return nil, err
	}
	if h.Status != types.HandoffPending {
		return nil, fmt.Errorf("handoff %s is %s: %w", h.ID, h.Status, types.ErrHandoffNotPending)
	}
	if t, err = m.repo.GetTask(ctx, h.TaskID); err != nil {
		return nil, err
	}
	open := t.Status != types.TaskCompleted
	reserved := false
	if open && m.assign != nil {
		if err := m.assign.Reserve(ctx, workerID); err != nil {
			return nil, fmt.Errorf("accept handoff %s: %w", h.ID, err)
		}
		reserved = true
	}

	ok, err := m.repo.TransitionHandoff(ctx, h.ID, types.HandoffPending, types.HandoffAccepted, m.opts.Now())
	if err != nil || !ok {
		if reserved {
			_, _ = m.assign.Release(ctx, workerID)
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("handoff %s: %w", h.ID, types.ErrHandoffNotPending)
	}
	h.Status = types.HandoffAccepted

	prevOwner := t.AssignedWorker
	t.AssignedWorker = workerID
	if t.Status == types.TaskPending {
		t.Status = types.TaskAssigned
	}
	t.UpdatedAt = m.opts.Now()
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Handoff %s accepted but task %s reassignment failed: %v", h.ID, t.ID, err)
		return h, err
	}
	if open && m.assign != nil && prevOwner != "" {
		if _, err := m.assign.Release(ctx, prevOwner); err != nil {
			logging.WorkflowWarn("Handoff %s: releasing %s failed: %v", h.ID, prevOwner, err)
		}
	}
	logging.Workflow("Handoff %s accepted: task %s now owned by %s", h.ID, t.ID, workerID)
	logging.Audit(logging.CategoryWorkflow).WithSession(t.WorkflowID).Event(logging.AuditHandoff, t.ID, workerID, "accepted")
	return h, nil
}

// CompleteHandoff marks an accepted handoff as completed.
func (m *Manager) CompleteHandoff(ctx context.Context, handoffID string) error {
	return m.transitionHandoff(ctx, handoffID, types.HandoffAccepted, types.HandoffCompleted)
}

// RejectHandoff declines a pending handoff. Only the addressee may reject.
func (m *Manager) RejectHandoff(ctx context.Context, handoffID, workerID string) error {
	h, err := m.repo.GetHandoff(ctx, handoffID)
	if err != nil {
		return err
	}
	if h.ToWorker != workerID {
		return fmt.Errorf("handoff %s is addressed to %s: %w", h.ID, h.ToWorker, types.ErrInvalidArgument)
	}
	return m.transitionHandoff(ctx, handoffID, types.HandoffPending, types.HandoffRejected)
}

func (m *Manager) transitionHandoff(ctx context.Context, id string, from, to types.HandoffStatus) error {
	ok, err := m.repo.TransitionHandoff(ctx, id, from, to, m.opts.Now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := m.repo.GetHandoff(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("handoff %s is not %s: %w", id, from, types.ErrInvalidTransition)
	}
	logging.Workflow("Handoff %s: %s -> %s", id, from, to)
	return nil
}

// PendingHandoffs lists handoffs waiting for a worker.
func (m *Manager) PendingHandoffs(ctx context.Context, workerID string) ([]types.HandoffNotification, error) {
	return m.repo.HandoffsFor(ctx, workerID, types.HandoffPending)
}
