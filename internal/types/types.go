// Package types provides the shared domain model for taskweave.
// This package exists to break import cycles between the router, balancer,
// workflow, learning and execution packages. Types in this package should be
// foundational data structures with no complex dependencies.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps free text onto a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted
}

// SessionStatus is the lifecycle state of a WorkflowSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// HandoffStatus is the lifecycle state of a HandoffNotification.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffCompleted HandoffStatus = "completed"
	HandoffRejected  HandoffStatus = "rejected"
)

// Trend describes the direction of a performance metric.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// ExecutionState is the lifecycle state of an autonomous execution.
type ExecutionState string

const (
	ExecutionActive    ExecutionState = "active"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionTimeout   ExecutionState = "timeout"
	ExecutionError     ExecutionState = "error"
	ExecutionCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionState) IsTerminal() bool {
	return s != ExecutionActive
}

// =============================================================================
// CORE RECORDS
// =============================================================================

// Task is a unit of work inside a workflow session.
type Task struct {
	ID                       string     `json:"id"`
	WorkflowID               string     `json:"workflow_id"`
	Description              string     `json:"description"`
	RequiredSpecialties      []string   `json:"required_specialties"`
	Deliverables             []string   `json:"deliverables,omitempty"`
	Priority                 Priority   `json:"priority"`
	DependsOn                []string   `json:"depends_on,omitempty"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes"`
	Status                   TaskStatus `json:"status"`
	AssignedWorker           string     `json:"assigned_worker,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	CompletedAt              time.Time  `json:"completed_at,omitempty"`
}

// WorkerProfile is the capacity and performance view of one worker.
type WorkerProfile struct {
	WorkerID           string    `json:"worker_id"`
	Specialties        []string  `json:"specialties"`
	MaxCapacity        int       `json:"max_capacity"`
	CurrentTaskCount   int       `json:"current_task_count"`
	AverageTaskMinutes float64   `json:"average_task_minutes"`
	EfficiencyScore    float64   `json:"efficiency_score"`
	LastAssignedAt     time.Time `json:"last_assigned_at,omitempty"`
}

// HasSpecialty reports whether the worker lists the given specialty.
func (w WorkerProfile) HasSpecialty(s string) bool {
	for _, sp := range w.Specialties {
		if strings.EqualFold(sp, s) {
			return true
		}
	}
	return false
}

// WorkflowSession groups the tasks coordinated toward one outcome.
type WorkflowSession struct {
	SessionID         string        `json:"session_id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	CoordinatorWorker string        `json:"coordinator_worker"`
	Tasks             []Task        `json:"tasks"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Pattern is a cached, parameterized request→response template.
type Pattern struct {
	ID               string    `json:"id"`
	WorkerID         string    `json:"worker_id"`
	Category         string    `json:"category"`
	InputSignature   string    `json:"input_signature"`
	ResponseTemplate string    `json:"response_template"`
	Confidence       float64   `json:"confidence"`
	UsageCount       int       `json:"usage_count"`
	TokensSaved      int       `json:"tokens_saved"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
}

// LearningRecord is one logical learning per (worker, category, type).
type LearningRecord struct {
	WorkerID     string         `json:"worker_id"`
	Category     string         `json:"category"`
	LearningType string         `json:"learning_type"`
	Payload      map[string]any `json:"payload"`
	Confidence   float64        `json:"confidence"`
	Frequency    int            `json:"frequency"`
	LastSeen     time.Time      `json:"last_seen"`
}

// SharedLearning is a reduced-confidence copy of a learning placed in another
// worker's shared-knowledge partition.
type SharedLearning struct {
	TargetWorker string         `json:"target_worker"`
	SourceWorker string         `json:"source_worker"`
	Category     string         `json:"category"`
	LearningType string         `json:"learning_type"`
	Payload      map[string]any `json:"payload"`
	Confidence   float64        `json:"confidence"`
	SharedAt     time.Time      `json:"shared_at"`
}

// PerformanceMetric aggregates task outcomes per worker and task type.
type PerformanceMetric struct {
	WorkerID            string    `json:"worker_id"`
	TaskType            string    `json:"task_type"`
	SuccessRate         float64   `json:"success_rate"`
	AverageTimeMs       float64   `json:"average_time_ms"`
	TotalTasks          int       `json:"total_tasks"`
	AverageSatisfaction float64   `json:"average_satisfaction"`
	SatisfactionSamples int       `json:"satisfaction_samples"`
	Trend               Trend     `json:"trend"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HandoffNotification transfers task context from one worker to another.
type HandoffNotification struct {
	ID           string        `json:"id"`
	FromWorker   string        `json:"from_worker"`
	ToWorker     string        `json:"to_worker"`
	TaskID       string        `json:"task_id"`
	Message      string        `json:"message"`
	Deliverables []string      `json:"deliverables"`
	Priority     Priority      `json:"priority"`
	Status       HandoffStatus `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Execution is the durable record of one autonomous workflow run.
type Execution struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Coordinator    string         `json:"coordinator"`
	State          ExecutionState `json:"state"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	Deadline       time.Time      `json:"deadline"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}

// Progress returns completed/total as a ratio in [0,1].
func (e Execution) Progress() float64 {
	if e.TotalTasks == 0 {
		return 0
	}
	return float64(e.CompletedTasks) / float64(e.TotalTasks)
}
