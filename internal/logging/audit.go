package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a coordination event written to the audit trail.
type AuditEventType string

const (
	// Routing
	AuditRouteLocal    AuditEventType = "route_local"
	AuditRouteEscalate AuditEventType = "route_escalate"
	AuditRouteFallback AuditEventType = "route_fallback"
	AuditPatternHit    AuditEventType = "pattern_hit"
	AuditPatternSave   AuditEventType = "pattern_save"

	// Assignment
	AuditAssign   AuditEventType = "worker_assign"
	AuditRelease  AuditEventType = "worker_release"
	AuditCapacity AuditEventType = "worker_capacity_exceeded"

	// Workflow
	AuditSessionCreate   AuditEventType = "session_create"
	AuditSessionComplete AuditEventType = "session_complete"
	AuditTaskTransition  AuditEventType = "task_transition"
	AuditTaskBlocked     AuditEventType = "task_blocked"
	AuditHandoff         AuditEventType = "handoff"

	// Learning
	AuditLearningRecord AuditEventType = "learning_record"
	AuditLearningShare  AuditEventType = "learning_share"

	// Execution
	AuditExecutionStart AuditEventType = "execution_start"
	AuditExecutionTick  AuditEventType = "execution_tick"
	AuditExecutionEnd   AuditEventType = "execution_end"
)

// AuditEvent is one JSON line in <logs dir>/audit.jsonl.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	SessionID  string                 `json:"session,omitempty"`
	TaskID     string                 `json:"task,omitempty"`
	WorkerID   string                 `json:"worker,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger appends events for one category.
type AuditLogger struct {
	category Category
	session  string
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit opens the audit trail. It is a no-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}
	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	auditFile = f
	return nil
}

func closeAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an audit logger for the category.
func Audit(category Category) *AuditLogger {
	return &AuditLogger{category: category}
}

// WithSession binds a workflow session id to every event.
func (a *AuditLogger) WithSession(sessionID string) *AuditLogger {
	return &AuditLogger{category: a.category, session: sessionID}
}

// Log writes the event. Events are dropped when the trail is closed.
func (a *AuditLogger) Log(ev AuditEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	ev.Category = string(a.category)
	if ev.SessionID == "" {
		ev.SessionID = a.session
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	auditFile.Write(append(line, '\n'))
}

// Event is shorthand for a successful event with a message.
func (a *AuditLogger) Event(t AuditEventType, taskID, workerID, msg string) {
	a.Log(AuditEvent{EventType: t, TaskID: taskID, WorkerID: workerID, Success: true, Message: msg})
}

// Failure records a failed event with its error.
func (a *AuditLogger) Failure(t AuditEventType, taskID, workerID string, err error) {
	ev := AuditEvent{EventType: t, TaskID: taskID, WorkerID: workerID}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}
