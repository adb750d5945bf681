package actionengine

import (
	"context"
	"time"

	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Bus abstracts the message bus so the action engine can remain decoupled
// from concrete transport implementations.
type Bus interface {
	Publish(subject string, env *wire.Envelope) error
	Subscribe(subject, queue string, handler func(*wire.Envelope) error) error
}

// TaskState captures lifecycle for an action task.
type TaskState string

const (
	TaskStateNew          TaskState = "NEW"
	TaskStateAcknowledged TaskState = "ACKNOWLEDGED"
	TaskStateAssigned     TaskState = "ASSIGNED"
	TaskStateInProgress   TaskState = "IN_PROGRESS"
	TaskStateResolved     TaskState = "RESOLVED"
	TaskStateDismissed    TaskState = "DISMISSED"
)

var terminalStates = map[TaskState]bool{
	TaskStateResolved:  true,
	TaskStateDismissed: true,
}

// IsTerminal reports whether a state permits no further transitions.
func IsTerminal(state TaskState) bool {
	return terminalStates[state]
}

// ValidState reports whether state is one of the known lifecycle states.
func ValidState(state TaskState) bool {
	switch state {
	case TaskStateNew, TaskStateAcknowledged, TaskStateAssigned, TaskStateInProgress, TaskStateResolved, TaskStateDismissed:
		return true
	}
	return false
}

// StateForOp maps a lifecycle command op to its target state.
func StateForOp(op string) (TaskState, bool) {
	switch op {
	case wire.TaskOpAcknowledge:
		return TaskStateAcknowledged, true
	case wire.TaskOpAssign:
		return TaskStateAssigned, true
	case wire.TaskOpStart:
		return TaskStateInProgress, true
	case wire.TaskOpResolve:
		return TaskStateResolved, true
	case wire.TaskOpDismiss:
		return TaskStateDismissed, true
	}
	return "", false
}

// Deadline kinds tracked per task.
const (
	DeadlineAck     = "ack"
	DeadlineResolve = "resolve"
)

// ActionTask is the work item opened for an actionable record.
type ActionTask struct {
	ID                  string            `json:"id"`
	RecordID            string            `json:"record_id,omitempty"`
	Phase               int               `json:"phase,omitempty"`
	PhaseSlug           string            `json:"phase_slug,omitempty"`
	Family              string            `json:"family,omitempty"`
	Severity            string            `json:"severity,omitempty"`
	Tenant              string            `json:"tenant,omitempty"`
	Facility            string            `json:"facility,omitempty"`
	Title               string            `json:"title,omitempty"`
	Detail              string            `json:"detail,omitempty"`
	State               TaskState         `json:"state"`
	Assignee            string            `json:"assignee,omitempty"`
	Escalated           bool              `json:"escalated,omitempty"`
	Labels              map[string]string `json:"labels,omitempty"`
	Note                string            `json:"note,omitempty"`
	DismissReason       string            `json:"dismiss_reason,omitempty"`
	CreatedAt           int64             `json:"created_at,omitempty"`
	UpdatedAt           int64             `json:"updated_at"`
	AckDeadlineUnix     int64             `json:"ack_deadline_unix,omitempty"`
	ResolveDeadlineUnix int64             `json:"resolve_deadline_unix,omitempty"`
	SourceExpiryUnix    int64             `json:"source_expiry_unix,omitempty"`
}

// Scope returns the tenant/facility scope of the task.
func (t ActionTask) Scope() wire.Scope {
	return wire.Scope{Tenant: t.Tenant, Facility: t.Facility}
}

// Transition describes a requested lifecycle change.
type Transition struct {
	To       TaskState `json:"to"`
	Actor    string    `json:"actor,omitempty"`
	Assignee string    `json:"assignee,omitempty"`
	Note     string    `json:"note,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// TaskEventEntry is one entry of a task's state history.
type TaskEventEntry struct {
	At    int64     `json:"at"`
	State TaskState `json:"state"`
	Actor string    `json:"actor,omitempty"`
}

// TaskStore tracks task state, metadata, and deadline indexes.
type TaskStore interface {
	CreateTask(ctx context.Context, task ActionTask) error
	GetTask(ctx context.Context, taskID string) (ActionTask, error)
	GetState(ctx context.Context, taskID string) (TaskState, error)
	ApplyTransition(ctx context.Context, taskID string, tr Transition) (ActionTask, error)
	ListRecentTasks(ctx context.Context, limit int64) ([]ActionTask, error)
	ListRecentTasksByScore(ctx context.Context, cursorUnix, limit int64) ([]ActionTask, error)
	ListTasksByState(ctx context.Context, state TaskState, updatedBeforeUnix, limit int64) ([]ActionTask, error)
	ListExpiredDeadlines(ctx context.Context, kind string, nowUnix, limit int64) ([]ActionTask, error)
	ListExpiredSources(ctx context.Context, nowUnix, limit int64) ([]ActionTask, error)
	MarkEscalated(ctx context.Context, taskID, kind string) error
	TaskEvents(ctx context.Context, taskID string) ([]TaskEventEntry, error)
	CountOpenByTenant(ctx context.Context, tenant string) (int, error)
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// RecordSink receives normalized records accepted by the router.
type RecordSink interface {
	PutRecord(ctx context.Context, rec ingest.NormalizedRecord, raw []byte) error
}

// QuarantineSink receives records the router rejected.
type QuarantineSink interface {
	Quarantine(ctx context.Context, envelopeID string, phase int, tenant, code, reason string, raw []byte) error
}

// Metrics captures counters for action engine events.
type Metrics interface {
	IncRecordsRouted(phase string)
	IncRecordsQuarantined(phase string)
	IncTasksOpened(severity string)
	IncTasksClosed(state string)
	IncTasksEscalated(severity string)
}

// Auditor records audit events emitted by the engine. Implementations must
// never fail the calling path; persistence errors are logged and swallowed.
type Auditor interface {
	Record(ctx context.Context, category, action, outcome string, scope wire.Scope, actor, subject string, detail map[string]string)
}
