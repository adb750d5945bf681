package wire

import (
	"encoding/json"
	"time"
)

// Scope is the hierarchical tenant/facility pair records and requests are
// filtered by. Facility may be empty for tenant-wide scope.
type Scope struct {
	Tenant   string `json:"tenant"`
	Facility string `json:"facility,omitempty"`
}

// Contains reports whether s covers other: same tenant, and either no
// facility narrowing or identical facility.
func (s Scope) Contains(other Scope) bool {
	if s.Tenant != other.Tenant {
		return false
	}
	return s.Facility == "" || s.Facility == other.Facility
}

func (s Scope) String() string {
	if s.Facility == "" {
		return s.Tenant
	}
	return s.Tenant + "/" + s.Facility
}

// TimeRange bounds a report or query window. Preset carries the named window
// the range was derived from, when any ("last_7d", "last_30d", "quarter").
type TimeRange struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Preset string    `json:"preset,omitempty"`
}

// Window returns the range length, zero for inverted ranges.
func (r TimeRange) Window() time.Duration {
	if !r.To.After(r.From) {
		return 0
	}
	return r.To.Sub(r.From)
}

// Heartbeat announces a live phase feeder or engine.
type Heartbeat struct {
	Phase   int              `json:"phase,omitempty"`
	Slug    string           `json:"slug,omitempty"`
	Name    string           `json:"name"`
	Healthy bool             `json:"healthy"`
	Stats   map[string]int64 `json:"stats,omitempty"`
}

// PhaseRecord is the ingest frame: the raw upstream payload plus the phase
// number it came from. Body contents are phase-specific and validated against
// the registered phase schema.
type PhaseRecord struct {
	Phase int             `json:"phase"`
	Body  json.RawMessage `json:"body"`
}

// Requester identifies the principal behind a report request.
type Requester struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Tenant      string `json:"tenant"`
	CrossTenant bool   `json:"cross_tenant,omitempty"`
}

// ReportRequest asks a report engine to generate a bundle.
type ReportRequest struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Category  string    `json:"category"`
	Range     TimeRange `json:"range"`
	Format    string    `json:"format,omitempty"` // json|csv|markdown
	Requester Requester `json:"requester"`
}

// ReportReady announces a generated bundle.
type ReportReady struct {
	RequestID   string    `json:"request_id"`
	BundleID    string    `json:"bundle_id"`
	Pointer     string    `json:"pointer"`
	Category    string    `json:"category"`
	Scope       Scope     `json:"scope"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportDenied reports a policy denial for a request.
type ReportDenied struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	RuleID    string `json:"rule_id,omitempty"`
}

// ReportFailed reports a non-policy generation failure.
type ReportFailed struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Task lifecycle operations carried by TaskCommand.
const (
	TaskOpAcknowledge = "acknowledge"
	TaskOpAssign      = "assign"
	TaskOpStart       = "start"
	TaskOpResolve     = "resolve"
	TaskOpDismiss     = "dismiss"
)

// TaskCommand requests a lifecycle transition on a task. The action engine is
// the single writer of the task store; everyone else publishes commands.
type TaskCommand struct {
	TaskID   string `json:"task_id"`
	Op       string `json:"op"`
	Actor    string `json:"actor"`
	Role     string `json:"role,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Task event names carried by TaskEvent.
const (
	TaskEventCreated    = "created"
	TaskEventTransition = "transition"
	TaskEventEscalated  = "escalated"
	TaskEventExpired    = "expired"
)

// TaskEvent notifies listeners of task creation, transitions, and sweeps.
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	State    string    `json:"state,omitempty"`
	Phase    int       `json:"phase,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Scope    Scope     `json:"scope"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}
