// Package audit keeps the append-only operational trail: who generated which
// bundle, which policy decisions fired, which tasks moved, what got
// quarantined. Entries are queryable by category, outcome, scope, and time,
// and fan out on the bus for live streaming when a publisher is attached.
package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/infra/secrets"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Categories group events by the subsystem that produced them.
const (
	CategoryGeneration = "generation"
	CategoryExport     = "export"
	CategoryPolicy     = "policy"
	CategoryLifecycle  = "lifecycle"
	CategoryIngest     = "ingest"
	CategorySchedule   = "schedule"
	CategoryArchive    = "archive"
	CategoryAccess     = "access"
)

// Outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeDenied      = "denied"
	OutcomeFailed      = "failed"
	OutcomeQuarantined = "quarantined"
)

var knownCategories = map[string]bool{
	CategoryGeneration: true,
	CategoryExport:     true,
	CategoryPolicy:     true,
	CategoryLifecycle:  true,
	CategoryIngest:     true,
	CategorySchedule:   true,
	CategoryArchive:    true,
	CategoryAccess:     true,
}

var knownOutcomes = map[string]bool{
	OutcomeOK:          true,
	OutcomeDenied:      true,
	OutcomeFailed:      true,
	OutcomeQuarantined: true,
}

// Counter key iteration order for lifetime tallies.
var (
	categoryOrder = []string{
		CategoryGeneration, CategoryExport, CategoryPolicy, CategoryLifecycle,
		CategoryIngest, CategorySchedule, CategoryArchive, CategoryAccess,
	}
	outcomeOrder = []string{OutcomeOK, OutcomeDenied, OutcomeFailed, OutcomeQuarantined}
)

// Event is one audit trail entry.
type Event struct {
	ID       string            `json:"id"`
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Action   string            `json:"action"`
	Outcome  string            `json:"outcome"`
	Scope    wire.Scope        `json:"scope"`
	Actor    string            `json:"actor,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Filter narrows a Query. Zero fields match everything. Cursor caps results
// at or before the given unix second for pagination.
type Filter struct {
	Category string
	Outcome  string
	Scope    wire.Scope
	From     time.Time
	To       time.Time
	Cursor   int64
	Limit    int64
}

// ActorCount pairs an actor with their event count.
type ActorCount struct {
	Actor string `json:"actor"`
	Count int    `json:"count"`
}

// Stats summarizes trail activity inside a window. Rates are percentages
// rounded to one decimal.
type Stats struct {
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	Total          int            `json:"total"`
	ByCategory     map[string]int `json:"by_category"`
	ByOutcome      map[string]int `json:"by_outcome"`
	DenialRate     float64        `json:"denial_rate"`
	QuarantineRate float64        `json:"quarantine_rate"`
	TopActors      []ActorCount   `json:"top_actors"`
	IngestByPhase  map[string]int `json:"ingest_by_phase"`
}

// Trail is the append-only audit log.
type Trail interface {
	// Append stores the event and returns it with ID and Time assigned when
	// they were zero. Secret references in Detail are redacted first.
	Append(ctx context.Context, ev Event) (Event, error)
	// Query returns matching events, newest first.
	Query(ctx context.Context, f Filter) ([]Event, error)
	// Stats aggregates events over the trailing window.
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}

// Publisher fans appended events out for live streaming. Satisfied by
// bus.NatsBus.
type Publisher interface {
	Publish(subject string, env *wire.Envelope) error
}

const defaultStatsWindow = 24 * time.Hour

// prepare fills identity fields and strips secret references so they never
// reach storage.
func prepare(ev Event) (Event, error) {
	if !knownCategories[ev.Category] {
		return Event{}, fmt.Errorf("unknown audit category: %q", ev.Category)
	}
	if ev.Action == "" {
		return Event{}, fmt.Errorf("audit action required")
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeOK
	}
	if !knownOutcomes[ev.Outcome] {
		return Event{}, fmt.Errorf("unknown audit outcome: %q", ev.Outcome)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Detail = redactDetail(ev.Detail)
	return ev, nil
}

func redactDetail(detail map[string]string) map[string]string {
	if len(detail) == 0 {
		return detail
	}
	redacted, changed := secrets.RedactSecretRefs(detail)
	if !changed {
		return detail
	}
	out := make(map[string]string, len(detail))
	m, ok := redacted.(map[string]any)
	if !ok {
		return detail
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func matches(f Filter, ev Event) bool {
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if f.Scope.Tenant != "" && !f.Scope.Contains(ev.Scope) {
		return false
	}
	if !f.From.IsZero() && ev.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Time.After(f.To) {
		return false
	}
	if f.Cursor > 0 && ev.Time.Unix() > f.Cursor {
		return false
	}
	return true
}

// summarize folds a window of events into Stats. Events are assumed to lie
// inside [from, to].
func summarize(events []Event, from, to time.Time) Stats {
	st := Stats{
		From:          from,
		To:            to,
		Total:         len(events),
		ByCategory:    map[string]int{},
		ByOutcome:     map[string]int{},
		IngestByPhase: map[string]int{},
		TopActors:     []ActorCount{},
	}
	actors := map[string]int{}
	for _, ev := range events {
		st.ByCategory[ev.Category]++
		st.ByOutcome[ev.Outcome]++
		if ev.Actor != "" {
			actors[ev.Actor]++
		}
		if ev.Category == CategoryIngest {
			if slug := ev.Detail["phase"]; slug != "" {
				st.IngestByPhase[slug]++
			}
		}
	}
	st.DenialRate = ratePercent(st.ByOutcome[OutcomeDenied], st.Total)
	st.QuarantineRate = ratePercent(st.ByOutcome[OutcomeQuarantined], st.Total)

	for actor, count := range actors {
		st.TopActors = append(st.TopActors, ActorCount{Actor: actor, Count: count})
	}
	sort.Slice(st.TopActors, func(i, j int) bool {
		if st.TopActors[i].Count != st.TopActors[j].Count {
			return st.TopActors[i].Count > st.TopActors[j].Count
		}
		return st.TopActors[i].Actor < st.TopActors[j].Actor
	})
	if len(st.TopActors) > 5 {
		st.TopActors = st.TopActors[:5]
	}
	return st
}

// ratePercent returns 100*part/total rounded to one decimal, 0 when total is 0.
func ratePercent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(1000*float64(part)/float64(total)) / 10
}

// publish ships the stored event on the bus. Failures are logged, never
// surfaced: the trail write already succeeded.
func publish(p Publisher, source string, ev Event) {
	if p == nil {
		return
	}
	env, err := wire.NewEnvelope(wire.KindAuditEvent, source, ev)
	if err != nil {
		logging.Error("audit", "encode event failed", "err", err)
		return
	}
	env.Tenant = ev.Scope.Tenant
	if err := p.Publish(wire.SubjectAuditEvent, env); err != nil {
		logging.Error("audit", "publish failed", "err", err)
	}
}
