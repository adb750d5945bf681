package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

var (
	ErrUnknownPhase     = errors.New("unknown_phase")
	ErrEmptyBody        = errors.New("empty_body")
	ErrBadBody          = errors.New("bad_body")
	ErrMissingTenant    = errors.New("missing_tenant")
	ErrMissingTimestamp = errors.New("missing_timestamp")
	ErrBadTimestamp     = errors.New("bad_timestamp")
	ErrMissingField     = errors.New("missing_field")
	ErrBadEnum          = errors.New("bad_enum")
)

var quarantineCodes = []error{
	ErrUnknownPhase,
	ErrEmptyBody,
	ErrBadBody,
	ErrMissingTenant,
	ErrMissingTimestamp,
	ErrBadTimestamp,
	ErrMissingField,
	ErrBadEnum,
}

// QuarantineCode maps a normalization error to its stable reason code.
func QuarantineCode(err error) string {
	for _, sentinel := range quarantineCodes {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "normalize_failed"
}

// Router turns raw phase records into NormalizedRecords, rejecting anything
// malformed with a quarantine-coded error.
type Router struct {
	phases map[int]Phase
	slugs  map[string]Phase
}

// NewRouter builds a router over the given phase registry. An empty registry
// falls back to the compiled-in defaults.
func NewRouter(phases []Phase) *Router {
	if len(phases) == 0 {
		phases = DefaultPhases()
	}
	r := &Router{
		phases: make(map[int]Phase, len(phases)),
		slugs:  make(map[string]Phase, len(phases)),
	}
	for _, p := range phases {
		r.phases[p.Number] = p
		r.slugs[p.Slug] = p
	}
	return r
}

// Phases returns the registry sorted by phase number.
func (r *Router) Phases() []Phase {
	out := make([]Phase, 0, len(r.phases))
	for _, p := range r.phases {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Phase looks up a phase by number.
func (r *Router) Phase(number int) (Phase, bool) {
	p, ok := r.phases[number]
	return p, ok
}

// PhaseBySlug looks up a phase by its subject slug.
func (r *Router) PhaseBySlug(slug string) (Phase, bool) {
	p, ok := r.slugs[slug]
	return p, ok
}

// PhasesForFamilies returns the numbers of all phases emitting one of the
// given families, sorted ascending.
func (r *Router) PhasesForFamilies(families ...string) []int {
	want := make(map[string]bool, len(families))
	for _, f := range families {
		want[f] = true
	}
	var out []int
	for _, p := range r.phases {
		if want[p.Family] {
			out = append(out, p.Number)
		}
	}
	sort.Ints(out)
	return out
}

type recordHead struct {
	Tenant     string            `json:"tenant"`
	Facility   string            `json:"facility"`
	Title      string            `json:"title"`
	Detail     string            `json:"detail"`
	OccurredAt string            `json:"occurred_at"`
	Labels     map[string]string `json:"labels"`
}

// Normalize routes one raw phase record into the uniform shape. The returned
// record has a fresh id and IngestedAt=now; the caller attaches RawPtr after
// persisting the original payload.
func (r *Router) Normalize(rec wire.PhaseRecord, now time.Time) (*NormalizedRecord, error) {
	phase, ok := r.phases[rec.Phase]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPhase, rec.Phase)
	}
	if len(rec.Body) == 0 {
		return nil, ErrEmptyBody
	}
	var head recordHead
	if err := json.Unmarshal(rec.Body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if head.Tenant == "" {
		return nil, ErrMissingTenant
	}
	if head.OccurredAt == "" {
		return nil, ErrMissingTimestamp
	}
	occurred, err := time.Parse(time.RFC3339, head.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}

	out := &NormalizedRecord{
		ID:         uuid.NewString(),
		Phase:      phase.Number,
		Family:     phase.Family,
		Scope:      wire.Scope{Tenant: head.Tenant, Facility: head.Facility},
		Title:      head.Title,
		Detail:     head.Detail,
		Labels:     copyLabels(head.Labels),
		OccurredAt: occurred.UTC(),
		IngestedAt: now.UTC(),
	}

	switch phase.Family {
	case FamilyAlert:
		err = normalizeAlert(phase, rec.Body, out)
	case FamilyAdvisory:
		err = normalizeAdvisory(rec.Body, out)
	case FamilyYield:
		err = normalizeYield(rec.Body, out)
	case FamilyFinding:
		err = normalizeFinding(rec.Body, out)
	case FamilyDrift:
		err = normalizeDrift(rec.Body, out)
	case FamilyArchive:
		err = normalizeArchive(rec.Body, out)
	case FamilyIncident:
		err = normalizeIncident(rec.Body, out)
	default:
		err = fmt.Errorf("%w: family %s", ErrBadEnum, phase.Family)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FilterByScope keeps the records the given scope covers. An empty tenant
// keeps nothing: callers must always query with an explicit scope.
func FilterByScope(records []NormalizedRecord, scope wire.Scope) []NormalizedRecord {
	if scope.Tenant == "" {
		return nil
	}
	out := make([]NormalizedRecord, 0, len(records))
	for _, rec := range records {
		if scope.Contains(rec.Scope) {
			out = append(out, rec)
		}
	}
	return out
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func setLabel(rec *NormalizedRecord, key, value string) {
	if value == "" {
		return
	}
	if rec.Labels == nil {
		rec.Labels = make(map[string]string)
	}
	rec.Labels[key] = value
}
