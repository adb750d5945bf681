// Package registry tracks phase feeder liveness from heartbeat envelopes.
// State is in-memory per process; the gateway rebuilds it from the bus.
package registry

import (
	"sort"
	"time"

	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// DefaultStaleAfter is the silence window after which a feeder counts as stale.
const DefaultStaleAfter = 90 * time.Second

// Beat is one observed heartbeat with receipt bookkeeping.
type Beat struct {
	Heartbeat wire.Heartbeat
	Source    string
	LastSeen  time.Time
}

// Key returns the map key a heartbeat registers under: phase slug for
// feeders, component name for engines.
func Key(hb wire.Heartbeat) string {
	if hb.Slug != "" {
		return hb.Slug
	}
	return hb.Name
}

// Snapshot captures a point-in-time view of phase feeder availability.
type Snapshot struct {
	CapturedAt string         `json:"captured_at"`
	Phases     []PhaseStatus  `json:"phases,omitempty"`
	Engines    []EngineStatus `json:"engines,omitempty"`
	Healthy    int            `json:"healthy"`
	Total      int            `json:"total"`
}

// PhaseStatus is the liveness view of one configured phase.
type PhaseStatus struct {
	Phase    int              `json:"phase"`
	Slug     string           `json:"slug"`
	Name     string           `json:"name"`
	Source   string           `json:"source,omitempty"`
	Healthy  bool             `json:"healthy"`
	Stale    bool             `json:"stale,omitempty"`
	LastSeen string           `json:"last_seen,omitempty"`
	Stats    map[string]int64 `json:"stats,omitempty"`
}

// EngineStatus is the liveness view of a non-phase component (engines).
type EngineStatus struct {
	Name     string `json:"name"`
	Source   string `json:"source,omitempty"`
	Healthy  bool   `json:"healthy"`
	LastSeen string `json:"last_seen,omitempty"`
}

// BuildSnapshot merges the configured phase table with observed heartbeats.
// Every configured phase appears even when no feeder has reported; heartbeats
// without a phase slug are listed as engines. Healthy/Total count phases.
func BuildSnapshot(beats map[string]Beat, phases []ingest.Phase, staleAfter time.Duration, now time.Time) Snapshot {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	statuses := make([]PhaseStatus, 0, len(phases))
	healthy := 0
	for _, phase := range phases {
		status := PhaseStatus{
			Phase: phase.Number,
			Slug:  phase.Slug,
			Name:  phase.Name,
		}
		if beat, ok := beats[phase.Slug]; ok {
			stale := now.Sub(beat.LastSeen) > staleAfter
			status.Source = beat.Source
			status.Stale = stale
			status.Healthy = beat.Heartbeat.Healthy && !stale
			status.LastSeen = beat.LastSeen.UTC().Format(time.RFC3339)
			status.Stats = beat.Heartbeat.Stats
		}
		if status.Healthy {
			healthy++
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Phase < statuses[j].Phase })

	known := make(map[string]bool, len(phases))
	for _, phase := range phases {
		known[phase.Slug] = true
	}
	engines := make([]EngineStatus, 0)
	for key, beat := range beats {
		if beat.Heartbeat.Slug != "" && known[beat.Heartbeat.Slug] {
			continue
		}
		name := beat.Heartbeat.Name
		if name == "" {
			name = key
		}
		stale := now.Sub(beat.LastSeen) > staleAfter
		engines = append(engines, EngineStatus{
			Name:     name,
			Source:   beat.Source,
			Healthy:  beat.Heartbeat.Healthy && !stale,
			LastSeen: beat.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].Name < engines[j].Name })

	return Snapshot{
		CapturedAt: now.UTC().Format(time.RFC3339),
		Phases:     statuses,
		Engines:    engines,
		Healthy:    healthy,
		Total:      len(statuses),
	}
}
