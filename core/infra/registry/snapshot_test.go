package registry

import (
	"testing"
	"time"

	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

func TestBuildSnapshot(t *testing.T) {
	now := time.Now().UTC()
	phases := []ingest.Phase{
		{Number: 10, Slug: "telemetry", Name: "Telemetry", Family: ingest.FamilyAlert},
		{Number: 30, Slug: "contamination", Name: "Contamination Watch", Family: ingest.FamilyAlert},
		{Number: 40, Slug: "harvest", Name: "Harvest Ledger", Family: ingest.FamilyYield},
	}
	beats := map[string]Beat{
		"telemetry": {
			Heartbeat: wire.Heartbeat{Phase: 10, Slug: "telemetry", Name: "Telemetry", Healthy: true, Stats: map[string]int64{"records": 42}},
			Source:    "feeder-telemetry",
			LastSeen:  now.Add(-10 * time.Second),
		},
		"contamination": {
			Heartbeat: wire.Heartbeat{Phase: 30, Slug: "contamination", Name: "Contamination Watch", Healthy: true},
			Source:    "feeder-contam",
			LastSeen:  now.Add(-5 * time.Minute),
		},
		"report-engine": {
			Heartbeat: wire.Heartbeat{Name: "report-engine", Healthy: true},
			Source:    "mycelia-report-engine",
			LastSeen:  now.Add(-15 * time.Second),
		},
	}

	snap := BuildSnapshot(beats, phases, 90*time.Second, now)

	if snap.Total != 3 {
		t.Fatalf("expected 3 phases, got %d", snap.Total)
	}
	if snap.Healthy != 1 {
		t.Fatalf("expected 1 healthy phase, got %d", snap.Healthy)
	}
	if snap.Phases[0].Slug != "telemetry" || !snap.Phases[0].Healthy {
		t.Fatalf("expected telemetry healthy, got %#v", snap.Phases[0])
	}
	if snap.Phases[0].Stats["records"] != 42 {
		t.Fatalf("expected telemetry stats, got %#v", snap.Phases[0].Stats)
	}
	if !snap.Phases[1].Stale || snap.Phases[1].Healthy {
		t.Fatalf("expected contamination stale, got %#v", snap.Phases[1])
	}
	if snap.Phases[2].Healthy || snap.Phases[2].LastSeen != "" {
		t.Fatalf("expected harvest never seen, got %#v", snap.Phases[2])
	}

	if len(snap.Engines) != 1 || snap.Engines[0].Name != "report-engine" {
		t.Fatalf("expected report-engine, got %#v", snap.Engines)
	}
	if !snap.Engines[0].Healthy {
		t.Fatalf("expected report-engine healthy")
	}
}

func TestBuildSnapshotEmpty(t *testing.T) {
	now := time.Now().UTC()
	snap := BuildSnapshot(nil, ingest.DefaultPhases(), 0, now)
	if snap.Total != 9 {
		t.Fatalf("expected 9 configured phases, got %d", snap.Total)
	}
	if snap.Healthy != 0 {
		t.Fatalf("expected no healthy phases, got %d", snap.Healthy)
	}
	for i := 1; i < len(snap.Phases); i++ {
		if snap.Phases[i-1].Phase > snap.Phases[i].Phase {
			t.Fatalf("expected phases sorted by number: %#v", snap.Phases)
		}
	}
}

func TestHeartbeatKey(t *testing.T) {
	if got := Key(wire.Heartbeat{Slug: "harvest", Name: "Harvest Ledger"}); got != "harvest" {
		t.Fatalf("expected slug key, got %s", got)
	}
	if got := Key(wire.Heartbeat{Name: "action-engine"}); got != "action-engine" {
		t.Fatalf("expected name key, got %s", got)
	}
}
