package config

import (
	"testing"

	"github.com/mycelia/mycelia/core/ingest"
)

func TestParsePhasesConfig(t *testing.T) {
	data := []byte(`
version: "1"
phases:
  - number: 10
    slug: telemetry
    name: Telemetry
    family: alert
  - number: 40
    slug: harvest
    name: Harvest
    family: yield
`)
	cfg, err := ParsePhasesConfig(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(cfg.Phases))
	}
	if cfg.Phases[0].Number != 10 || cfg.Phases[0].Family != ingest.FamilyAlert {
		t.Fatalf("unexpected first phase: %#v", cfg.Phases[0])
	}
}

func TestParsePhasesConfigDuplicateNumber(t *testing.T) {
	data := []byte(`
phases:
  - number: 10
    slug: telemetry
    name: Telemetry
    family: alert
  - number: 10
    slug: other
    name: Other
    family: alert
`)
	if _, err := ParsePhasesConfig(data); err == nil {
		t.Fatalf("expected duplicate number error")
	}
}

func TestParsePhasesConfigDuplicateSlug(t *testing.T) {
	data := []byte(`
phases:
  - number: 10
    slug: telemetry
    name: Telemetry
    family: alert
  - number: 20
    slug: telemetry
    name: Other
    family: alert
`)
	if _, err := ParsePhasesConfig(data); err == nil {
		t.Fatalf("expected duplicate slug error")
	}
}

func TestParsePhasesConfigUnknownFamily(t *testing.T) {
	data := []byte(`
phases:
  - number: 10
    slug: telemetry
    name: Telemetry
    family: widget
`)
	if _, err := ParsePhasesConfig(data); err == nil {
		t.Fatalf("expected unknown family error")
	}
}

func TestLoadPhasesMissingFileUsesDefaults(t *testing.T) {
	phases, err := LoadPhases("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if len(phases) != len(ingest.DefaultPhases()) {
		t.Fatalf("expected default phase table, got %d entries", len(phases))
	}
}
