// Package ingest normalizes heterogeneous phase records into the uniform
// shape the report and action pipelines consume.
package ingest

import "strings"

// Record families emitted by the phases.
const (
	FamilyAlert    = "alert"
	FamilyAdvisory = "advisory"
	FamilyYield    = "yield"
	FamilyFinding  = "finding"
	FamilyDrift    = "drift"
	FamilyArchive  = "archive"
	FamilyIncident = "incident"
)

// Phase is a numbered upstream subsystem feeding the pipeline.
type Phase struct {
	Number int    `json:"number" yaml:"number"`
	Slug   string `json:"slug" yaml:"slug"`
	Name   string `json:"name" yaml:"name"`
	Family string `json:"family" yaml:"family"`
}

// DefaultPhases returns the compiled-in phase registry. A phases config file
// may override it at startup.
func DefaultPhases() []Phase {
	return []Phase{
		{Number: 10, Slug: "telemetry", Name: "Telemetry", Family: FamilyAlert},
		{Number: 20, Slug: "coach", Name: "Cultivation Coach", Family: FamilyAdvisory},
		{Number: 30, Slug: "contamination", Name: "Contamination Watch", Family: FamilyAlert},
		{Number: 40, Slug: "harvest", Name: "Harvest Ledger", Family: FamilyYield},
		{Number: 50, Slug: "auditor", Name: "Auditor", Family: FamilyFinding},
		{Number: 60, Slug: "drift", Name: "Drift Sentinel", Family: FamilyDrift},
		{Number: 70, Slug: "archive", Name: "Archive Vault", Family: FamilyArchive},
		{Number: 80, Slug: "command", Name: "Command Center", Family: FamilyIncident},
		{Number: 90, Slug: "compliance", Name: "Compliance", Family: FamilyFinding},
	}
}

// ValidFamily reports whether family is one of the known record families.
func ValidFamily(family string) bool {
	switch strings.TrimSpace(family) {
	case FamilyAlert, FamilyAdvisory, FamilyYield, FamilyFinding, FamilyDrift, FamilyArchive, FamilyIncident:
		return true
	}
	return false
}
