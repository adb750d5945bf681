package ingest

import (
	"time"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Severity levels, ordered. INFO records never become tasks.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

var severityRank = map[string]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// SeverityRank returns the ordering rank of a severity, 0 for unknown.
func SeverityRank(severity string) int {
	return severityRank[severity]
}

// ValidSeverity reports whether severity is one of the known levels.
func ValidSeverity(severity string) bool {
	return severityRank[severity] != 0
}

// NormalizedRecord is the uniform shape every phase record is routed into.
type NormalizedRecord struct {
	ID         string            `json:"id"`
	Phase      int               `json:"phase"`
	Family     string            `json:"family"`
	Scope      wire.Scope        `json:"scope"`
	Severity   string            `json:"severity"`
	Title      string            `json:"title"`
	Detail     string            `json:"detail,omitempty"`
	Metric     float64           `json:"metric"`
	Unit       string            `json:"unit,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	IngestedAt time.Time         `json:"ingested_at"`
	Expiry     time.Time         `json:"expiry,omitempty"`
	RawPtr     string            `json:"raw_ptr,omitempty"`
}

// Actionable reports whether the record should seed an action task: alerts,
// findings, drift events, and incidents above INFO, plus blocking advisories.
func (r *NormalizedRecord) Actionable() bool {
	if r == nil || r.Severity == SeverityInfo {
		return false
	}
	switch r.Family {
	case FamilyAlert, FamilyFinding, FamilyDrift, FamilyIncident:
		return true
	case FamilyAdvisory:
		return r.Severity == SeverityHigh
	}
	return false
}

// Expired reports whether the record's source validity has lapsed at now.
func (r *NormalizedRecord) Expired(now time.Time) bool {
	return r != nil && !r.Expiry.IsZero() && now.After(r.Expiry)
}

// Label returns a label value, empty when absent.
func (r *NormalizedRecord) Label(key string) string {
	if r == nil || r.Labels == nil {
		return ""
	}
	return r.Labels[key]
}
