// Package report builds deterministic report bundles from normalized records
// and task history. Builder arithmetic is fixed so two engines given the same
// inputs emit byte-identical bundles.
package report

import (
	"strings"
	"time"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Report categories.
const (
	CategoryOperations    = "operations"
	CategoryContamination = "contamination"
	CategoryHarvest       = "harvest"
	CategoryEnvironment   = "environment"
	CategoryCompliance    = "compliance"
)

var categoryPhases = map[string][]int{
	CategoryOperations:    {20, 80},
	CategoryContamination: {30},
	CategoryHarvest:       {40},
	CategoryEnvironment:   {10, 60},
	CategoryCompliance:    {50, 90},
}

// ValidCategory reports whether category names a known report category.
func ValidCategory(category string) bool {
	_, ok := categoryPhases[strings.TrimSpace(category)]
	return ok
}

// CategoryPhases returns the phase numbers whose records feed a category.
func CategoryPhases(category string) []int {
	phases := categoryPhases[category]
	out := make([]int, len(phases))
	copy(out, phases)
	return out
}

// Categories returns the known category names in presentation order.
func Categories() []string {
	return []string{
		CategoryOperations, CategoryContamination, CategoryHarvest,
		CategoryEnvironment, CategoryCompliance,
	}
}

// Export formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// ValidFormat reports whether format names a supported export rendering.
func ValidFormat(format string) bool {
	switch format {
	case FormatJSON, FormatCSV, FormatMarkdown:
		return true
	}
	return false
}

// Summary health grades.
const (
	HealthGood     = "good"
	HealthWatch    = "watch"
	HealthCritical = "critical"
)

// Section kinds.
const (
	SectionKindMetrics = "metrics"
	SectionKindTable   = "table"
	SectionKindRanking = "ranking"
)

// Metric is a single named figure in a metrics section.
type Metric struct {
	Name  string   `json:"name"`
	Value float64  `json:"value"`
	Unit  string   `json:"unit,omitempty"`
	Delta *float64 `json:"delta,omitempty"`
}

// Table is a rendered grid of rows. Ranking sections reuse it with
// label/value headers.
type Table struct {
	Title   string     `json:"title,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Section is one block of a bundle.
type Section struct {
	Title   string   `json:"title"`
	Kind    string   `json:"kind"`
	Metrics []Metric `json:"metrics,omitempty"`
	Table   *Table   `json:"table,omitempty"`
}

// ExecutiveSummary fronts the bundle with a headline and a health grade.
type ExecutiveSummary struct {
	Headline string   `json:"headline"`
	Lines    []string `json:"lines,omitempty"`
	Health   string   `json:"health"`
}

// BundleMeta carries generation provenance.
type BundleMeta struct {
	GeneratedAt   time.Time `json:"generated_at"`
	GeneratedBy   string    `json:"generated_by,omitempty"`
	RecordCount   int       `json:"record_count"`
	EngineVersion string    `json:"engine_version,omitempty"`
	Format        string    `json:"format,omitempty"`
}

// Bundle is a fully built report.
type Bundle struct {
	ID       string           `json:"id"`
	Category string           `json:"category"`
	Scope    wire.Scope       `json:"scope"`
	Range    wire.TimeRange   `json:"range"`
	Sections []Section        `json:"sections"`
	Summary  ExecutiveSummary `json:"summary"`
	Meta     BundleMeta       `json:"meta"`
}

// Section returns the first section with the given title, nil when absent.
func (b *Bundle) Section(title string) *Section {
	for i := range b.Sections {
		if b.Sections[i].Title == title {
			return &b.Sections[i]
		}
	}
	return nil
}

// MetricValue returns a named metric from any metrics section, false when the
// bundle carries no such metric.
func (b *Bundle) MetricValue(name string) (float64, bool) {
	for _, sec := range b.Sections {
		for _, m := range sec.Metrics {
			if m.Name == name {
				return m.Value, true
			}
		}
	}
	return 0, false
}
