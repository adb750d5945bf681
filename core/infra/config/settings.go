package config

import "time"

// SettingsScope defines where a settings document applies.
type SettingsScope string

const (
	ScopeSystem   SettingsScope = "system"
	ScopeTenant   SettingsScope = "tenant"
	ScopeFacility SettingsScope = "facility"
)

// ReportSettings controls report generation defaults.
type ReportSettings struct {
	DefaultPreset   string `json:"default_preset"`   // last_7d|last_30d|quarter
	DefaultFormat   string `json:"default_format"`   // json|csv|markdown
	RankingSize     int    `json:"ranking_size"`     // top-N for ranking sections
	SummaryTemplate string `json:"summary_template"` // template store key override
}

// TaskSettings controls action task behavior.
type TaskSettings struct {
	AutoDismissExpired bool   `json:"auto_dismiss_expired"`
	EscalationEnabled  bool   `json:"escalation_enabled"`
	DefaultAssignee    string `json:"default_assignee"`
}

// ExportSettings restricts bundle exports.
type ExportSettings struct {
	AllowedFormats []string `json:"allowed_formats"`
	MaxTableRows   int      `json:"max_table_rows"`
}

// SettingsSource records where a resolved settings section came from.
type SettingsSource struct {
	Scope   SettingsScope `json:"scope"`
	ScopeID string        `json:"scope_id"`
	SetBy   string        `json:"set_by"`
	SetAt   time.Time     `json:"set_at"`
}

// EffectiveSettings is the resolved settings for a tenant/facility after the
// system -> tenant -> facility overlay.
type EffectiveSettings struct {
	Tenant   string `json:"tenant"`
	Facility string `json:"facility,omitempty"`

	Report ReportSettings `json:"report"`
	Tasks  TaskSettings   `json:"tasks"`
	Export ExportSettings `json:"export"`

	Sources map[string]SettingsSource `json:"sources,omitempty"`
}

// DefaultSettings returns the system-scope baseline.
func DefaultSettings() EffectiveSettings {
	return EffectiveSettings{
		Report: ReportSettings{
			DefaultPreset: "last_30d",
			DefaultFormat: "json",
			RankingSize:   5,
		},
		Tasks: TaskSettings{
			AutoDismissExpired: true,
			EscalationEnabled:  true,
		},
		Export: ExportSettings{
			AllowedFormats: []string{"json", "csv", "markdown"},
			MaxTableRows:   200,
		},
	}
}
