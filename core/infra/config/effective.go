package config

import (
	"encoding/json"
	"log"
)

// EffectiveSettingsEnvVar carries the JSON-encoded effective settings on
// engine environments.
const EffectiveSettingsEnvVar = "MYCELIA_EFFECTIVE_SETTINGS"

// ParseEffectiveReport extracts report settings from an effective settings
// payload. The payload may carry the section at the top level or nested under
// "data" (the settings service snapshot shape).
func ParseEffectiveReport(payload []byte) (ReportSettings, bool) {
	raw, ok := effectiveSection(payload, "report")
	if !ok {
		return ReportSettings{}, false
	}
	var cfg ReportSettings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ReportSettings{}, false
	}
	return cfg, true
}

// ParseEffectiveTasks extracts task settings from an effective settings
// payload.
func ParseEffectiveTasks(payload []byte) (TaskSettings, bool) {
	raw, ok := effectiveSection(payload, "tasks")
	if !ok {
		return TaskSettings{}, false
	}
	var cfg TaskSettings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return TaskSettings{}, false
	}
	return cfg, true
}

func effectiveSection(payload []byte, section string) (json.RawMessage, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		log.Printf("config: failed to parse effective settings: %v", err)
		return nil, false
	}
	if raw, ok := top[section]; ok && len(raw) > 0 {
		return raw, true
	}
	if raw, ok := top["data"]; ok && len(raw) > 0 {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			if sraw, ok := nested[section]; ok && len(sraw) > 0 {
				return sraw, true
			}
		}
	}
	return nil, false
}
