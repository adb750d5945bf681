package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mycelia/mycelia/core/ingest"
)

// PhasesConfig declares the upstream phase registry.
type PhasesConfig struct {
	Version string         `yaml:"version"`
	Phases  []ingest.Phase `yaml:"phases"`
}

// ParsePhasesConfig parses a phase registry from YAML/JSON bytes.
func ParsePhasesConfig(data []byte) (*PhasesConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := validateConfigSchema("phases", phasesSchemaFile, data); err != nil {
		return nil, err
	}
	var cfg PhasesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse phases config: %w", err)
	}
	if len(cfg.Phases) == 0 {
		return nil, errors.New("phases config has no phases")
	}
	seenNumbers := make(map[int]bool, len(cfg.Phases))
	seenSlugs := make(map[string]bool, len(cfg.Phases))
	for _, p := range cfg.Phases {
		if p.Number <= 0 {
			return nil, fmt.Errorf("invalid phase number %d", p.Number)
		}
		if p.Slug == "" {
			return nil, fmt.Errorf("phase %d has no slug", p.Number)
		}
		if !ingest.ValidFamily(p.Family) {
			return nil, fmt.Errorf("phase %d has unknown family %q", p.Number, p.Family)
		}
		if seenNumbers[p.Number] {
			return nil, fmt.Errorf("duplicate phase number %d", p.Number)
		}
		if seenSlugs[p.Slug] {
			return nil, fmt.Errorf("duplicate phase slug %q", p.Slug)
		}
		seenNumbers[p.Number] = true
		seenSlugs[p.Slug] = true
	}
	return &cfg, nil
}

// LoadPhases reads the phase registry from a YAML file. A missing file or
// empty path falls back to the compiled-in registry.
func LoadPhases(path string) ([]ingest.Phase, error) {
	if path == "" {
		return ingest.DefaultPhases(), nil
	}
	// #nosec G304 -- phases config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ingest.DefaultPhases(), nil
		}
		return nil, fmt.Errorf("read phases config %s: %w", path, err)
	}
	cfg, err := ParsePhasesConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load phases config %s: %w", path, err)
	}
	if cfg == nil {
		return ingest.DefaultPhases(), nil
	}
	return cfg.Phases, nil
}
