package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mycelia/mycelia/core/ingest"
)

// SweepTimeout controls the action engine's escalation sweep cadence.
type SweepTimeout struct {
	ScanIntervalSeconds     int64 `yaml:"scan_interval_seconds"`
	ScheduleIntervalSeconds int64 `yaml:"schedule_interval_seconds"`
}

// TimeoutsConfig carries the per-severity SLA clocks and sweep cadence.
type TimeoutsConfig struct {
	AckHours     map[string]int64 `yaml:"ack_hours"`
	ResolveHours map[string]int64 `yaml:"resolve_hours"`
	Sweep        SweepTimeout     `yaml:"sweep"`
}

// LoadTimeouts loads a YAML timeouts file; returns defaults if missing.
func LoadTimeouts(path string) (*TimeoutsConfig, error) {
	if path == "" {
		return defaultTimeoutsConfig(), nil
	}
	// #nosec G304 -- timeouts config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTimeoutsConfig(), nil
		}
		return defaultTimeoutsConfig(), fmt.Errorf("read timeouts config: %w", err)
	}
	return ParseTimeouts(data)
}

// ParseTimeouts parses timeouts config data from YAML/JSON bytes, filling
// gaps with defaults.
func ParseTimeouts(data []byte) (*TimeoutsConfig, error) {
	if len(data) == 0 {
		return defaultTimeoutsConfig(), nil
	}
	if err := validateConfigSchema("timeouts", timeoutsSchemaFile, data); err != nil {
		return defaultTimeoutsConfig(), err
	}
	var cfg TimeoutsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultTimeoutsConfig(), fmt.Errorf("parse timeouts config: %w", err)
	}
	def := defaultTimeoutsConfig()
	if cfg.AckHours == nil {
		cfg.AckHours = def.AckHours
	} else {
		for sev, hours := range def.AckHours {
			if cfg.AckHours[sev] == 0 {
				cfg.AckHours[sev] = hours
			}
		}
	}
	if cfg.ResolveHours == nil {
		cfg.ResolveHours = def.ResolveHours
	} else {
		for sev, hours := range def.ResolveHours {
			if cfg.ResolveHours[sev] == 0 {
				cfg.ResolveHours[sev] = hours
			}
		}
	}
	if cfg.Sweep.ScanIntervalSeconds == 0 {
		cfg.Sweep.ScanIntervalSeconds = def.Sweep.ScanIntervalSeconds
	}
	if cfg.Sweep.ScheduleIntervalSeconds == 0 {
		cfg.Sweep.ScheduleIntervalSeconds = def.Sweep.ScheduleIntervalSeconds
	}
	return &cfg, nil
}

// AckDeadline returns the acknowledgement SLA for a severity. Unknown
// severities use the LOW deadline.
func (c *TimeoutsConfig) AckDeadline(severity string) time.Duration {
	if c == nil {
		return 0
	}
	hours, ok := c.AckHours[severity]
	if !ok {
		hours = c.AckHours[ingest.SeverityLow]
	}
	return time.Duration(hours) * time.Hour
}

// ResolveDeadline returns the resolution SLA for a severity. Unknown
// severities use the LOW deadline.
func (c *TimeoutsConfig) ResolveDeadline(severity string) time.Duration {
	if c == nil {
		return 0
	}
	hours, ok := c.ResolveHours[severity]
	if !ok {
		hours = c.ResolveHours[ingest.SeverityLow]
	}
	return time.Duration(hours) * time.Hour
}

// ScanInterval returns the escalation sweep cadence.
func (c *TimeoutsConfig) ScanInterval() time.Duration {
	if c == nil || c.Sweep.ScanIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sweep.ScanIntervalSeconds) * time.Second
}

// ScheduleInterval returns the report schedule sweep cadence.
func (c *TimeoutsConfig) ScheduleInterval() time.Duration {
	if c == nil || c.Sweep.ScheduleIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Sweep.ScheduleIntervalSeconds) * time.Second
}

func defaultTimeoutsConfig() *TimeoutsConfig {
	return &TimeoutsConfig{
		AckHours: map[string]int64{
			ingest.SeverityCritical: 4,
			ingest.SeverityHigh:     24,
			ingest.SeverityMedium:   72,
			ingest.SeverityLow:      168,
		},
		ResolveHours: map[string]int64{
			ingest.SeverityCritical: 24,
			ingest.SeverityHigh:     72,
			ingest.SeverityMedium:   168,
			ingest.SeverityLow:      336,
		},
		Sweep: SweepTimeout{
			ScanIntervalSeconds:     30,
			ScheduleIntervalSeconds: 60,
		},
	}
}
