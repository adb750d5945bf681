package config

import "os"

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultPhasesConfig = "config/phases.yaml"
	defaultTimeouts     = "config/timeouts.yaml"
	defaultAccessPolicy = "config/access_policy.yaml"
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envPhasesPath       = "PHASES_CONFIG_PATH"
	envTimeoutPath      = "TIMEOUT_CONFIG_PATH"
	envAccessPolicyPath = "ACCESS_POLICY_PATH"
)

// Config holds runtime configuration for the control plane components.
type Config struct {
	NatsURL          string
	RedisURL         string
	PhasesConfigPath string
	TimeoutConfig    string
	AccessPolicyPath string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	phasesPath := os.Getenv(envPhasesPath)
	if phasesPath == "" {
		phasesPath = defaultPhasesConfig
	}
	timeoutPath := os.Getenv(envTimeoutPath)
	if timeoutPath == "" {
		timeoutPath = defaultTimeouts
	}
	policyPath := os.Getenv(envAccessPolicyPath)
	if policyPath == "" {
		policyPath = defaultAccessPolicy
	}

	return &Config{
		NatsURL:          natsURL,
		RedisURL:         redisURL,
		PhasesConfigPath: phasesPath,
		TimeoutConfig:    timeoutPath,
		AccessPolicyPath: policyPath,
	}
}
