package config

import "embed"

const (
	phasesSchemaFile       = "schema/phases.schema.json"
	timeoutsSchemaFile     = "schema/timeouts.schema.json"
	accessPolicySchemaFile = "schema/access_policy.schema.json"
)

//go:embed schema/*.json
var configSchemaFS embed.FS
