package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// AccessPolicy defines allow/deny rules, federation grants, and time-range
// caps for report and task operations.
type AccessPolicy struct {
	Version    string                  `yaml:"version"`
	Rules      []AccessRule            `yaml:"rules"`
	Federation []FederationGrant       `yaml:"federation"`
	RangeCaps  map[string]int          `yaml:"range_cap_days"` // role -> max window days
	Tenants    map[string]TenantAccess `yaml:"tenants"`
}

// AccessRule is an explicit first-match-wins rule layered above the built-in
// checks.
type AccessRule struct {
	ID       string      `yaml:"id"`
	Match    AccessMatch `yaml:"match"`
	Decision string      `yaml:"decision"` // allow|deny
	Reason   string      `yaml:"reason"`
}

// AccessMatch selects the inputs a rule applies to. Empty fields match
// anything; Actions use path.Match patterns ("task.*").
type AccessMatch struct {
	Tenants    []string          `yaml:"tenants"`
	Actions    []string          `yaml:"actions"`
	Categories []string          `yaml:"categories"`
	Phases     []int             `yaml:"phases"`
	Roles      []string          `yaml:"roles"`
	Labels     map[string]string `yaml:"labels"`
}

// TenantAccess carries per-tenant overrides.
type TenantAccess struct {
	IngestEnabled    *bool          `yaml:"ingest_enabled"`
	DeniedCategories []string       `yaml:"denied_categories"`
	RangeCaps        map[string]int `yaml:"range_cap_days"`
}

// FederationGrant lets a grantee tenant read an owner tenant's data for the
// listed categories/phases/actions. Empty lists match anything.
type FederationGrant struct {
	Owner      string   `yaml:"owner"`
	Grantee    string   `yaml:"grantee"`
	Categories []string `yaml:"categories"`
	Phases     []int    `yaml:"phases"`
	Actions    []string `yaml:"actions"`
}

// AccessInput captures the info needed to evaluate an access rule.
type AccessInput struct {
	ActorID     string
	Role        string
	ActorTenant string
	CrossTenant bool
	Action      string
	Tenant      string // target scope
	Facility    string
	Category    string
	Phase       int
	RangeHours  float64 // requested window; 0 when the action is not ranged
	Labels      map[string]string
}

// AccessDecision is the result of rule evaluation. An empty RuleID means no
// explicit rule matched and the built-in checks decide.
type AccessDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
}

// LoadAccessPolicy reads YAML from the given path. If the file is missing or
// the path is empty, returns nil with no error (built-in checks only).
func LoadAccessPolicy(path string) (*AccessPolicy, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read access policy %s: %w", path, err)
	}
	policy, err := ParseAccessPolicy(data)
	if err != nil {
		return nil, fmt.Errorf("parse access policy %s: %w", path, err)
	}
	return policy, nil
}

// ParseAccessPolicy parses a policy bundle from YAML bytes.
func ParseAccessPolicy(data []byte) (*AccessPolicy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := validateConfigSchema("access policy", accessPolicySchemaFile, data); err != nil {
		return nil, err
	}
	var policy AccessPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse access policy: %w", err)
	}
	if policy.Tenants == nil {
		policy.Tenants = map[string]TenantAccess{}
	}
	return &policy, nil
}

// Evaluate returns the first matching rule's decision. When no rule matches,
// the returned decision is allow with an empty RuleID so callers fall through
// to the built-in checks.
func (p *AccessPolicy) Evaluate(input AccessInput) AccessDecision {
	if p == nil {
		return AccessDecision{Decision: "allow"}
	}
	for _, rule := range p.Rules {
		if matchAccessRule(rule.Match, input) {
			return AccessDecision{
				Decision: normalizeDecision(rule.Decision),
				Reason:   rule.Reason,
				RuleID:   rule.ID,
			}
		}
	}
	return AccessDecision{Decision: "allow"}
}

// GrantFor finds a federation grant covering the owner/grantee pair for the
// given category, phase, and action.
func (p *AccessPolicy) GrantFor(owner, grantee, category string, phase int, action string) (FederationGrant, bool) {
	if p == nil {
		return FederationGrant{}, false
	}
	for _, g := range p.Federation {
		if !strings.EqualFold(strings.TrimSpace(g.Owner), strings.TrimSpace(owner)) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(g.Grantee), strings.TrimSpace(grantee)) {
			continue
		}
		if len(g.Categories) > 0 && !containsStarString(g.Categories, category) {
			continue
		}
		if len(g.Phases) > 0 && phase != 0 && !containsInt(g.Phases, phase) {
			continue
		}
		if len(g.Actions) > 0 && !matchAnyAction(g.Actions, action) {
			continue
		}
		return g, true
	}
	return FederationGrant{}, false
}

// RangeCapDays returns the effective window cap in days for a role within a
// tenant, 0 when the policy sets none. Tenant overrides can only tighten the
// global cap.
func (p *AccessPolicy) RangeCapDays(role, tenant string) int {
	if p == nil {
		return 0
	}
	cap := p.RangeCaps[role]
	if ta, ok := p.Tenants[tenant]; ok {
		if tcap, ok := ta.RangeCaps[role]; ok && tcap > 0 && (cap == 0 || tcap < cap) {
			cap = tcap
		}
	}
	return cap
}

// IngestEnabled reports whether a tenant accepts new records. Tenants absent
// from the policy are enabled.
func (p *AccessPolicy) IngestEnabled(tenant string) bool {
	if p == nil {
		return true
	}
	if ta, ok := p.Tenants[tenant]; ok && ta.IngestEnabled != nil {
		return *ta.IngestEnabled
	}
	return true
}

// CategoryDenied reports whether a tenant has opted a report category out.
func (p *AccessPolicy) CategoryDenied(tenant, category string) bool {
	if p == nil || category == "" {
		return false
	}
	if ta, ok := p.Tenants[tenant]; ok {
		return containsString(ta.DeniedCategories, category)
	}
	return false
}

func normalizeDecision(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "allow", "permit":
		return "allow"
	case "deny", "block":
		return "deny"
	default:
		return "allow"
	}
}

func matchAccessRule(match AccessMatch, input AccessInput) bool {
	if len(match.Tenants) > 0 && !containsString(match.Tenants, input.Tenant) {
		return false
	}
	if len(match.Actions) > 0 && !matchAnyAction(match.Actions, input.Action) {
		return false
	}
	if len(match.Categories) > 0 && !containsString(match.Categories, input.Category) {
		return false
	}
	if len(match.Phases) > 0 && !containsInt(match.Phases, input.Phase) {
		return false
	}
	if len(match.Roles) > 0 && !containsString(match.Roles, input.Role) {
		return false
	}
	if len(match.Labels) > 0 && !labelsMatch(match.Labels, input.Labels) {
		return false
	}
	return true
}

func containsString(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}

func containsStarString(list []string, value string) bool {
	for _, v := range list {
		if strings.TrimSpace(v) == "*" {
			return true
		}
	}
	return containsString(list, value)
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func labelsMatch(required, actual map[string]string) bool {
	if len(required) == 0 {
		return true
	}
	if len(actual) == 0 {
		return false
	}
	for k, v := range required {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func matchAnyAction(patterns []string, action string) bool {
	for _, pat := range patterns {
		if matchAction(pat, action) {
			return true
		}
	}
	return false
}

func matchAction(pattern, action string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	ok, _ := path.Match(pattern, action)
	return ok
}
