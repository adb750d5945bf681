// Package policy decides whether an actor may perform an operation against a
// scope. Explicit rules from config/access_policy.yaml run first, then the
// built-in tenant isolation, federation, role, and time-range checks. The
// default is allow: YAML and built-ins can only tighten.
package policy

import (
	"context"
	"strconv"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions the checker evaluates. Handlers pass these, never raw strings.
const (
	ActionReportGenerate  = "report.generate"
	ActionReportExport    = "report.export"
	ActionReportRead      = "report.read"
	ActionTaskRead        = "task.read"
	ActionTaskAcknowledge = "task.acknowledge"
	ActionTaskAssign      = "task.assign"
	ActionTaskStart       = "task.start"
	ActionTaskResolve     = "task.resolve"
	ActionTaskDismiss     = "task.dismiss"
	ActionAuditRead       = "audit.read"
	ActionPolicyAdmin     = "policy.admin"
	ActionSchemaAdmin     = "schema.admin"
	ActionIngest          = "ingest"
)

// Roles, ranked viewer < operator < admin.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Default window caps per role, in days. Policy YAML may lower these per
// tenant, never raise them.
const (
	viewerRangeCapDays   = 30
	operatorRangeCapDays = 90
	adminRangeCapDays    = 366
)

// Actor identifies the principal behind a checked operation.
type Actor struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	Tenant           string `json:"tenant"`
	AllowCrossTenant bool   `json:"allow_cross_tenant,omitempty"`
}

// AccessInput is one operation to authorize. Category, Phase, and Range are
// zero where the action does not carry them.
type AccessInput struct {
	Actor    Actor             `json:"actor"`
	Action   string            `json:"action"`
	Scope    wire.Scope        `json:"scope"`
	Category string            `json:"category,omitempty"`
	Phase    int               `json:"phase,omitempty"`
	Range    wire.TimeRange    `json:"range"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// AccessDecision is the checker's verdict. RuleID names the YAML rule or
// built-in check that decided; it is empty on a default allow.
type AccessDecision struct {
	Decision    string            `json:"decision"`
	Reason      string            `json:"reason,omitempty"`
	RuleID      string            `json:"rule_id,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d AccessDecision) Allowed() bool {
	return d.Decision == DecisionAllow
}

// DenyCounter counts denials per action. Satisfied by metrics.Metrics.
type DenyCounter interface {
	IncAccessDenied(action string)
}

// Checker evaluates access decisions and audits real evaluations.
type Checker struct {
	policy  *config.AccessPolicy
	trail   audit.Trail
	counter DenyCounter
}

// NewChecker builds a checker. A nil policy means built-in checks only; a nil
// trail disables audit emission (tests, simulate-only embedding).
func NewChecker(policy *config.AccessPolicy, trail audit.Trail, counter DenyCounter) *Checker {
	return &Checker{policy: policy, trail: trail, counter: counter}
}

// Rules returns the explicit rules loaded from policy YAML.
func (c *Checker) Rules() []config.AccessRule {
	if c.policy == nil {
		return nil
	}
	return c.policy.Rules
}

// Grants returns the federation grants loaded from policy YAML.
func (c *Checker) Grants() []config.FederationGrant {
	if c.policy == nil {
		return nil
	}
	return c.policy.Federation
}

// Evaluate decides a real operation and appends a policy audit event.
func (c *Checker) Evaluate(ctx context.Context, in AccessInput) AccessDecision {
	decision := c.decide(in)
	if !decision.Allowed() && c.counter != nil {
		c.counter.IncAccessDenied(in.Action)
	}
	c.record(ctx, in, decision)
	return decision
}

// Simulate decides a hypothetical operation. Nothing is audited or counted.
func (c *Checker) Simulate(in AccessInput) AccessDecision {
	return c.decide(in)
}

func (c *Checker) decide(in AccessInput) AccessDecision {
	if ruled := c.policy.Evaluate(config.AccessInput{
		ActorID:     in.Actor.ID,
		Role:        in.Actor.Role,
		ActorTenant: in.Actor.Tenant,
		CrossTenant: in.Actor.AllowCrossTenant,
		Action:      in.Action,
		Tenant:      in.Scope.Tenant,
		Facility:    in.Scope.Facility,
		Category:    in.Category,
		Phase:       in.Phase,
		RangeHours:  in.Range.Window().Hours(),
		Labels:      in.Labels,
	}); ruled.RuleID != "" {
		return AccessDecision{Decision: ruled.Decision, Reason: ruled.Reason, RuleID: ruled.RuleID}
	}

	// An empty target tenant is a system-level surface; isolation does not
	// apply.
	if in.Scope.Tenant != "" && in.Actor.Tenant != in.Scope.Tenant && !in.Actor.AllowCrossTenant {
		if _, ok := c.grantCovers(in); ok {
			return AccessDecision{Decision: DecisionAllow, RuleID: "federation_grant"}
		}
		return AccessDecision{Decision: DecisionDeny, Reason: "tenant_isolation", RuleID: "tenant_isolation"}
	}

	if in.Action == ActionIngest && c.policy != nil && !c.policy.IngestEnabled(in.Scope.Tenant) {
		return AccessDecision{Decision: DecisionDeny, Reason: "ingest_disabled", RuleID: "ingest_disabled"}
	}
	if c.policy != nil && c.policy.CategoryDenied(in.Scope.Tenant, in.Category) {
		return AccessDecision{Decision: DecisionDeny, Reason: "category_denied", RuleID: "category_denied"}
	}

	if roleRank(in.Actor.Role) < minRankFor(in.Action) {
		return AccessDecision{Decision: DecisionDeny, Reason: "role_insufficient", RuleID: "role_insufficient"}
	}

	if !in.Range.From.IsZero() || !in.Range.To.IsZero() {
		window := in.Range.Window()
		if window <= 0 {
			return AccessDecision{Decision: DecisionDeny, Reason: "range_invalid", RuleID: "range_invalid"}
		}
		capDays := c.rangeCapDays(in.Actor.Role, in.Scope.Tenant)
		if window > time.Duration(capDays)*24*time.Hour {
			return AccessDecision{Decision: DecisionDeny, Reason: "range_exceeded", RuleID: "range_exceeded"}
		}
		return AccessDecision{
			Decision:    DecisionAllow,
			Constraints: map[string]string{"range_cap_days": strconv.Itoa(capDays)},
		}
	}

	return AccessDecision{Decision: DecisionAllow}
}

// grantCovers checks federation for the owner/grantee pair. Grants only ever
// cover read-type report actions, whatever the YAML lists.
func (c *Checker) grantCovers(in AccessInput) (config.FederationGrant, bool) {
	switch in.Action {
	case ActionReportGenerate, ActionReportRead, ActionReportExport:
	default:
		return config.FederationGrant{}, false
	}
	return c.policy.GrantFor(in.Scope.Tenant, in.Actor.Tenant, in.Category, in.Phase, in.Action)
}

func (c *Checker) rangeCapDays(role, tenant string) int {
	capDays := viewerRangeCapDays
	switch roleRank(role) {
	case 2:
		capDays = operatorRangeCapDays
	case 3:
		capDays = adminRangeCapDays
	}
	if c.policy != nil {
		if override := c.policy.RangeCapDays(role, tenant); override > 0 && override < capDays {
			capDays = override
		}
	}
	return capDays
}

func (c *Checker) record(ctx context.Context, in AccessInput, d AccessDecision) {
	if c.trail == nil {
		return
	}
	outcome := audit.OutcomeOK
	if !d.Allowed() {
		outcome = audit.OutcomeDenied
	}
	detail := map[string]string{"decision": d.Decision}
	if d.RuleID != "" {
		detail["rule_id"] = d.RuleID
	}
	if d.Reason != "" {
		detail["reason"] = d.Reason
	}
	if in.Actor.Role != "" {
		detail["role"] = in.Actor.Role
	}
	if _, err := c.trail.Append(ctx, audit.Event{
		Category: audit.CategoryPolicy,
		Action:   in.Action,
		Outcome:  outcome,
		Scope:    in.Scope,
		Actor:    in.Actor.ID,
		Detail:   detail,
	}); err != nil {
		logging.Error("policy", "audit append failed", "action", in.Action, "err", err)
	}
}

func roleRank(role string) int {
	switch role {
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		// Unknown roles act as viewers.
		return 1
	}
}

// minRankFor maps actions to the weakest role allowed to perform them.
// Unknown actions require admin.
func minRankFor(action string) int {
	switch action {
	case ActionReportRead, ActionTaskRead, ActionAuditRead:
		return 1
	case ActionReportGenerate, ActionReportExport, ActionIngest,
		ActionTaskAcknowledge, ActionTaskAssign, ActionTaskStart, ActionTaskResolve:
		return 2
	case ActionTaskDismiss, ActionPolicyAdmin, ActionSchemaAdmin:
		return 3
	}
	return 3
}
