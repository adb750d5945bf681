package gateway

import (
	"net/http"
	"strings"

	"github.com/mycelia/mycelia/core/controlplane/policy"
)

func (s *server) requireRole(r *http.Request, roles ...string) error {
	if s == nil || s.auth == nil {
		return nil
	}
	return s.auth.RequireRole(r, roles...)
}

func (s *server) resolveTenant(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if s == nil || s.auth == nil {
		if requested != "" {
			return requested, nil
		}
		return s.tenant, nil
	}
	return s.auth.ResolveTenant(r, requested, s.tenant)
}

func (s *server) requireTenantAccess(r *http.Request, tenant string) error {
	tenant = strings.TrimSpace(tenant)
	if s == nil || s.auth == nil {
		return nil
	}
	return s.auth.RequireTenantAccess(r, tenant)
}

// actorFromRequest maps the authenticated identity to a policy actor. Without
// auth the request runs as an admin of the gateway's default tenant.
func (s *server) actorFromRequest(r *http.Request) policy.Actor {
	auth := authFromRequest(r)
	if auth == nil {
		return policy.Actor{ID: "anonymous", Role: policy.RoleAdmin, Tenant: s.tenant}
	}
	id := auth.PrincipalID
	if id == "" {
		id = "api-key"
	}
	role := auth.Role
	if role == "" {
		role = policy.RoleOperator
	}
	return policy.Actor{
		ID:               id,
		Role:             role,
		Tenant:           auth.Tenant,
		AllowCrossTenant: auth.AllowCrossTenant,
	}
}
