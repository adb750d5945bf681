package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mycelia/mycelia/core/controlplane/policy"
)

func newKeyedProvider(t *testing.T) *BasicAuthProvider {
	t.Helper()
	t.Setenv("MYCELIA_API_KEYS", `[
		{"key":"viewer-key","tenant":"org-fungalgrove","role":"viewer","principal":"spore-counter"},
		{"key":"operator-key","tenant":"org-fungalgrove","role":"operator","principal":"grower-7"},
		{"key":"federated-key","tenant":"org-other","role":"admin","principal":"auditor","cross_tenant":true}
	]`)
	t.Setenv("MYCELIA_API_KEY", "")
	provider, err := newBasicAuthProvider("org-fungalgrove")
	if err != nil {
		t.Fatalf("auth provider: %v", err)
	}
	return provider
}

func authedRequest(t *testing.T, provider *BasicAuthProvider, key string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	auth, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return req.WithContext(withAuthContext(req.Context(), auth))
}

func TestAuthenticateHTTPResolvesKeys(t *testing.T) {
	provider := newKeyedProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "operator-key")
	auth, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if auth.Tenant != "org-fungalgrove" || auth.Role != policy.RoleOperator || auth.PrincipalID != "grower-7" {
		t.Fatalf("unexpected auth context: %+v", auth)
	}

	req.Header.Set("X-API-Key", "wrong-key")
	if _, err := provider.AuthenticateHTTP(req); err == nil {
		t.Fatalf("invalid key must be rejected")
	}

	req.Header.Del("X-API-Key")
	if _, err := provider.AuthenticateHTTP(req); err == nil {
		t.Fatalf("configured keys make the api key mandatory")
	}
}

func TestAuthenticateHTTPOpenModeWithoutKeys(t *testing.T) {
	t.Setenv("MYCELIA_API_KEYS", "")
	t.Setenv("MYCELIA_API_KEY", "")
	provider, err := newBasicAuthProvider("org-fungalgrove")
	if err != nil {
		t.Fatalf("auth provider: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	auth, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if auth.Role != policy.RoleAdmin || auth.Tenant != "org-fungalgrove" {
		t.Fatalf("open mode grants default-tenant admin, got %+v", auth)
	}
}

func TestSingleKeyEnvGrantsAdmin(t *testing.T) {
	t.Setenv("MYCELIA_API_KEYS", "")
	t.Setenv("MYCELIA_API_KEY", `"quoted-secret"`)
	provider, err := newBasicAuthProvider("org-fungalgrove")
	if err != nil {
		t.Fatalf("auth provider: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "quoted-secret")
	auth, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if auth.Role != policy.RoleAdmin {
		t.Fatalf("single key grants admin, got %+v", auth)
	}
}

func TestRequireRoleRanks(t *testing.T) {
	provider := newKeyedProvider(t)

	viewer := authedRequest(t, provider, "viewer-key")
	if err := provider.RequireRole(viewer, policy.RoleViewer); err != nil {
		t.Fatalf("viewer should read: %v", err)
	}
	if err := provider.RequireRole(viewer, policy.RoleOperator); err == nil {
		t.Fatalf("viewer must not pass operator checks")
	}

	operator := authedRequest(t, provider, "operator-key")
	if err := provider.RequireRole(operator, policy.RoleOperator); err != nil {
		t.Fatalf("operator should pass: %v", err)
	}
	if err := provider.RequireRole(operator, policy.RoleAdmin); err == nil {
		t.Fatalf("operator must not pass admin checks")
	}
}

func TestResolveTenantCrossTenant(t *testing.T) {
	provider := newKeyedProvider(t)

	operator := authedRequest(t, provider, "operator-key")
	if _, err := provider.ResolveTenant(operator, "org-other", "org-fungalgrove"); err == nil {
		t.Fatalf("plain operator must not reach another tenant")
	}
	tenant, err := provider.ResolveTenant(operator, "", "org-fungalgrove")
	if err != nil || tenant != "org-fungalgrove" {
		t.Fatalf("empty request resolves to own tenant, got %q err %v", tenant, err)
	}

	federated := authedRequest(t, provider, "federated-key")
	tenant, err = provider.ResolveTenant(federated, "org-fungalgrove", "org-other")
	if err != nil || tenant != "org-fungalgrove" {
		t.Fatalf("cross-tenant key may reach other tenants, got %q err %v", tenant, err)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	provider := newKeyedProvider(t)
	var seen *AuthContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = authFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := apiKeyMiddleware(provider, inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health bypasses auth, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "viewer-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.PrincipalID != "spore-counter" {
		t.Fatalf("auth context must reach the handler, got %+v", seen)
	}
}

func TestActorFromRequestDefaults(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	actor := s.actorFromRequest(req)
	if actor.Role != policy.RoleAdmin || actor.Tenant != testTenant {
		t.Fatalf("no auth provider runs as default-tenant admin, got %+v", actor)
	}
}

func TestParseAPIKeysObjectForm(t *testing.T) {
	entries, err := parseAPIKeys(`{"abc":{"tenant":"org-x","role":"viewer"}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "abc" || entries[0].Tenant != "org-x" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if _, err := parseAPIKeys(`not-json`); err == nil {
		t.Fatalf("garbage must error")
	}
}
