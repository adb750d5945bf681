package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mycelia/mycelia/core/controlplane/policy"
)

// apiKeyEntry is one configured key: MYCELIA_API_KEYS maps a key to the
// identity it grants.
type apiKeyEntry struct {
	Key         string `json:"key"`
	Tenant      string `json:"tenant"`
	Role        string `json:"role"`
	Principal   string `json:"principal"`
	CrossTenant bool   `json:"cross_tenant"`
}

// BasicAuthProvider authenticates by X-API-Key (or the WS subprotocol slot)
// against env-configured keys. Without configured keys every request runs as
// an admin of the default tenant, which suits single-node dev setups.
type BasicAuthProvider struct {
	defaultTenant string
	keys          map[string]apiKeyEntry
	requireAPIKey bool
}

func newBasicAuthProvider(defaultTenant string) (*BasicAuthProvider, error) {
	keys, requireKey, err := loadAPIKeys()
	if err != nil {
		return nil, err
	}
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	return &BasicAuthProvider{
		defaultTenant: defaultTenant,
		keys:          keys,
		requireAPIKey: requireKey,
	}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		if b.requireAPIKey {
			return nil, errors.New("api key required")
		}
		return &AuthContext{
			Tenant:      b.defaultTenant,
			Role:        policy.RoleAdmin,
			PrincipalID: headerValue(r, "X-Principal-Id"),
		}, nil
	}
	entry, ok := b.keys[key]
	if !ok {
		return nil, errors.New("invalid api key")
	}
	tenant := entry.Tenant
	if tenant == "" {
		tenant = b.defaultTenant
	}
	role := normalizeRole(entry.Role)
	if role == "" {
		role = policy.RoleOperator
	}
	principal := entry.Principal
	if principal == "" {
		principal = headerValue(r, "X-Principal-Id")
	}
	return &AuthContext{
		APIKey:           key,
		Tenant:           tenant,
		Role:             role,
		PrincipalID:      principal,
		AllowCrossTenant: entry.CrossTenant,
	}, nil
}

func (b *BasicAuthProvider) RequireRole(r *http.Request, roles ...string) error {
	auth := authFromRequest(r)
	if auth == nil {
		if b.requireAPIKey {
			return errors.New("unauthorized")
		}
		return nil
	}
	for _, role := range roles {
		if roleRank(auth.Role) >= roleRank(role) {
			return nil
		}
	}
	return fmt.Errorf("role %s required", strings.Join(roles, "|"))
}

func (b *BasicAuthProvider) ResolveTenant(r *http.Request, requested, fallback string) (string, error) {
	requested = strings.TrimSpace(requested)
	auth := authFromRequest(r)
	if auth == nil {
		if requested != "" {
			return requested, nil
		}
		return strings.TrimSpace(fallback), nil
	}
	if requested == "" || requested == auth.Tenant {
		if requested == "" {
			return auth.Tenant, nil
		}
		return requested, nil
	}
	if auth.AllowCrossTenant {
		return requested, nil
	}
	return "", errors.New("tenant access denied")
}

func (b *BasicAuthProvider) RequireTenantAccess(r *http.Request, tenant string) error {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil
	}
	auth := authFromRequest(r)
	if auth == nil {
		return nil
	}
	if tenant == auth.Tenant || auth.AllowCrossTenant {
		return nil
	}
	return errors.New("tenant access denied")
}

func (b *BasicAuthProvider) ResolvePrincipal(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		return requested, nil
	}
	if auth := authFromRequest(r); auth != nil && auth.PrincipalID != "" {
		return auth.PrincipalID, nil
	}
	return headerValue(r, "X-Principal-Id"), nil
}

func loadAPIKeys() (map[string]apiKeyEntry, bool, error) {
	keys := map[string]apiKeyEntry{}
	requireKey := false

	raw := strings.TrimSpace(os.Getenv("MYCELIA_API_KEYS"))
	if raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, false, err
		}
		for _, entry := range entries {
			if entry.Key == "" {
				continue
			}
			keys[entry.Key] = entry
		}
		requireKey = true
	}

	if single := normalizeAPIKey(os.Getenv("MYCELIA_API_KEY")); single != "" {
		keys[single] = apiKeyEntry{Key: single, Role: policy.RoleAdmin}
		requireKey = true
	}

	return keys, requireKey, nil
}

// parseAPIKeys accepts either a JSON array of entries or a JSON object keyed
// by the api key itself.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse MYCELIA_API_KEYS: %w", err)
		}
		return entries, nil
	}
	entries := map[string]apiKeyEntry{}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse MYCELIA_API_KEYS: %w", err)
	}
	out := make([]apiKeyEntry, 0, len(entries))
	for key, entry := range entries {
		entry.Key = key
		out = append(out, entry)
	}
	return out, nil
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func roleRank(role string) int {
	switch normalizeRole(role) {
	case policy.RoleAdmin:
		return 3
	case policy.RoleOperator:
		return 2
	case policy.RoleViewer:
		return 1
	default:
		return 0
	}
}
