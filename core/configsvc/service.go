// Package configsvc stores scoped settings documents and resolves the
// system -> tenant -> facility overlay into effective settings.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/redisutil"
)

// Settings sections recognized by the overlay.
const (
	SectionReport = "report"
	SectionTasks  = "tasks"
	SectionExport = "export"
)

var ErrUnknownSection = errors.New("unknown_settings_section")

// Document is a settings fragment at one scope. Data holds per-section maps
// keyed by SectionReport/SectionTasks/SectionExport.
type Document struct {
	Scope     config.SettingsScope `json:"scope"`
	ScopeID   string               `json:"scope_id"` // system scope uses "default"
	Data      map[string]any       `json:"data"`
	Revision  int64                `json:"revision"`
	Updated   time.Time            `json:"updated_at"`
	UpdatedBy string               `json:"updated_by,omitempty"`
	Meta      map[string]string    `json:"meta,omitempty"`
}

// EffectiveSnapshot is the merged overlay plus version and content hash, so
// two engines can tell whether they resolved identical settings.
type EffectiveSnapshot struct {
	Version  string                   `json:"version"`
	Hash     string                   `json:"hash"`
	Settings config.EffectiveSettings `json:"settings"`
}

// Service persists settings documents in Redis.
type Service struct {
	client redis.UniversalClient
}

// New connects to Redis at the given URL.
func New(url string) (*Service, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Service{client: client}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client redis.UniversalClient) *Service {
	return &Service{client: client}
}

func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Set stores a settings document, bumping its revision. Only known sections
// are accepted; an empty Data clears the document's overrides.
func (s *Service) Set(ctx context.Context, doc *Document) error {
	if doc == nil || doc.Scope == "" {
		return fmt.Errorf("scope required")
	}
	switch doc.Scope {
	case config.ScopeSystem:
		if doc.ScopeID == "" {
			doc.ScopeID = "default"
		}
	case config.ScopeTenant, config.ScopeFacility:
		if doc.ScopeID == "" {
			return fmt.Errorf("scope_id required for %s scope", doc.Scope)
		}
	default:
		return fmt.Errorf("unknown settings scope: %q", doc.Scope)
	}
	for section := range doc.Data {
		switch section {
		case SectionReport, SectionTasks, SectionExport:
		default:
			return fmt.Errorf("section %q: %w", section, ErrUnknownSection)
		}
	}
	if prev, err := s.Get(ctx, doc.Scope, doc.ScopeID); err == nil {
		doc.Revision = prev.Revision
	}
	doc.Revision++
	doc.Updated = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal settings doc: %w", err)
	}
	return s.client.Set(ctx, settingsKey(doc.Scope, doc.ScopeID), payload, 0).Err()
}

// Get fetches one settings document. Missing documents return redis.Nil.
func (s *Service) Get(ctx context.Context, scope config.SettingsScope, id string) (*Document, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope required")
	}
	data, err := s.client.Get(ctx, settingsKey(scope, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal settings doc: %w", err)
	}
	return &doc, nil
}

// Delete removes a settings document so the parent scope shows through.
func (s *Service) Delete(ctx context.Context, scope config.SettingsScope, id string) error {
	if scope == "" {
		return fmt.Errorf("scope required")
	}
	return s.client.Del(ctx, settingsKey(scope, id)).Err()
}

// Effective resolves the overlay for a tenant and optional facility.
func (s *Service) Effective(ctx context.Context, tenant, facility string) (config.EffectiveSettings, error) {
	snap, err := s.EffectiveSnapshot(ctx, tenant, facility)
	if err != nil {
		return config.DefaultSettings(), err
	}
	return snap.Settings, nil
}

// EffectiveSnapshot merges system -> tenant -> facility documents over the
// built-in defaults. Later scopes override keys shallowly within each section,
// and Sources records which scope last touched each section.
func (s *Service) EffectiveSnapshot(ctx context.Context, tenant, facility string) (*EffectiveSnapshot, error) {
	order := []struct {
		scope config.SettingsScope
		id    string
	}{
		{config.ScopeSystem, "default"},
		{config.ScopeTenant, tenant},
		{config.ScopeFacility, facility},
	}

	merged := defaultsAsSections()
	sources := make(map[string]config.SettingsSource)
	revisions := make(map[config.SettingsScope]int64, len(order))
	for _, item := range order {
		if item.scope != config.ScopeSystem && item.id == "" {
			continue
		}
		doc, err := s.Get(ctx, item.scope, item.id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		revisions[item.scope] = doc.Revision
		for section, raw := range doc.Data {
			overrides, ok := raw.(map[string]any)
			if !ok || len(overrides) == 0 {
				continue
			}
			dst, ok := merged[section].(map[string]any)
			if !ok {
				dst = make(map[string]any)
				merged[section] = dst
			}
			for k, v := range overrides {
				dst[k] = v
			}
			sources[section] = config.SettingsSource{
				Scope:   doc.Scope,
				ScopeID: doc.ScopeID,
				SetBy:   doc.UpdatedBy,
				SetAt:   doc.Updated,
			}
		}
	}

	settings, err := sectionsToSettings(merged)
	if err != nil {
		return nil, err
	}
	settings.Tenant = tenant
	settings.Facility = facility
	if len(sources) > 0 {
		settings.Sources = sources
	}
	hash, err := snapshotHash(merged)
	if err != nil {
		return nil, err
	}
	return &EffectiveSnapshot{
		Version:  snapshotVersion(revisions),
		Hash:     hash,
		Settings: settings,
	}, nil
}

// defaultsAsSections round-trips the built-in defaults through JSON so the
// overlay merges maps, not structs.
func defaultsAsSections() map[string]any {
	defaults := config.DefaultSettings()
	data, err := json.Marshal(map[string]any{
		SectionReport: defaults.Report,
		SectionTasks:  defaults.Tasks,
		SectionExport: defaults.Export,
	})
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func sectionsToSettings(merged map[string]any) (config.EffectiveSettings, error) {
	data, err := json.Marshal(merged)
	if err != nil {
		return config.EffectiveSettings{}, fmt.Errorf("marshal merged settings: %w", err)
	}
	var sections struct {
		Report config.ReportSettings `json:"report"`
		Tasks  config.TaskSettings   `json:"tasks"`
		Export config.ExportSettings `json:"export"`
	}
	if err := json.Unmarshal(data, &sections); err != nil {
		return config.EffectiveSettings{}, fmt.Errorf("unmarshal merged settings: %w", err)
	}
	return config.EffectiveSettings{
		Report: sections.Report,
		Tasks:  sections.Tasks,
		Export: sections.Export,
	}, nil
}

func settingsKey(scope config.SettingsScope, id string) string {
	if scope == config.ScopeSystem && id == "" {
		id = "default"
	}
	return fmt.Sprintf("myc:settings:%s:%s", scope, id)
}
