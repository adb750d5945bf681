package configsvc

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mycelia/mycelia/core/infra/config"
)

func newSvc(t *testing.T) *Service {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	svc, err := New("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("svc init: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSetGetEffectiveOverlay(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	if err := svc.Set(ctx, &Document{
		Scope: config.ScopeSystem,
		Data: map[string]any{
			SectionReport: map[string]any{"default_preset": "last_7d"},
		},
		UpdatedBy: "ops@hq",
	}); err != nil {
		t.Fatalf("set system: %v", err)
	}
	if err := svc.Set(ctx, &Document{
		Scope:   config.ScopeTenant,
		ScopeID: "org-fungalgrove",
		Data: map[string]any{
			SectionReport: map[string]any{"ranking_size": 10},
			SectionTasks:  map[string]any{"default_assignee": "grower-on-call"},
		},
	}); err != nil {
		t.Fatalf("set tenant: %v", err)
	}
	if err := svc.Set(ctx, &Document{
		Scope:   config.ScopeFacility,
		ScopeID: "fac-north",
		Data: map[string]any{
			SectionReport: map[string]any{"ranking_size": 3},
		},
	}); err != nil {
		t.Fatalf("set facility: %v", err)
	}

	eff, err := svc.Effective(ctx, "org-fungalgrove", "fac-north")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if eff.Report.DefaultPreset != "last_7d" {
		t.Fatalf("system override must apply, got %q", eff.Report.DefaultPreset)
	}
	if eff.Report.RankingSize != 3 {
		t.Fatalf("facility must win, got ranking_size %d", eff.Report.RankingSize)
	}
	if eff.Tasks.DefaultAssignee != "grower-on-call" {
		t.Fatalf("tenant tasks override must apply, got %q", eff.Tasks.DefaultAssignee)
	}
	if eff.Report.DefaultFormat != "json" {
		t.Fatalf("untouched defaults must survive, got %q", eff.Report.DefaultFormat)
	}
	if src, ok := eff.Sources[SectionReport]; !ok || src.Scope != config.ScopeFacility {
		t.Fatalf("report section must be attributed to facility, got %+v", eff.Sources)
	}
	if src, ok := eff.Sources[SectionTasks]; !ok || src.Scope != config.ScopeTenant {
		t.Fatalf("tasks section must be attributed to tenant, got %+v", eff.Sources)
	}
}

func TestEffectiveWithoutDocumentsIsDefaults(t *testing.T) {
	svc := newSvc(t)

	eff, err := svc.Effective(context.Background(), "org-empty", "")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	want := config.DefaultSettings()
	if eff.Report != want.Report || eff.Tasks != want.Tasks {
		t.Fatalf("expected defaults, got %+v", eff)
	}
}

func TestSetRejectsUnknownSection(t *testing.T) {
	svc := newSvc(t)

	err := svc.Set(context.Background(), &Document{
		Scope:   config.ScopeTenant,
		ScopeID: "org-a",
		Data:    map[string]any{"mystery": map[string]any{"x": 1}},
	})
	if !errors.Is(err, ErrUnknownSection) {
		t.Fatalf("expected ErrUnknownSection, got %v", err)
	}
}

func TestSetBumpsRevisionAcrossWrites(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Set(ctx, &Document{
			Scope:   config.ScopeTenant,
			ScopeID: "org-a",
			Data:    map[string]any{SectionReport: map[string]any{"ranking_size": i + 1}},
		}); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	doc, err := svc.Get(ctx, config.ScopeTenant, "org-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", doc.Revision)
	}
}

func TestSnapshotHashTracksOverrides(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	before, err := svc.EffectiveSnapshot(ctx, "org-a", "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := svc.Set(ctx, &Document{
		Scope:   config.ScopeTenant,
		ScopeID: "org-a",
		Data:    map[string]any{SectionExport: map[string]any{"max_table_rows": 50}},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	after, err := svc.EffectiveSnapshot(ctx, "org-a", "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if before.Hash == after.Hash {
		t.Fatal("override must change the snapshot hash")
	}
	if before.Version == after.Version {
		t.Fatal("override must change the snapshot version")
	}

	other, err := svc.EffectiveSnapshot(ctx, "org-b", "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if other.Hash != before.Hash {
		t.Fatal("untouched tenant must keep the default hash")
	}
}

func TestDeleteRestoresParentScope(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	if err := svc.Set(ctx, &Document{
		Scope:   config.ScopeFacility,
		ScopeID: "fac-a",
		Data:    map[string]any{SectionReport: map[string]any{"ranking_size": 2}},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.Delete(ctx, config.ScopeFacility, "fac-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	eff, err := svc.Effective(ctx, "org-a", "fac-a")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if eff.Report.RankingSize != config.DefaultSettings().Report.RankingSize {
		t.Fatalf("deleted override must fall back, got %d", eff.Report.RankingSize)
	}
}
