package templates

import (
	"strings"
	"testing"
)

func TestRenderCategoryDefaults(t *testing.T) {
	store := NewStore()
	data := HeadlineData{
		Category:    "harvest",
		Tenant:      "org-fungalgrove",
		Facility:    "fac-north",
		RecordCount: 12,
		WindowHours: 168,
		Health:      "good",
	}
	got, err := store.Render("harvest", data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "Harvest ledger for org-fungalgrove/fac-north: 12 flush records over 168h, health good."
	if got != want {
		t.Fatalf("unexpected headline:\n got %q\nwant %q", got, want)
	}
}

func TestRenderEmptyWindow(t *testing.T) {
	store := NewStore()
	got, err := store.Render("contamination", HeadlineData{
		Category: "contamination",
		Tenant:   "org-a",
		Health:   "good",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "No contamination detections for org-a in the reporting window." {
		t.Fatalf("unexpected empty headline: %q", got)
	}
}

func TestRenderFallsBackToDefault(t *testing.T) {
	store := NewStore()
	got, err := store.Render("unknown-category", HeadlineData{
		Category:    "unknown-category",
		Tenant:      "org-a",
		RecordCount: 3,
		WindowHours: 24,
		Health:      "watch",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(got, "unknown-category report for org-a") {
		t.Fatalf("expected default template, got %q", got)
	}
}

func TestRegisterOverride(t *testing.T) {
	store := NewStore()
	if err := store.Register("harvest", "Yield digest: {{.RecordCount}} flushes."); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := store.Render("harvest", HeadlineData{RecordCount: 4})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Yield digest: 4 flushes." {
		t.Fatalf("unexpected override output: %q", got)
	}

	if err := store.Register("", "x"); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := store.Register("bad", "{{.Oops"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestListNames(t *testing.T) {
	store := NewStore()
	names := store.List()
	if len(names) != 6 {
		t.Fatalf("expected 6 templates, got %d: %v", len(names), names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("expected sorted names: %v", names)
		}
	}
}
