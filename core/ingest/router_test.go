package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func rawRecord(t *testing.T, phase int, body map[string]any) wire.PhaseRecord {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return wire.PhaseRecord{Phase: phase, Body: data}
}

func baseBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"tenant":      "org-fungalgrove",
		"facility":    "fac-eastwing",
		"occurred_at": "2025-06-10T11:30:00Z",
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestNormalizeTelemetryAlert(t *testing.T) {
	r := NewRouter(nil)
	rec, err := r.Normalize(rawRecord(t, 10, baseBody(map[string]any{
		"level":       "critical",
		"sensor":      "th-04",
		"metric":      "co2_ppm",
		"reading":     2150.0,
		"unit":        "ppm",
		"threshold":   1800.0,
		"room":        "fruiting-2",
		"ttl_seconds": 3600,
	})), testNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Severity != SeverityCritical || rec.Family != FamilyAlert {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Metric != 2150 || rec.Unit != "ppm" {
		t.Fatalf("unexpected metric: %v %s", rec.Metric, rec.Unit)
	}
	if rec.Title != "co2_ppm alert" {
		t.Fatalf("unexpected title: %s", rec.Title)
	}
	wantExpiry := time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)
	if !rec.Expiry.Equal(wantExpiry) {
		t.Fatalf("unexpected expiry: %v", rec.Expiry)
	}
	if rec.Label("room") != "fruiting-2" || rec.Label("sensor") != "th-04" {
		t.Fatalf("unexpected labels: %v", rec.Labels)
	}
	if !rec.Actionable() {
		t.Fatalf("critical alert must be actionable")
	}
}

func TestNormalizeContaminationPromotesWarning(t *testing.T) {
	r := NewRouter(nil)
	rec, err := r.Normalize(rawRecord(t, 30, baseBody(map[string]any{
		"level":      "warning",
		"species":    "trichoderma",
		"room":       "incubation-1",
		"batch":      "b-2215",
		"confidence": 0.87,
	})), testNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Severity != SeverityHigh {
		t.Fatalf("contamination warning must promote to HIGH, got %s", rec.Severity)
	}
	if rec.Title != "trichoderma detected" {
		t.Fatalf("unexpected title: %s", rec.Title)
	}
	if rec.Metric != 0.87 || rec.Unit != "confidence" {
		t.Fatalf("unexpected metric: %v %s", rec.Metric, rec.Unit)
	}
}

func TestNormalizeAdvisoryBlocking(t *testing.T) {
	r := NewRouter(nil)
	rec, err := r.Normalize(rawRecord(t, 20, baseBody(map[string]any{
		"blocking":        true,
		"protocol":        "oyster-fruiting-v2",
		"step":            "misting",
		"deviation_score": 6.5,
		"recommendation":  "raise misting frequency to 4/day",
	})), testNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Severity != SeverityHigh {
		t.Fatalf("blocking advisory must be HIGH, got %s", rec.Severity)
	}
	if !rec.Actionable() {
		t.Fatalf("blocking advisory must be actionable")
	}
	if rec.Detail != "raise misting frequency to 4/day" {
		t.Fatalf("recommendation should backfill detail: %s", rec.Detail)
	}

	calm, err := r.Normalize(rawRecord(t, 20, baseBody(map[string]any{
		"protocol":        "oyster-fruiting-v2",
		"deviation_score": 1.5,
	})), testNow)
	if err != nil {
		t.Fatalf("normalize non-blocking: %v", err)
	}
	if calm.Severity != SeverityMedium || calm.Actionable() {
		t.Fatalf("non-blocking advisory must be MEDIUM and not actionable: %+v", calm)
	}
}

func TestNormalizeYield(t *testing.T) {
	r := NewRouter(nil)
	rec, err := r.Normalize(rawRecord(t, 40, baseBody(map[string]any{
		"strain":    "blue-oyster",
		"flush":     2,
		"wet_grams": 1840.5,
		"be_pct":    92.3,
		"room":      "fruiting-1",
	})), testNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Severity != SeverityInfo || rec.Actionable() {
		t.Fatalf("yield records are informational: %+v", rec)
	}
	if rec.Metric != 1840.5 || rec.Unit != "g" {
		t.Fatalf("unexpected metric: %v %s", rec.Metric, rec.Unit)
	}
	if rec.Label("be_pct") != "92.3" || rec.Label("flush") != "2" {
		t.Fatalf("unexpected labels: %v", rec.Labels)
	}

	_, err = r.Normalize(rawRecord(t, 40, baseBody(map[string]any{"strain": "blue-oyster"})), testNow)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("missing wet_grams must fail, got %v", err)
	}
}

func TestNormalizeFindingSeverities(t *testing.T) {
	r := NewRouter(nil)
	cases := map[string]string{
		"critical":    SeverityCritical,
		"major":       SeverityHigh,
		"minor":       SeverityMedium,
		"observation": SeverityLow,
	}
	for in, want := range cases {
		rec, err := r.Normalize(rawRecord(t, 50, baseBody(map[string]any{
			"severity": in,
			"control":  "sanitation-7",
			"standard": "GAP",
			"summary":  "airlock door left open",
			"due_days": 14,
		})), testNow)
		if err != nil {
			t.Fatalf("normalize %s: %v", in, err)
		}
		if rec.Severity != want {
			t.Fatalf("severity %s: want %s got %s", in, want, rec.Severity)
		}
		if rec.Title != "airlock door left open" {
			t.Fatalf("summary should become title: %s", rec.Title)
		}
	}

	_, err := r.Normalize(rawRecord(t, 90, baseBody(map[string]any{
		"severity": "catastrophic",
		"summary":  "x",
	})), testNow)
	if !errors.Is(err, ErrBadEnum) {
		t.Fatalf("unknown severity must fail, got %v", err)
	}
}

func TestNormalizeDriftBands(t *testing.T) {
	r := NewRouter(nil)
	cases := []struct {
		delta float64
		want  string
	}{
		{0.4, SeverityLow},
		{-1.2, SeverityMedium},
		{2.5, SeverityHigh},
	}
	for _, tc := range cases {
		rec, err := r.Normalize(rawRecord(t, 60, baseBody(map[string]any{
			"metric": "humidity_pct",
			"room":   "fruiting-2",
			"delta":  tc.delta,
			"band":   1.0,
		})), testNow)
		if err != nil {
			t.Fatalf("normalize delta %v: %v", tc.delta, err)
		}
		if rec.Severity != tc.want {
			t.Fatalf("delta %v: want %s got %s", tc.delta, tc.want, rec.Severity)
		}
	}
}

func TestNormalizeIncidentAndArchive(t *testing.T) {
	r := NewRouter(nil)
	inc, err := r.Normalize(rawRecord(t, 80, baseBody(map[string]any{
		"impact":         "outage",
		"system":         "hvac",
		"summary":        "hvac compressor down",
		"affected_units": 3,
	})), testNow)
	if err != nil {
		t.Fatalf("normalize incident: %v", err)
	}
	if inc.Severity != SeverityCritical || inc.Metric != 3 {
		t.Fatalf("unexpected incident: %+v", inc)
	}

	arc, err := r.Normalize(rawRecord(t, 70, baseBody(map[string]any{
		"operation":    "purged",
		"object_count": 120,
		"store":        "cold",
	})), testNow)
	if err != nil {
		t.Fatalf("normalize archive: %v", err)
	}
	if arc.Severity != SeverityInfo || arc.Actionable() {
		t.Fatalf("archive events are informational: %+v", arc)
	}
}

func TestNormalizeQuarantineCodes(t *testing.T) {
	r := NewRouter(nil)

	_, err := r.Normalize(wire.PhaseRecord{Phase: 55, Body: []byte(`{}`)}, testNow)
	if QuarantineCode(err) != "unknown_phase" {
		t.Fatalf("unexpected code: %s (%v)", QuarantineCode(err), err)
	}

	_, err = r.Normalize(wire.PhaseRecord{Phase: 10}, testNow)
	if QuarantineCode(err) != "empty_body" {
		t.Fatalf("unexpected code: %s", QuarantineCode(err))
	}

	_, err = r.Normalize(rawRecord(t, 10, map[string]any{
		"occurred_at": "2025-06-10T11:30:00Z",
		"level":       "info",
	}), testNow)
	if QuarantineCode(err) != "missing_tenant" {
		t.Fatalf("unexpected code: %s", QuarantineCode(err))
	}

	_, err = r.Normalize(rawRecord(t, 10, map[string]any{
		"tenant":      "org-a",
		"occurred_at": "yesterday",
		"level":       "info",
	}), testNow)
	if QuarantineCode(err) != "bad_timestamp" {
		t.Fatalf("unexpected code: %s", QuarantineCode(err))
	}

	if QuarantineCode(errors.New("boom")) != "normalize_failed" {
		t.Fatalf("unmapped errors must fall back to normalize_failed")
	}
}

func TestFilterByScope(t *testing.T) {
	records := []NormalizedRecord{
		{ID: "a", Scope: wire.Scope{Tenant: "org-a", Facility: "fac-1"}},
		{ID: "b", Scope: wire.Scope{Tenant: "org-a", Facility: "fac-2"}},
		{ID: "c", Scope: wire.Scope{Tenant: "org-b", Facility: "fac-1"}},
	}

	got := FilterByScope(records, wire.Scope{Tenant: "org-a"})
	if len(got) != 2 {
		t.Fatalf("tenant-wide filter: want 2 got %d", len(got))
	}

	got = FilterByScope(records, wire.Scope{Tenant: "org-a", Facility: "fac-2"})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("facility filter: %+v", got)
	}

	if got := FilterByScope(records, wire.Scope{}); got != nil {
		t.Fatalf("empty scope must filter everything")
	}
}

func TestPhasesForFamilies(t *testing.T) {
	r := NewRouter(nil)
	got := r.PhasesForFamilies(FamilyFinding)
	if len(got) != 2 || got[0] != 50 || got[1] != 90 {
		t.Fatalf("finding phases: %v", got)
	}
	got = r.PhasesForFamilies(FamilyAlert, FamilyDrift)
	if len(got) != 3 || got[0] != 10 || got[1] != 30 || got[2] != 60 {
		t.Fatalf("alert+drift phases: %v", got)
	}
}
