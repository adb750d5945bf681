package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

func newTestRecordStore(t *testing.T) *RedisRecordStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisRecordStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("failed to create record store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisRecordStorePutGet(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	rec := ingest.NormalizedRecord{
		ID:         "rec-1",
		Phase:      10,
		Family:     ingest.FamilyAlert,
		Scope:      wire.Scope{Tenant: "org-fungalgrove", Facility: "fac-north"},
		Severity:   ingest.SeverityHigh,
		Title:      "CO2 above band",
		Metric:     2400,
		Unit:       "ppm",
		OccurredAt: time.Now().Add(-time.Minute).UTC(),
		IngestedAt: time.Now().UTC(),
	}
	raw := []byte(`{"co2_ppm":2400}`)
	if err := store.PutRecord(ctx, rec, raw); err != nil {
		t.Fatalf("put record: %v", err)
	}

	got, err := store.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Title != "CO2 above band" || got.Metric != 2400 {
		t.Fatalf("unexpected record: %#v", got)
	}
	if got.RawPtr != PointerForKey("myc:record:raw:rec-1") {
		t.Fatalf("unexpected raw pointer: %s", got.RawPtr)
	}

	gotRaw, err := store.GetRaw(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if string(gotRaw) != string(raw) {
		t.Fatalf("expected raw %s, got %s", raw, gotRaw)
	}
}

func TestRedisRecordStoreNotFound(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	if _, err := store.GetRecord(ctx, "rec-missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := store.GetRaw(ctx, "rec-missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestRedisRecordStoreListByPhase(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	times := []time.Time{base.Add(-3 * time.Hour), base.Add(-2 * time.Hour), base.Add(-time.Hour)}
	ids := []string{"rec-a", "rec-b", "rec-c"}
	for i, id := range ids {
		rec := ingest.NormalizedRecord{
			ID:         id,
			Phase:      10,
			Family:     ingest.FamilyAlert,
			Scope:      wire.Scope{Tenant: "org-a"},
			Severity:   ingest.SeverityInfo,
			Title:      "substrate temperature",
			OccurredAt: times[i],
		}
		if err := store.PutRecord(ctx, rec, nil); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	list, err := store.ListByPhase(ctx, 10, 0, 0, 10)
	if err != nil {
		t.Fatalf("list by phase: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].ID != "rec-c" || list[2].ID != "rec-a" {
		t.Fatalf("expected newest first, got %#v", list)
	}

	// Bounded range excludes the oldest record.
	from := base.Add(-150 * time.Minute).Unix()
	list, err = store.ListByPhase(ctx, 10, from, base.Unix(), 10)
	if err != nil {
		t.Fatalf("bounded list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records in range, got %d", len(list))
	}

	list, err = store.ListByPhase(ctx, 10, 0, 0, 1)
	if err != nil {
		t.Fatalf("limited list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "rec-c" {
		t.Fatalf("expected rec-c only, got %#v", list)
	}

	empty, err := store.ListByPhase(ctx, 70, 0, 0, 10)
	if err != nil {
		t.Fatalf("empty phase: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no records for phase 70, got %#v", empty)
	}
}

func TestRedisRecordStoreListByTenant(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, tenant := range []string{"org-a", "org-a", "org-b"} {
		rec := ingest.NormalizedRecord{
			ID:         ids3()[i],
			Phase:      60,
			Family:     ingest.FamilyDrift,
			Scope:      wire.Scope{Tenant: tenant},
			Severity:   ingest.SeverityInfo,
			Title:      "mycelium coverage drift",
			OccurredAt: now.Add(-time.Duration(i) * time.Minute),
		}
		if err := store.PutRecord(ctx, rec, nil); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	list, err := store.ListByTenant(ctx, "org-a", 0, 0, 10)
	if err != nil {
		t.Fatalf("list by tenant: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records for org-a, got %d", len(list))
	}
	for _, rec := range list {
		if rec.Scope.Tenant != "org-a" {
			t.Fatalf("unexpected tenant: %#v", rec)
		}
	}

	if _, err := store.ListByTenant(ctx, "", 0, 0, 10); err == nil {
		t.Fatalf("expected error for empty tenant")
	}
}

func ids3() []string {
	return []string{"rec-t1", "rec-t2", "rec-t3"}
}

func TestPointerHelpers(t *testing.T) {
	ptr := PointerForKey("myc:record:raw:rec-9")
	if ptr != "redis://myc:record:raw:rec-9" {
		t.Fatalf("unexpected pointer: %s", ptr)
	}
	key, err := KeyFromPointer(ptr)
	if err != nil {
		t.Fatalf("key from pointer: %v", err)
	}
	if key != "myc:record:raw:rec-9" {
		t.Fatalf("unexpected key: %s", key)
	}

	if _, err := KeyFromPointer(""); err == nil {
		t.Fatalf("expected error for empty pointer")
	}
	if _, err := KeyFromPointer("http://somewhere"); err == nil {
		t.Fatalf("expected error for wrong scheme")
	}
	if _, err := KeyFromPointer("redis://"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
