package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

func newTestScheduleStore(t *testing.T) *ScheduleStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewScheduleStoreWithClient(client)
}

func TestRangeForPreset(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		preset string
		span   time.Duration
	}{
		{PresetLast24h, 24 * time.Hour},
		{PresetLast7d, 7 * 24 * time.Hour},
		{PresetLast30d, 30 * 24 * time.Hour},
		{PresetQuarter, 90 * 24 * time.Hour},
	}
	for _, tc := range cases {
		rng, err := RangeForPreset(tc.preset, now)
		if err != nil {
			t.Fatalf("preset %s: %v", tc.preset, err)
		}
		if rng.Window() != tc.span {
			t.Fatalf("preset %s window = %s, want %s", tc.preset, rng.Window(), tc.span)
		}
		if !rng.To.Equal(now) || rng.Preset != tc.preset {
			t.Fatalf("preset %s range = %#v", tc.preset, rng)
		}
	}
	if _, err := RangeForPreset("fortnight", now); err == nil {
		t.Fatalf("expected error for unknown preset")
	}
}

func TestScheduleUpsertValidation(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	bad := []Schedule{
		{Category: CategoryHarvest, Every: time.Hour},
		{Scope: wire.Scope{Tenant: "org-a"}, Category: "gossip", Every: time.Hour},
		{Scope: wire.Scope{Tenant: "org-a"}, Category: CategoryHarvest, Format: "xml", Every: time.Hour},
		{Scope: wire.Scope{Tenant: "org-a"}, Category: CategoryHarvest, Preset: "fortnight", Every: time.Hour},
		{Scope: wire.Scope{Tenant: "org-a"}, Category: CategoryHarvest, Every: 10 * time.Second},
	}
	for i, sched := range bad {
		if _, err := store.Upsert(ctx, sched); err == nil {
			t.Fatalf("case %d: expected validation error for %#v", i, sched)
		}
	}
}

func TestScheduleUpsertAssignsDefaults(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()
	before := time.Now().UTC()

	sched, err := store.Upsert(ctx, Schedule{
		Scope:    wire.Scope{Tenant: "org-fungalgrove", Facility: "fac-north"},
		Category: CategoryCompliance,
		Preset:   PresetLast7d,
		Format:   FormatMarkdown,
		Every:    time.Hour,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sched.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if sched.NextRun.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("expected first run one interval out, got %s", sched.NextRun)
	}

	got, err := store.Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != CategoryCompliance || got.Preset != PresetLast7d || got.Format != FormatMarkdown {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	if got.Scope.Facility != "fac-north" || got.Every != time.Hour {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestScheduleGetDelete(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}

	sched, err := store.Upsert(ctx, Schedule{
		Scope:    wire.Scope{Tenant: "org-a"},
		Category: CategoryHarvest,
		Every:    time.Hour,
		NextRun:  time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Delete(ctx, sched.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, sched.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound after delete, got %v", err)
	}
	due, err := store.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("deleted schedule still due: %#v", due)
	}
}

func TestScheduleListByTenant(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"org-a", "org-a", "org-b"} {
		if _, err := store.Upsert(ctx, Schedule{
			Scope:    wire.Scope{Tenant: tenant},
			Category: CategoryOperations,
			Every:    time.Hour,
		}); err != nil {
			t.Fatalf("upsert %s: %v", tenant, err)
		}
	}

	all, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 schedules, got %d", len(all))
	}

	orgA, err := store.List(ctx, "org-a", 10)
	if err != nil {
		t.Fatalf("list org-a: %v", err)
	}
	if len(orgA) != 2 {
		t.Fatalf("expected 2 org-a schedules, got %d", len(orgA))
	}
	for _, sched := range orgA {
		if sched.Scope.Tenant != "org-a" {
			t.Fatalf("tenant filter leaked %s", sched.Scope.Tenant)
		}
	}

	capped, err := store.List(ctx, "org-a", 1)
	if err != nil {
		t.Fatalf("list capped: %v", err)
	}
	if len(capped) != 1 {
		t.Fatalf("expected limit 1, got %d", len(capped))
	}
}

func TestScheduleDueAndAdvance(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older, err := store.Upsert(ctx, Schedule{
		Scope:    wire.Scope{Tenant: "org-a"},
		Category: CategoryEnvironment,
		Every:    time.Hour,
		NextRun:  now.Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	newer, err := store.Upsert(ctx, Schedule{
		Scope:    wire.Scope{Tenant: "org-a"},
		Category: CategoryEnvironment,
		Every:    time.Hour,
		NextRun:  now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	if _, err := store.Upsert(ctx, Schedule{
		Scope:    wire.Scope{Tenant: "org-a"},
		Category: CategoryEnvironment,
		Every:    time.Hour,
		NextRun:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("upsert future: %v", err)
	}

	due, err := store.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due schedules, got %d", len(due))
	}
	if due[0].ID != older.ID || due[1].ID != newer.ID {
		t.Fatalf("expected soonest first, got %s then %s", due[0].ID, due[1].ID)
	}

	advanced, err := store.Advance(ctx, older.ID, now)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !advanced.NextRun.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected next run one interval past now, got %s", advanced.NextRun)
	}

	due, err = store.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due after advance: %v", err)
	}
	if len(due) != 1 || due[0].ID != newer.ID {
		t.Fatalf("advanced schedule still due: %#v", due)
	}

	if _, err := store.Advance(ctx, "missing", now); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}
