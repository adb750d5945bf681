package audit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

func newTestTrail(t *testing.T) *RedisTrail {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTrailWithClient(client)
}

func seedTrail(t *testing.T, trail *RedisTrail, events []Event) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range events {
		if _, err := trail.Append(ctx, ev); err != nil {
			t.Fatalf("append %s/%s: %v", ev.Category, ev.Action, err)
		}
	}
}

func TestRedisTrailAppendQuery(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedTrail(t, trail, []Event{
		{ID: "ev-a", Time: now.Add(-3 * time.Hour), Category: CategoryGeneration, Action: "report.generate", Outcome: OutcomeOK, Scope: wire.Scope{Tenant: "org-a"}, Actor: "reporter@hq"},
		{ID: "ev-b", Time: now.Add(-2 * time.Hour), Category: CategoryPolicy, Action: "report.export", Outcome: OutcomeDenied, Scope: wire.Scope{Tenant: "org-a", Facility: "fac-north"}, Actor: "viewer@hq"},
		{ID: "ev-c", Time: now.Add(-time.Hour), Category: CategoryLifecycle, Action: "task.resolve", Outcome: OutcomeOK, Scope: wire.Scope{Tenant: "org-b"}, Actor: "tech@b"},
	})

	all, err := trail.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ev-c" || all[2].ID != "ev-a" {
		t.Fatalf("expected newest first, got %#v", all)
	}

	stored := all[2]
	if stored.Actor != "reporter@hq" || stored.Scope.Tenant != "org-a" {
		t.Fatalf("round trip lost fields: %#v", stored)
	}

	byCategory, err := trail.Query(ctx, Filter{Category: CategoryPolicy})
	if err != nil {
		t.Fatalf("query by category: %v", err)
	}
	if len(byCategory) != 1 || byCategory[0].ID != "ev-b" {
		t.Fatalf("unexpected category result: %#v", byCategory)
	}

	byScope, err := trail.Query(ctx, Filter{Scope: wire.Scope{Tenant: "org-a", Facility: "fac-north"}})
	if err != nil {
		t.Fatalf("query by scope: %v", err)
	}
	if len(byScope) != 1 || byScope[0].ID != "ev-b" {
		t.Fatalf("unexpected scope result: %#v", byScope)
	}

	paged, err := trail.Query(ctx, Filter{Cursor: now.Add(-2 * time.Hour).Unix()})
	if err != nil {
		t.Fatalf("query with cursor: %v", err)
	}
	if len(paged) != 2 || paged[0].ID != "ev-b" || paged[1].ID != "ev-a" {
		t.Fatalf("unexpected cursor result: %#v", paged)
	}

	windowed, err := trail.Query(ctx, Filter{From: now.Add(-150 * time.Minute), To: now.Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("query with range: %v", err)
	}
	if len(windowed) != 1 || windowed[0].ID != "ev-b" {
		t.Fatalf("unexpected range result: %#v", windowed)
	}
}

func TestRedisTrailAssignsIdentityAndValidates(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	stored, err := trail.Append(ctx, Event{Category: CategorySchedule, Action: "schedule.fire"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.ID == "" || stored.Time.IsZero() || stored.Outcome != OutcomeOK {
		t.Fatalf("expected assigned identity and default outcome, got %#v", stored)
	}

	if _, err := trail.Append(ctx, Event{Action: "x"}); err == nil {
		t.Fatalf("expected error for missing category")
	}
	if _, err := trail.Append(ctx, Event{Category: CategorySchedule, Action: "x", Outcome: "sideways"}); err == nil {
		t.Fatalf("expected error for unknown outcome")
	}
}

func TestRedisTrailTrimsToMax(t *testing.T) {
	t.Setenv(envAuditMaxEvents, "2")
	trail := newTestTrail(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := make([]Event, 0, 4)
	for i, id := range []string{"ev-1", "ev-2", "ev-3", "ev-4"} {
		events = append(events, Event{
			ID:       id,
			Time:     now.Add(time.Duration(i-4) * time.Minute),
			Category: CategoryIngest,
			Action:   "record.store",
		})
	}
	seedTrail(t, trail, events)

	got, err := trail.Query(ctx, Filter{Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "ev-4" || got[1].ID != "ev-3" {
		t.Fatalf("expected newest 2 retained, got %#v", got)
	}
}

func TestRedisTrailStatsAndCounters(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedTrail(t, trail, []Event{
		{Time: now.Add(-4 * time.Hour), Category: CategoryGeneration, Action: "report.generate", Outcome: OutcomeOK, Actor: "reporter@hq"},
		{Time: now.Add(-3 * time.Hour), Category: CategoryGeneration, Action: "report.generate", Outcome: OutcomeOK, Actor: "reporter@hq"},
		{Time: now.Add(-2 * time.Hour), Category: CategoryPolicy, Action: "report.export", Outcome: OutcomeDenied, Actor: "viewer@hq"},
		{Time: now.Add(-time.Hour), Category: CategoryIngest, Action: "record.store", Outcome: OutcomeQuarantined, Detail: map[string]string{"phase": "contamination"}},
		// Outside the stats window but still counted for lifetime tallies.
		{Time: now.Add(-72 * time.Hour), Category: CategoryAccess, Action: "login", Outcome: OutcomeFailed, Actor: "ghost@hq"},
	})

	st, err := trail.Stats(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 4 {
		t.Fatalf("expected 4 events in window, got %d", st.Total)
	}
	if st.DenialRate != 25.0 || st.QuarantineRate != 25.0 {
		t.Fatalf("unexpected rates: denial=%v quarantine=%v", st.DenialRate, st.QuarantineRate)
	}
	if st.TopActors[0].Actor != "reporter@hq" || st.TopActors[0].Count != 2 {
		t.Fatalf("unexpected top actor: %#v", st.TopActors)
	}
	if st.IngestByPhase["contamination"] != 1 {
		t.Fatalf("unexpected ingest phases: %#v", st.IngestByPhase)
	}

	counts, err := trail.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counts["generation:ok"] != 2 {
		t.Fatalf("expected generation:ok=2, got %#v", counts)
	}
	if counts["access:failed"] != 1 {
		t.Fatalf("expected lifetime counter for out-of-window event, got %#v", counts)
	}
	if _, ok := counts["export:ok"]; ok {
		t.Fatalf("expected zero counters omitted, got %#v", counts)
	}
}

func TestRedisTrailRedactsSecretRefs(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	stored, err := trail.Append(ctx, Event{
		Category: CategoryArchive,
		Action:   "bundle.store",
		Detail: map[string]string{
			"sink":   "secret://vault/archive-key",
			"bundle": "bundle-9",
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := trail.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != stored.ID {
		t.Fatalf("unexpected query result: %#v", got)
	}
	if got[0].Detail["sink"] != "<redacted>" || got[0].Detail["bundle"] != "bundle-9" {
		t.Fatalf("unexpected detail after redaction: %#v", got[0].Detail)
	}
}

func TestRedisTrailPublishesAppends(t *testing.T) {
	trail := newTestTrail(t)
	pub := &capturingPublisher{}
	trail.AttachPublisher(pub, "action-engine")

	if _, err := trail.Append(context.Background(), Event{
		Category: CategoryLifecycle,
		Action:   "task.dismiss",
		Scope:    wire.Scope{Tenant: "org-fungalgrove"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 1 || pub.subjects[0] != wire.SubjectAuditEvent {
		t.Fatalf("expected publish on %s, got %#v", wire.SubjectAuditEvent, pub.subjects)
	}
	if pub.envelopes[0].Source != "action-engine" {
		t.Fatalf("unexpected source: %s", pub.envelopes[0].Source)
	}
}
