package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mycelia/mycelia/core/controlplane/actionengine"
)

func newTestTaskStore(t *testing.T) *RedisTaskStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisTaskStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisTaskStoreCreateAndGet(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	task := actionengine.ActionTask{
		ID:        "task-100",
		RecordID:  "rec-100",
		Phase:     10,
		PhaseSlug: "telemetry",
		Family:    "alert",
		Severity:  "HIGH",
		Tenant:    "org-fungalgrove",
		Facility:  "fac-north",
		Title:     "CO2 above band",
		Detail:    "reading 2400 ppm against ceiling 1800 ppm",
		Labels:    map[string]string{"room": "fruiting-3"},
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-100")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != actionengine.TaskStateNew {
		t.Fatalf("expected state NEW, got %s", got.State)
	}
	if got.RecordID != "rec-100" || got.Phase != 10 || got.Severity != "HIGH" {
		t.Fatalf("unexpected task fields: %#v", got)
	}
	if got.Labels["room"] != "fruiting-3" {
		t.Fatalf("expected room label, got %#v", got.Labels)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be set: %#v", got)
	}

	state, err := store.GetState(ctx, "task-100")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != actionengine.TaskStateNew {
		t.Fatalf("expected NEW, got %s", state)
	}

	events, err := store.TaskEvents(ctx, "task-100")
	if err != nil {
		t.Fatalf("task events: %v", err)
	}
	if len(events) != 1 || events[0].State != actionengine.TaskStateNew {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestRedisTaskStoreUnknownTask(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	if _, err := store.GetTask(ctx, "task-missing"); !errors.Is(err, actionengine.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if _, err := store.GetState(ctx, "task-missing"); !errors.Is(err, actionengine.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	_, err := store.ApplyTransition(ctx, "task-missing", actionengine.Transition{To: actionengine.TaskStateAcknowledged})
	if !errors.Is(err, actionengine.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestRedisTaskStoreDuplicateRecord(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	first := actionengine.ActionTask{ID: "task-1", RecordID: "rec-dup", Tenant: "org-a"}
	if err := store.CreateTask(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := actionengine.ActionTask{ID: "task-2", RecordID: "rec-dup", Tenant: "org-a"}
	if err := store.CreateTask(ctx, second); !errors.Is(err, actionengine.ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}

	taskID, err := store.TaskForRecord(ctx, "rec-dup")
	if err != nil {
		t.Fatalf("task for record: %v", err)
	}
	if taskID != "task-1" {
		t.Fatalf("expected task-1, got %s", taskID)
	}
}

func TestRedisTaskStoreLifecycle(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-lc", Tenant: "org-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// NEW cannot jump straight to IN_PROGRESS.
	_, err := store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateInProgress, Actor: "ops@a"})
	if !errors.Is(err, actionengine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateAcknowledged, Actor: "ops@a"})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got.State != actionengine.TaskStateAcknowledged {
		t.Fatalf("expected ACKNOWLEDGED, got %s", got.State)
	}

	// Assignment requires an assignee.
	_, err = store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateAssigned, Actor: "ops@a"})
	if !errors.Is(err, actionengine.ErrAssigneeRequired) {
		t.Fatalf("expected ErrAssigneeRequired, got %v", err)
	}

	got, err = store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateAssigned, Actor: "ops@a", Assignee: "tech@a"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Assignee != "tech@a" {
		t.Fatalf("expected assignee tech@a, got %s", got.Assignee)
	}

	if _, err := store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateInProgress, Actor: "tech@a"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err = store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateResolved, Actor: "tech@a", Note: "valve replaced"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Note != "valve replaced" {
		t.Fatalf("expected note, got %q", got.Note)
	}

	// Terminal tasks refuse further transitions.
	_, err = store.ApplyTransition(ctx, "task-lc", actionengine.Transition{To: actionengine.TaskStateAssigned, Actor: "ops@a", Assignee: "tech@b"})
	if !errors.Is(err, actionengine.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}

	events, err := store.TaskEvents(ctx, "task-lc")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []actionengine.TaskState{
		actionengine.TaskStateNew,
		actionengine.TaskStateAcknowledged,
		actionengine.TaskStateAssigned,
		actionengine.TaskStateInProgress,
		actionengine.TaskStateResolved,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %#v", len(want), len(events), events)
	}
	for i, state := range want {
		if events[i].State != state {
			t.Fatalf("event %d: expected %s, got %s", i, state, events[i].State)
		}
	}
	if events[1].Actor != "ops@a" || events[4].Actor != "tech@a" {
		t.Fatalf("unexpected actors: %#v", events)
	}
}

func TestRedisTaskStoreReassignment(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-re", Tenant: "org-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, "task-re", actionengine.Transition{To: actionengine.TaskStateAssigned, Assignee: "tech@a"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Same assignee is an idempotent no-op: no new event.
	if _, err := store.ApplyTransition(ctx, "task-re", actionengine.Transition{To: actionengine.TaskStateAssigned, Assignee: "tech@a"}); err != nil {
		t.Fatalf("repeat assign: %v", err)
	}
	events, err := store.TaskEvents(ctx, "task-re")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after no-op, got %d", len(events))
	}

	// A different assignee reassigns and records an event.
	got, err := store.ApplyTransition(ctx, "task-re", actionengine.Transition{To: actionengine.TaskStateAssigned, Assignee: "tech@b", Actor: "lead@a"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.Assignee != "tech@b" {
		t.Fatalf("expected tech@b, got %s", got.Assignee)
	}
	events, err = store.TaskEvents(ctx, "task-re")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 || events[2].Actor != "lead@a" {
		t.Fatalf("expected reassign event, got %#v", events)
	}

	// Reassignment also works from IN_PROGRESS.
	if _, err := store.ApplyTransition(ctx, "task-re", actionengine.Transition{To: actionengine.TaskStateInProgress, Actor: "tech@b"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err = store.ApplyTransition(ctx, "task-re", actionengine.Transition{To: actionengine.TaskStateAssigned, Assignee: "tech@c", Actor: "lead@a"})
	if err != nil {
		t.Fatalf("reassign from in_progress: %v", err)
	}
	if got.State != actionengine.TaskStateAssigned || got.Assignee != "tech@c" {
		t.Fatalf("unexpected task after reassign: %#v", got)
	}
}

func TestRedisTaskStoreDeadlines(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	overdue := actionengine.ActionTask{
		ID:                  "task-over",
		Tenant:              "org-a",
		AckDeadlineUnix:     now - 60,
		ResolveDeadlineUnix: now + 3600,
	}
	fresh := actionengine.ActionTask{
		ID:                  "task-fresh",
		Tenant:              "org-a",
		AckDeadlineUnix:     now + 3600,
		ResolveDeadlineUnix: now + 7200,
	}
	for _, task := range []actionengine.ActionTask{overdue, fresh} {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	expired, err := store.ListExpiredDeadlines(ctx, actionengine.DeadlineAck, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "task-over" {
		t.Fatalf("expected task-over only, got %#v", expired)
	}

	if err := store.MarkEscalated(ctx, "task-over", actionengine.DeadlineAck); err != nil {
		t.Fatalf("mark escalated: %v", err)
	}
	got, err := store.GetTask(ctx, "task-over")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Escalated {
		t.Fatalf("expected escalated flag set")
	}
	expired, err = store.ListExpiredDeadlines(ctx, actionengine.DeadlineAck, now, 10)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("escalated task should leave the ack index, got %#v", expired)
	}

	// Assignment clears the pending ack deadline for the fresh task.
	if _, err := store.ApplyTransition(ctx, "task-fresh", actionengine.Transition{To: actionengine.TaskStateAssigned, Assignee: "tech@a"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	expired, err = store.ListExpiredDeadlines(ctx, actionengine.DeadlineAck, now+7200, 10)
	if err != nil {
		t.Fatalf("list after assign: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("assigned task should not appear in ack index, got %#v", expired)
	}

	// Resolve deadlines survive until the task closes.
	expired, err = store.ListExpiredDeadlines(ctx, actionengine.DeadlineResolve, now+7200, 10)
	if err != nil {
		t.Fatalf("list resolve: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected both resolve deadlines, got %#v", expired)
	}
}

func TestRedisTaskStoreExpiredSources(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-exp", Tenant: "org-a", SourceExpiryUnix: now - 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-live", Tenant: "org-a", SourceExpiryUnix: now + 3600}); err != nil {
		t.Fatalf("create: %v", err)
	}

	expired, err := store.ListExpiredSources(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired sources: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "task-exp" {
		t.Fatalf("expected task-exp only, got %#v", expired)
	}

	// Dismissing drops the task from the expiry index.
	if _, err := store.ApplyTransition(ctx, "task-exp", actionengine.Transition{To: actionengine.TaskStateDismissed, Reason: "expired_source"}); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	expired, err = store.ListExpiredSources(ctx, now+7200, 10)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "task-live" {
		t.Fatalf("expected task-live only, got %#v", expired)
	}

	got, err := store.GetTask(ctx, "task-exp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DismissReason != "expired_source" {
		t.Fatalf("expected dismiss reason, got %q", got.DismissReason)
	}
}

func TestRedisTaskStoreListRecentTasks(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		if err := store.CreateTask(ctx, actionengine.ActionTask{ID: id, Tenant: "org-a"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	list, err := store.ListRecentTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentTasks: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list))
	}
	if list[0].ID != "task-c" || list[1].ID != "task-b" {
		t.Fatalf("unexpected order: %#v", list)
	}

	all, err := store.ListRecentTasksByScore(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListRecentTasksByScore: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}

	none, err := store.ListRecentTasksByScore(ctx, time.Now().Unix()-3600, 10)
	if err != nil {
		t.Fatalf("ListRecentTasksByScore cursor: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no tasks before cursor, got %#v", none)
	}
}

func TestRedisTaskStoreListTasksByState(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-s1", Tenant: "org-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-s2", Tenant: "org-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, "task-s2", actionengine.Transition{To: actionengine.TaskStateAcknowledged}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	horizon := time.Now().Unix() + 10
	fresh, err := store.ListTasksByState(ctx, actionengine.TaskStateNew, horizon, 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != "task-s1" {
		t.Fatalf("expected task-s1 in NEW, got %#v", fresh)
	}
	acked, err := store.ListTasksByState(ctx, actionengine.TaskStateAcknowledged, horizon, 10)
	if err != nil {
		t.Fatalf("list acknowledged: %v", err)
	}
	if len(acked) != 1 || acked[0].ID != "task-s2" {
		t.Fatalf("expected task-s2 in ACKNOWLEDGED, got %#v", acked)
	}

	if _, err := store.ListTasksByState(ctx, actionengine.TaskState("BOGUS"), horizon, 10); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestRedisTaskStoreCountOpenByTenant(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-o1", "task-o2"} {
		if err := store.CreateTask(ctx, actionengine.ActionTask{ID: id, Tenant: "org-a"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.CreateTask(ctx, actionengine.ActionTask{ID: "task-o3", Tenant: "org-b"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.CountOpenByTenant(ctx, "org-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 open for org-a, got %d", n)
	}

	if _, err := store.ApplyTransition(ctx, "task-o1", actionengine.Transition{To: actionengine.TaskStateDismissed, Reason: "duplicate"}); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	n, err = store.CountOpenByTenant(ctx, "org-a")
	if err != nil {
		t.Fatalf("count after dismiss: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 open for org-a, got %d", n)
	}
}

func TestRedisTaskStoreLock(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	ok, err := store.TryAcquireLock(ctx, "myc:lock:sweep", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock acquired")
	}
	ok, err = store.TryAcquireLock(ctx, "myc:lock:sweep", 30*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected lock held")
	}
	if err := store.ReleaseLock(ctx, "myc:lock:sweep"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.TryAcquireLock(ctx, "myc:lock:sweep", 30*time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock reacquired after release")
	}
}
