package locks

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStoreAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	lock, ok, err := store.Acquire(ctx, "facility/fac-north", "ops@fungalgrove", ModeExclusive, 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if !ok || lock == nil {
		t.Fatalf("expected lock acquired")
	}
	if lock.Owners["ops@fungalgrove"] != 1 {
		t.Fatalf("expected owner count 1, got %#v", lock.Owners)
	}

	if _, ok, err := store.Acquire(ctx, "facility/fac-north", "tech@fungalgrove", ModeExclusive, 2*time.Second); err == nil && ok {
		t.Fatalf("expected second exclusive acquire to fail")
	}

	// Reentrant acquire by the holder bumps the count.
	lock, ok, err = store.Acquire(ctx, "facility/fac-north", "ops@fungalgrove", ModeExclusive, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected reentrant acquire, err=%v ok=%v", err, ok)
	}
	if lock.Owners["ops@fungalgrove"] != 2 {
		t.Fatalf("expected owner count 2, got %#v", lock.Owners)
	}

	if _, ok, err := store.Release(ctx, "facility/fac-north", "ops@fungalgrove"); err != nil || !ok {
		t.Fatalf("release: err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Release(ctx, "facility/fac-north", "ops@fungalgrove"); err != nil || !ok {
		t.Fatalf("final release: err=%v ok=%v", err, ok)
	}

	if _, ok, err := store.Acquire(ctx, "facility/fac-north", "tech@fungalgrove", ModeExclusive, 2*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreShared(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "room/fruiting-3", "auditor@hq", ModeShared, 2*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire shared: %v", err)
	} else if !ok {
		t.Fatalf("expected shared acquire ok")
	}
	if _, ok, err := store.Acquire(ctx, "room/fruiting-3", "viewer@hq", ModeShared, 2*time.Second); err != nil || !ok {
		t.Fatalf("expected shared acquire ok, err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Acquire(ctx, "room/fruiting-3", "ops@fungalgrove", ModeExclusive, 2*time.Second); err == nil && ok {
		t.Fatalf("expected exclusive acquire to fail while shared held")
	}
	if _, ok, err := store.Release(ctx, "room/fruiting-3", "auditor@hq"); err != nil || !ok {
		t.Fatalf("expected release ok, err=%v ok=%v", err, ok)
	}
	if lock, err := store.Get(ctx, "room/fruiting-3"); err != nil || lock == nil {
		t.Fatalf("expected lock to remain after partial release")
	}
	if _, ok, err := store.Release(ctx, "room/fruiting-3", "viewer@hq"); err != nil || !ok {
		t.Fatalf("expected release ok, err=%v ok=%v", err, ok)
	}
	if _, err := store.Get(ctx, "room/fruiting-3"); err == nil {
		t.Fatalf("expected lock to be cleared")
	}
}

func TestRedisStoreRenew(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "rack/incubation-2", "ops@fungalgrove", ModeExclusive, 2*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	} else if !ok {
		t.Fatalf("expected acquire ok")
	}
	if _, ok, err := store.Renew(ctx, "rack/incubation-2", "ops@fungalgrove", 3*time.Second); err != nil || !ok {
		t.Fatalf("expected renew ok, err=%v ok=%v", err, ok)
	}
	// A non-owner cannot renew.
	if _, ok, err := store.Renew(ctx, "rack/incubation-2", "tech@fungalgrove", 3*time.Second); err != nil {
		t.Fatalf("renew err: %v", err)
	} else if ok {
		t.Fatalf("expected renew by non-owner to fail")
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
