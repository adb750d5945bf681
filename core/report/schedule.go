package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/infra/redisutil"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Named range presets accepted by requests and schedules.
const (
	PresetLast24h = "last_24h"
	PresetLast7d  = "last_7d"
	PresetLast30d = "last_30d"
	PresetQuarter = "quarter"
)

// RangeForPreset resolves a named window ending at now.
func RangeForPreset(preset string, now time.Time) (wire.TimeRange, error) {
	var span time.Duration
	switch preset {
	case PresetLast24h:
		span = 24 * time.Hour
	case PresetLast7d:
		span = 7 * 24 * time.Hour
	case PresetLast30d:
		span = 30 * 24 * time.Hour
	case PresetQuarter:
		span = 90 * 24 * time.Hour
	default:
		return wire.TimeRange{}, fmt.Errorf("unknown range preset: %q", preset)
	}
	now = now.UTC()
	return wire.TimeRange{From: now.Add(-span), To: now, Preset: preset}, nil
}

// Schedule enqueues a recurring report request.
type Schedule struct {
	ID       string        `json:"id"`
	Scope    wire.Scope    `json:"scope"`
	Category string        `json:"category"`
	Preset   string        `json:"preset,omitempty"`
	Format   string        `json:"format,omitempty"`
	Every    time.Duration `json:"every"`
	NextRun  time.Time     `json:"next_run"`
}

const (
	scheduleKeyPrefix = "myc:schedule:"
	scheduleIndexKey  = "myc:schedules:index"
	scheduleDueKey    = "myc:schedules:due"

	minScheduleEvery = time.Minute
)

var ErrScheduleNotFound = errors.New("schedule_not_found")

// ScheduleStore persists report schedules in Redis.
type ScheduleStore struct {
	client redis.UniversalClient
}

// NewScheduleStore connects to Redis at the given URL.
func NewScheduleStore(url string) (*ScheduleStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &ScheduleStore{client: client}, nil
}

// NewScheduleStoreWithClient wraps an existing Redis client.
func NewScheduleStoreWithClient(client redis.UniversalClient) *ScheduleStore {
	return &ScheduleStore{client: client}
}

func (s *ScheduleStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Upsert validates and stores a schedule, assigning id and first run when
// absent.
func (s *ScheduleStore) Upsert(ctx context.Context, sched Schedule) (Schedule, error) {
	if sched.Scope.Tenant == "" {
		return Schedule{}, fmt.Errorf("schedule tenant required")
	}
	if !ValidCategory(sched.Category) {
		return Schedule{}, fmt.Errorf("unknown report category: %q", sched.Category)
	}
	if sched.Format != "" && !ValidFormat(sched.Format) {
		return Schedule{}, fmt.Errorf("unknown export format: %q", sched.Format)
	}
	if sched.Preset != "" {
		if _, err := RangeForPreset(sched.Preset, time.Now()); err != nil {
			return Schedule{}, err
		}
	}
	if sched.Every < minScheduleEvery {
		return Schedule{}, fmt.Errorf("schedule interval below %s", minScheduleEvery)
	}
	now := time.Now().UTC()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.NextRun.IsZero() {
		sched.NextRun = now.Add(sched.Every)
	}

	data, err := json.Marshal(sched)
	if err != nil {
		return Schedule{}, fmt.Errorf("marshal schedule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(sched.ID), data, 0)
	// Listing position is fixed at first insert; reschedules only move the
	// due score.
	pipe.ZAddNX(ctx, scheduleIndexKey, redis.Z{Score: float64(now.Unix()), Member: sched.ID})
	pipe.ZAdd(ctx, scheduleDueKey, redis.Z{Score: float64(sched.NextRun.Unix()), Member: sched.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Get returns one schedule.
func (s *ScheduleStore) Get(ctx context.Context, id string) (Schedule, error) {
	if id == "" {
		return Schedule{}, fmt.Errorf("schedule id required")
	}
	data, err := s.client.Get(ctx, scheduleKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
		}
		return Schedule{}, err
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return Schedule{}, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return sched, nil
}

// Delete removes a schedule and its index entries.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("schedule id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(id))
	pipe.ZRem(ctx, scheduleIndexKey, id)
	pipe.ZRem(ctx, scheduleDueKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns schedules newest first, optionally filtered to one tenant.
func (s *ScheduleStore) List(ctx context.Context, tenant string, limit int64) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	fetch := limit
	if tenant != "" {
		// Over-fetch to survive tenant filtering, then cut to limit.
		fetch = limit * 4
	}
	ids, err := s.client.ZRevRange(ctx, scheduleIndexKey, 0, fetch-1).Result()
	if err != nil {
		return nil, err
	}
	schedules, err := s.fetchSchedules(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, limit)
	for _, sched := range schedules {
		if tenant != "" && sched.Scope.Tenant != tenant {
			continue
		}
		out = append(out, sched)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// Due returns schedules whose NextRun is at or before now, soonest first.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time, limit int64) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, scheduleDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchSchedules(ctx, ids)
}

// Advance moves a fired schedule one full interval past now. Missed windows
// collapse into the next fire.
func (s *ScheduleStore) Advance(ctx context.Context, id string, now time.Time) (Schedule, error) {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	sched.NextRun = now.UTC().Add(sched.Every)
	data, err := json.Marshal(sched)
	if err != nil {
		return Schedule{}, fmt.Errorf("marshal schedule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(sched.ID), data, 0)
	pipe.ZAdd(ctx, scheduleDueKey, redis.Z{Score: float64(sched.NextRun.Unix()), Member: sched.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

func (s *ScheduleStore) fetchSchedules(ctx context.Context, ids []string) ([]Schedule, error) {
	if len(ids) == 0 {
		return []Schedule{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, scheduleKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Schedule, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var sched Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

func scheduleKey(id string) string {
	return scheduleKeyPrefix + id
}
