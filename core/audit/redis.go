package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/infra/redisutil"
)

const (
	auditEntryKeyPrefix   = "myc:audit:"
	auditIndexKey         = "myc:audit:index"
	auditCounterKeyPrefix = "myc:audit:count:"

	envAuditMaxEvents = "AUDIT_MAX_EVENTS"
	envAuditEntryTTL  = "AUDIT_ENTRY_TTL"

	defaultMaxEvents = 10000
	// Stats scans are bounded so a busy trail cannot stall the endpoint.
	statsScanLimit = 5000
)

// Entries expire independently of the index so trimmed ids never strand
// payloads.
var defaultAuditEntryTTL = 30 * 24 * time.Hour

// RedisTrail is the production Trail. Events live under myc:audit:<id> with a
// time-indexed zset for range queries and lifetime counters per
// category/outcome pair.
type RedisTrail struct {
	client    redis.UniversalClient
	maxEvents int64
	entryTTL  time.Duration
	pub       Publisher
	source    string
}

// NewRedisTrail connects to Redis at the given URL. Retention knobs come from
// AUDIT_MAX_EVENTS and AUDIT_ENTRY_TTL.
func NewRedisTrail(url string) (*RedisTrail, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	t := NewRedisTrailWithClient(client)
	return t, nil
}

// NewRedisTrailWithClient wraps an existing Redis client.
func NewRedisTrailWithClient(client redis.UniversalClient) *RedisTrail {
	maxEvents := int64(defaultMaxEvents)
	if v := os.Getenv(envAuditMaxEvents); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			maxEvents = n
		}
	}
	entryTTL := defaultAuditEntryTTL
	if v := os.Getenv(envAuditEntryTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			entryTTL = d
		}
	}
	return &RedisTrail{client: client, maxEvents: maxEvents, entryTTL: entryTTL}
}

// AttachPublisher fans future appends out on sys.audit.event.
func (t *RedisTrail) AttachPublisher(p Publisher, source string) {
	t.pub = p
	t.source = source
}

func (t *RedisTrail) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *RedisTrail) Append(ctx context.Context, ev Event) (Event, error) {
	ev, err := prepare(ev)
	if err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal audit event: %w", err)
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, auditEntryKey(ev.ID), data, t.entryTTL)
	pipe.ZAdd(ctx, auditIndexKey, redis.Z{Score: float64(ev.Time.Unix()), Member: ev.ID})
	pipe.ZRemRangeByRank(ctx, auditIndexKey, 0, -(t.maxEvents + 1))
	pipe.Incr(ctx, auditCounterKey(ev.Category, ev.Outcome))
	if _, err := pipe.Exec(ctx); err != nil {
		return Event{}, err
	}

	publish(t.pub, t.source, ev)
	return ev, nil
}

func (t *RedisTrail) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	max := "+inf"
	upper := int64(0)
	if !f.To.IsZero() {
		upper = f.To.Unix()
	}
	if f.Cursor > 0 && (upper == 0 || f.Cursor < upper) {
		upper = f.Cursor
	}
	if upper > 0 {
		max = strconv.FormatInt(upper, 10)
	}
	min := "-inf"
	if !f.From.IsZero() {
		min = strconv.FormatInt(f.From.Unix(), 10)
	}

	// Category, outcome, and scope are filtered after the fetch, so grab
	// extra ids to survive the cut.
	fetch := limit
	if f.Category != "" || f.Outcome != "" || f.Scope.Tenant != "" {
		fetch = limit * 4
	}
	ids, err := t.client.ZRevRangeByScore(ctx, auditIndexKey, &redis.ZRangeBy{
		Max:   max,
		Min:   min,
		Count: fetch,
	}).Result()
	if err != nil {
		return nil, err
	}
	events, err := t.fetchEvents(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, limit)
	for _, ev := range events {
		if !matches(f, ev) {
			continue
		}
		out = append(out, ev)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (t *RedisTrail) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = defaultStatsWindow
	}
	to := time.Now().UTC()
	from := to.Add(-window)

	ids, err := t.client.ZRevRangeByScore(ctx, auditIndexKey, &redis.ZRangeBy{
		Max:   strconv.FormatInt(to.Unix(), 10),
		Min:   strconv.FormatInt(from.Unix(), 10),
		Count: statsScanLimit,
	}).Result()
	if err != nil {
		return Stats{}, err
	}
	events, err := t.fetchEvents(ctx, ids)
	if err != nil {
		return Stats{}, err
	}
	return summarize(events, from, to), nil
}

// Counters returns lifetime append tallies keyed category:outcome. Zero
// counters are omitted.
func (t *RedisTrail) Counters(ctx context.Context) (map[string]int64, error) {
	pipe := t.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(categoryOrder)*len(outcomeOrder))
	for _, cat := range categoryOrder {
		for _, out := range outcomeOrder {
			cmds[cat+":"+out] = pipe.Get(ctx, auditCounterKey(cat, out))
		}
	}
	_, _ = pipe.Exec(ctx)

	counts := make(map[string]int64)
	for key, cmd := range cmds {
		if cmd == nil {
			continue
		}
		n, err := cmd.Int64()
		if err != nil || n == 0 {
			continue
		}
		counts[key] = n
	}
	return counts, nil
}

func (t *RedisTrail) fetchEvents(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return []Event{}, nil
	}
	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, auditEntryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Event, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func auditEntryKey(id string) string {
	return auditEntryKeyPrefix + id
}

func auditCounterKey(category, outcome string) string {
	return auditCounterKeyPrefix + category + ":" + outcome
}
