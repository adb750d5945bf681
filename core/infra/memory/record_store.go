package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	pointerPrefix   = "redis://"
	// record TTL guards against unbounded Redis growth; configurable via env.
	defaultRecordTTL      = 90 * 24 * time.Hour
	defaultRedisOpTimeout = 2 * time.Second
	envRecordTTLInSeconds = "RECORD_TTL_SECONDS"
	envRecordTTLFallback  = "RECORD_TTL" // accepts ParseDuration values (e.g. 720h)

	recordKeyPrefix       = "myc:record:"
	recordRawKeyPrefix    = "myc:record:raw:"
	recordPhaseKeyPrefix  = "myc:record:phase:"
	recordTenantKeyPrefix = "myc:record:tenant:"
)

// ErrRecordNotFound indicates a lookup for a record id that is not stored.
var ErrRecordNotFound = errors.New("record_not_found")

// RedisRecordStore keeps normalized records and their raw payloads in Redis,
// indexed by phase and tenant on occurrence time.
type RedisRecordStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRecordStore constructs a Redis-backed record store from a redis:// URL.
func NewRedisRecordStore(url string) (*RedisRecordStore, error) {
	if url == "" {
		url = defaultRedisURL
	}

	ttl := defaultRecordTTL
	if ttlSeconds := os.Getenv(envRecordTTLInSeconds); ttlSeconds != "" {
		if secs, err := strconv.Atoi(ttlSeconds); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if ttlEnv := os.Getenv(envRecordTTLFallback); ttlEnv != "" {
		if parsed, err := time.ParseDuration(ttlEnv); err == nil && parsed > 0 {
			ttl = parsed
		}
	}

	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisRecordStore{client: client, ttl: ttl}, nil
}

// NewRedisRecordStoreWithClient wraps an existing Redis client.
func NewRedisRecordStoreWithClient(client redis.UniversalClient) *RedisRecordStore {
	return &RedisRecordStore{client: client, ttl: defaultRecordTTL}
}

// PutRecord stores a normalized record plus its raw payload and updates the
// phase and tenant indexes.
func (s *RedisRecordStore) PutRecord(ctx context.Context, rec ingest.NormalizedRecord, raw []byte) error {
	if rec.ID == "" {
		return errors.New("record id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()

	if len(raw) > 0 {
		rec.RawPtr = PointerForKey(recordRawKey(rec.ID))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	occurred := rec.OccurredAt.Unix()
	horizon := time.Now().Add(-s.ttl).Unix()

	pipe := s.client.TxPipeline()
	pipe.Set(cctx, recordKey(rec.ID), data, s.ttl)
	if len(raw) > 0 {
		pipe.Set(cctx, recordRawKey(rec.ID), raw, s.ttl)
	}
	pipe.ZAdd(cctx, recordPhaseKey(rec.Phase), redis.Z{Score: float64(occurred), Member: rec.ID})
	pipe.ZRemRangeByScore(cctx, recordPhaseKey(rec.Phase), "-inf", strconv.FormatInt(horizon, 10))
	if rec.Scope.Tenant != "" {
		pipe.ZAdd(cctx, recordTenantKey(rec.Scope.Tenant), redis.Z{Score: float64(occurred), Member: rec.ID})
		pipe.ZRemRangeByScore(cctx, recordTenantKey(rec.Scope.Tenant), "-inf", strconv.FormatInt(horizon, 10))
	}
	_, err = pipe.Exec(cctx)
	return err
}

// GetRecord fetches a normalized record by id.
func (s *RedisRecordStore) GetRecord(ctx context.Context, recordID string) (ingest.NormalizedRecord, error) {
	var rec ingest.NormalizedRecord
	if recordID == "" {
		return rec, errors.New("record id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	data, err := s.client.Get(cctx, recordKey(recordID)).Bytes()
	if err == redis.Nil {
		return rec, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// GetRaw fetches the original submitted payload for a record.
func (s *RedisRecordStore) GetRaw(ctx context.Context, recordID string) ([]byte, error) {
	if recordID == "" {
		return nil, errors.New("record id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	data, err := s.client.Get(cctx, recordRawKey(recordID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("raw %s: %w", recordID, ErrRecordNotFound)
	}
	return data, err
}

// ListByPhase returns records for a phase with occurrence time in [from, to],
// newest first. A to of zero means no upper bound.
func (s *RedisRecordStore) ListByPhase(ctx context.Context, phase int, fromUnix, toUnix, limit int64) ([]ingest.NormalizedRecord, error) {
	return s.listIndexed(ctx, recordPhaseKey(phase), fromUnix, toUnix, limit)
}

// ListByTenant returns a tenant's records with occurrence time in [from, to],
// newest first. A to of zero means no upper bound.
func (s *RedisRecordStore) ListByTenant(ctx context.Context, tenant string, fromUnix, toUnix, limit int64) ([]ingest.NormalizedRecord, error) {
	if tenant == "" {
		return nil, errors.New("tenant required")
	}
	return s.listIndexed(ctx, recordTenantKey(tenant), fromUnix, toUnix, limit)
}

func (s *RedisRecordStore) listIndexed(ctx context.Context, indexKey string, fromUnix, toUnix, limit int64) ([]ingest.NormalizedRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	max := "+inf"
	if toUnix > 0 {
		max = strconv.FormatInt(toUnix, 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:   strconv.FormatInt(fromUnix, 10),
		Max:   max,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ingest.NormalizedRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, recordKey(id))
	}
	_, _ = pipe.Exec(ctx)

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var rec ingest.NormalizedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client for advanced operations.
// Prefer the store methods where possible.
func (s *RedisRecordStore) Client() redis.UniversalClient {
	return s.client
}

func recordKey(recordID string) string {
	return recordKeyPrefix + recordID
}

func recordRawKey(recordID string) string {
	return recordRawKeyPrefix + recordID
}

func recordPhaseKey(phase int) string {
	return recordPhaseKeyPrefix + strconv.Itoa(phase)
}

func recordTenantKey(tenant string) string {
	return recordTenantKeyPrefix + tenant
}

// PointerForKey formats a Redis key as a redis:// pointer.
func PointerForKey(key string) string {
	return pointerPrefix + key
}

// KeyFromPointer parses a redis:// pointer and returns the key component.
func KeyFromPointer(ptr string) (string, error) {
	if ptr == "" {
		return "", errors.New("empty pointer")
	}
	if !strings.HasPrefix(ptr, pointerPrefix) {
		return "", fmt.Errorf("invalid pointer prefix: %s", ptr)
	}
	key := strings.TrimPrefix(ptr, pointerPrefix)
	if key == "" {
		return "", errors.New("missing key in pointer")
	}
	return key, nil
}
