package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/infra/memory"
	"github.com/mycelia/mycelia/core/infra/redisutil"
)

const (
	defaultShortTTL      = 24 * time.Hour
	defaultStandardTTL   = 7 * 24 * time.Hour
	defaultAuditTTL      = 30 * 24 * time.Hour
	envBundleTTLShort    = "BUNDLE_TTL_SHORT"
	envBundleTTLStandard = "BUNDLE_TTL_STANDARD"
	envBundleTTLAudit    = "BUNDLE_TTL_AUDIT"

	bundleIndexKey = "myc:bundles:index"
)

// ErrBundleNotFound indicates a lookup for a bundle id that is not archived.
var ErrBundleNotFound = errors.New("bundle_not_found")

// RedisStore implements the bundle archive using Redis.
type RedisStore struct {
	client      redis.UniversalClient
	ttlShort    time.Duration
	ttlStandard time.Duration
	ttlAudit    time.Duration
}

// NewRedisStore constructs a bundle archive backed by Redis.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return newWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return newWithClient(client)
}

func newWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:      client,
		ttlShort:    parseDurationEnv(envBundleTTLShort, defaultShortTTL),
		ttlStandard: parseDurationEnv(envBundleTTLStandard, defaultStandardTTL),
		ttlAudit:    parseDurationEnv(envBundleTTLAudit, defaultAuditTTL),
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put archives bundle content and metadata, returning a bundle pointer.
func (s *RedisStore) Put(ctx context.Context, bundleID string, content []byte, meta Metadata) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("bundle archive unavailable")
	}
	if bundleID == "" {
		return "", fmt.Errorf("bundle id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	meta.BundleID = bundleID
	meta.SizeBytes = int64(len(content))
	if meta.Retention == "" {
		meta.Retention = RetentionStandard
	}
	if meta.GeneratedAt == 0 {
		meta.GeneratedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	ttl := s.ttlFor(meta.Retention)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, MakeBundleKey(bundleID), content, ttl)
	pipe.Set(ctx, bundleMetaKey(bundleID), payload, ttl)
	pipe.ZAdd(ctx, bundleIndexKey, redis.Z{Score: float64(meta.GeneratedAt), Member: bundleID})
	pipe.ZRemRangeByRank(ctx, bundleIndexKey, 0, -5001) // keep last ~5000
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return memory.PointerForKey(MakeBundleKey(bundleID)), nil
}

// PutExport archives a rendered export alongside its bundle.
func (s *RedisStore) PutExport(ctx context.Context, bundleID, format string, content []byte, retention RetentionClass) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("bundle archive unavailable")
	}
	if bundleID == "" || format == "" {
		return fmt.Errorf("bundle id and format required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Set(ctx, bundleExportKey(bundleID, format), content, s.ttlFor(retention)).Err()
}

// Get returns bundle content and metadata for a bundle id.
func (s *RedisStore) Get(ctx context.Context, bundleID string) ([]byte, Metadata, error) {
	if s == nil || s.client == nil {
		return nil, Metadata{}, fmt.Errorf("bundle archive unavailable")
	}
	if bundleID == "" {
		return nil, Metadata{}, fmt.Errorf("bundle id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pipe := s.client.Pipeline()
	contentCmd := pipe.Get(ctx, MakeBundleKey(bundleID))
	metaCmd := pipe.Get(ctx, bundleMetaKey(bundleID))
	_, _ = pipe.Exec(ctx)

	content, err := contentCmd.Bytes()
	if err == redis.Nil {
		return nil, Metadata{}, fmt.Errorf("bundle %s: %w", bundleID, ErrBundleNotFound)
	}
	if err != nil {
		return nil, Metadata{}, err
	}
	var meta Metadata
	if data, err := metaCmd.Bytes(); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	return content, meta, nil
}

// GetExport returns a rendered export archived for a bundle.
func (s *RedisStore) GetExport(ctx context.Context, bundleID, format string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("bundle archive unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := s.client.Get(ctx, bundleExportKey(bundleID, format)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("export %s/%s: %w", bundleID, format, ErrBundleNotFound)
	}
	return data, err
}

// List returns archived bundle metadata newest first, optionally filtered by
// tenant. A cursor of zero starts from the newest entry.
func (s *RedisStore) List(ctx context.Context, tenant string, cursorUnix, limit int64) ([]Metadata, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("bundle archive unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	max := "+inf"
	if cursorUnix > 0 {
		max = fmt.Sprintf("%d", cursorUnix)
	}
	// Over-fetch to survive tenant filtering, then cut to limit.
	fetch := limit
	if tenant != "" {
		fetch = limit * 4
	}
	ids, err := s.client.ZRevRangeByScore(ctx, bundleIndexKey, &redis.ZRangeBy{
		Max:   max,
		Min:   "-inf",
		Count: fetch,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, limit)
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, bundleMetaKey(id))
	}
	_, _ = pipe.Exec(ctx)

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if tenant != "" && meta.Tenant != tenant {
			continue
		}
		out = append(out, meta)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) ttlFor(retention RetentionClass) time.Duration {
	switch retention {
	case RetentionShort:
		return s.ttlShort
	case RetentionAudit:
		return s.ttlAudit
	default:
		return s.ttlStandard
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// MakeBundleKey constructs the redis key for an archived bundle.
func MakeBundleKey(bundleID string) string {
	return "myc:bundle:" + bundleID
}

func bundleMetaKey(bundleID string) string {
	return "myc:bundle:meta:" + bundleID
}

func bundleExportKey(bundleID, format string) string {
	return "myc:bundle:export:" + bundleID + ":" + format
}
