package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/infra/redisutil"
)

const defaultTTL = 30 * time.Second

// RedisStore implements Store with atomic Lua transitions so concurrent
// operators never observe a half-updated lock document.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire attempts to take a shared or exclusive lock on a resource. The
// second return is false when the lock is contended.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (*Lock, bool, error) {
	resource, owner, err := s.checkArgs(resource, owner)
	if err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := s.eval(ctx, acquireScript, resource,
		string(normalizeMode(mode)), owner, ttl.Milliseconds(), time.Now().UTC().Unix())
	if err != nil {
		return nil, false, err
	}
	if payload == "" {
		return nil, false, nil
	}
	lock, err := parseLock(payload, resource)
	return lock, err == nil, err
}

// Release removes the caller from a lock. The lock document is deleted once
// the last owner releases.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (*Lock, bool, error) {
	resource, owner, err := s.checkArgs(resource, owner)
	if err != nil {
		return nil, false, err
	}
	payload, err := s.eval(ctx, releaseScript, resource, owner, time.Now().UTC().Unix())
	if err != nil {
		return nil, false, err
	}
	if payload == "" {
		return nil, true, nil
	}
	lock, err := parseLock(payload, resource)
	return lock, err == nil, err
}

// Renew extends a lock TTL when the owner still holds it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	resource, owner, err := s.checkArgs(resource, owner)
	if err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := s.eval(ctx, renewScript, resource, owner, ttl.Milliseconds(), time.Now().UTC().Unix())
	if err != nil {
		return nil, false, err
	}
	if payload == "" {
		return nil, false, nil
	}
	lock, err := parseLock(payload, resource)
	return lock, err == nil, err
}

// Get returns the current lock state for a resource.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err != nil {
		return nil, err
	}
	return parseLock(payload, resource)
}

func (s *RedisStore) checkArgs(resource, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func (s *RedisStore) eval(ctx context.Context, script, resource string, args ...any) (string, error) {
	res, err := s.client.Eval(ctx, script, []string{lockKey(resource)}, args...).Result()
	if err != nil {
		return "", err
	}
	payload, _ := res.(string)
	return payload, nil
}

func normalizeMode(mode Mode) Mode {
	if mode == ModeShared {
		return ModeShared
	}
	return ModeExclusive
}

type lockPayload struct {
	Mode      string         `json:"mode"`
	Owners    map[string]int `json:"owners"`
	UpdatedAt int64          `json:"updated_at"`
	ExpiresAt int64          `json:"expires_at"`
}

func parseLock(payload, resource string) (*Lock, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		Resource: resource,
		Mode:     Mode(decoded.Mode),
		Owners:   decoded.Owners,
	}
	if decoded.UpdatedAt > 0 {
		lock.UpdatedAt = time.Unix(decoded.UpdatedAt, 0).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lock.ExpiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	return lock, nil
}

func lockKey(resource string) string {
	return "myc:lock:" + resource
}

const acquireScript = `
local key = KEYS[1]
local mode = ARGV[1]
local owner = ARGV[2]
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local payload = redis.call("GET", key)
if not payload then
  local lock = {mode = mode, owners = {[owner] = 1}, updated_at = now, expires_at = now + math.floor(ttl/1000)}
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
local currentMode = lock["mode"] or "exclusive"
if currentMode == "exclusive" then
  if owners[owner] then
    owners[owner] = owners[owner] + 1
    lock["owners"] = owners
    lock["updated_at"] = now
    lock["expires_at"] = now + math.floor(ttl/1000)
    local encoded = cjson.encode(lock)
    redis.call("SET", key, encoded, "PX", ttl)
    return encoded
  end
  return ""
end
if mode == "shared" then
  owners[owner] = (owners[owner] or 0) + 1
  lock["owners"] = owners
  lock["updated_at"] = now
  lock["expires_at"] = now + math.floor(ttl/1000)
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
local count = 0
local onlyOwner = true
for k, _ in pairs(owners) do
  count = count + 1
  if k ~= owner then
    onlyOwner = false
  end
end
if onlyOwner and count > 0 then
  lock["mode"] = "exclusive"
  owners[owner] = (owners[owner] or 0) + 1
  lock["owners"] = owners
  lock["updated_at"] = now
  lock["expires_at"] = now + math.floor(ttl/1000)
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
return ""
`

const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
local count = owners[owner]
if not count then
  return payload
end
if count <= 1 then
  owners[owner] = nil
else
  owners[owner] = count - 1
end
if next(owners) == nil then
  redis.call("DEL", key)
  return ""
end
lock["owners"] = owners
lock["updated_at"] = now
local ttl = redis.call("PTTL", key)
if ttl > 0 then
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
local encoded = cjson.encode(lock)
redis.call("SET", key, encoded)
return encoded
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
if not owners[owner] then
  return ""
end
lock["updated_at"] = now
lock["expires_at"] = now + math.floor(ttl/1000)
local encoded = cjson.encode(lock)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`
