package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuarantineEntry captures a record submission that failed normalization.
type QuarantineEntry struct {
	EnvelopeID string    `json:"envelope_id"`
	Phase      int       `json:"phase,omitempty"`
	Tenant     string    `json:"tenant,omitempty"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Raw        []byte    `json:"raw,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QuarantineStore persists quarantined submissions in Redis.
type QuarantineStore struct {
	client redis.UniversalClient
}

func NewQuarantineStore(url string) (*QuarantineStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &QuarantineStore{client: client}, nil
}

// NewQuarantineStoreWithClient wraps an existing Redis client.
func NewQuarantineStoreWithClient(client redis.UniversalClient) *QuarantineStore {
	return &QuarantineStore{client: client}
}

func (s *QuarantineStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Quarantine appends an entry and maintains a sorted index.
func (s *QuarantineStore) Quarantine(ctx context.Context, envelopeID string, phase int, tenant, code, reason string, raw []byte) error {
	return s.Add(ctx, QuarantineEntry{
		EnvelopeID: envelopeID,
		Phase:      phase,
		Tenant:     tenant,
		Code:       code,
		Reason:     reason,
		Raw:        raw,
	})
}

// Add stores a full quarantine entry.
func (s *QuarantineStore) Add(ctx context.Context, entry QuarantineEntry) error {
	if entry.EnvelopeID == "" {
		return fmt.Errorf("envelope id required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, quarantineEntryKey(entry.EnvelopeID), data, 0)
	pipe.ZAdd(ctx, quarantineIndexKey(), redis.Z{Score: float64(entry.CreatedAt.Unix()), Member: entry.EnvelopeID})
	pipe.ZRemRangeByRank(ctx, quarantineIndexKey(), 0, -1001) // keep last ~1000
	_, err = pipe.Exec(ctx)
	return err
}

// List returns recent quarantine entries.
func (s *QuarantineStore) List(ctx context.Context, limit int64) ([]QuarantineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, quarantineIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchEntries(ctx, ids)
}

// ListByScore returns quarantine entries before the given cursor timestamp (unix seconds).
func (s *QuarantineStore) ListByScore(ctx context.Context, cursorUnix int64, limit int64) ([]QuarantineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursorUnix <= 0 {
		cursorUnix = time.Now().UTC().Unix()
	}
	ids, err := s.client.ZRevRangeByScore(ctx, quarantineIndexKey(), &redis.ZRangeBy{
		Max:    fmt.Sprintf("%d", cursorUnix),
		Min:    "-inf",
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchEntries(ctx, ids)
}

func (s *QuarantineStore) fetchEntries(ctx context.Context, ids []string) ([]QuarantineEntry, error) {
	if len(ids) == 0 {
		return []QuarantineEntry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, quarantineEntryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]QuarantineEntry, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var e QuarantineEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns a single quarantine entry.
func (s *QuarantineStore) Get(ctx context.Context, envelopeID string) (*QuarantineEntry, error) {
	if envelopeID == "" {
		return nil, fmt.Errorf("envelope id required")
	}
	data, err := s.client.Get(ctx, quarantineEntryKey(envelopeID)).Bytes()
	if err != nil {
		return nil, err
	}
	var e QuarantineEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes an entry.
func (s *QuarantineStore) Delete(ctx context.Context, envelopeID string) error {
	if envelopeID == "" {
		return fmt.Errorf("envelope id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, quarantineEntryKey(envelopeID))
	pipe.ZRem(ctx, quarantineIndexKey(), envelopeID)
	_, err := pipe.Exec(ctx)
	return err
}

func quarantineEntryKey(envelopeID string) string {
	return "myc:quarantine:entry:" + envelopeID
}

func quarantineIndexKey() string {
	return "myc:quarantine:index"
}
