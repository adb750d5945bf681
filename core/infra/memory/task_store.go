package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/infra/redisutil"
)

const (
	taskMetaKeyPrefix   = "myc:task:meta:"
	taskEventsKeyPrefix = "myc:task:events:"
	taskByRecordPrefix  = "myc:task:by_record:"
	taskRecentKey       = "myc:task:recent"
	taskExpiryKey       = "myc:task:expiry"

	metaFieldState           = "state"
	metaFieldUpdatedAt       = "updated_at"
	metaFieldCreatedAt       = "created_at"
	metaFieldRecordID        = "record_id"
	metaFieldPhase           = "phase"
	metaFieldPhaseSlug       = "phase_slug"
	metaFieldFamily          = "family"
	metaFieldSeverity        = "severity"
	metaFieldTenant          = "tenant"
	metaFieldFacility        = "facility"
	metaFieldTitle           = "title"
	metaFieldDetail          = "detail"
	metaFieldAssignee        = "assignee"
	metaFieldEscalated       = "escalated"
	metaFieldLabels          = "labels"
	metaFieldNote            = "note"
	metaFieldDismissReason   = "dismiss_reason"
	metaFieldAckDeadline     = "ack_deadline"
	metaFieldResolveDeadline = "resolve_deadline"
	metaFieldSourceExpiry    = "source_expiry"

	envTaskMetaTTL        = "TASK_META_TTL"
	envTaskMetaTTLSeconds = "TASK_META_TTL_SECONDS"

	recentTasksMaxLen = 1000
)

// Tasks outlive the longest resolve SLA by a wide margin before expiring.
var defaultTaskMetaTTL = 90 * 24 * time.Hour

var (
	terminalTaskStates = map[actionengine.TaskState]bool{
		actionengine.TaskStateResolved:  true,
		actionengine.TaskStateDismissed: true,
	}
	allowedTransitions = map[actionengine.TaskState][]actionengine.TaskState{
		actionengine.TaskStateNew:          {actionengine.TaskStateAcknowledged, actionengine.TaskStateAssigned, actionengine.TaskStateDismissed},
		actionengine.TaskStateAcknowledged: {actionengine.TaskStateAssigned, actionengine.TaskStateDismissed},
		actionengine.TaskStateAssigned:     {actionengine.TaskStateInProgress, actionengine.TaskStateAssigned, actionengine.TaskStateDismissed},
		actionengine.TaskStateInProgress:   {actionengine.TaskStateResolved, actionengine.TaskStateAssigned, actionengine.TaskStateDismissed},
		actionengine.TaskStateResolved:     {},
		actionengine.TaskStateDismissed:    {},
	}
)

// RedisTaskStore implements actionengine.TaskStore backed by Redis.
type RedisTaskStore struct {
	client  redis.UniversalClient
	metaTTL time.Duration
}

// NewRedisTaskStore constructs a Redis-backed TaskStore using a redis:// URL.
func NewRedisTaskStore(url string) (*RedisTaskStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	ttl := defaultTaskMetaTTL
	if v := os.Getenv(envTaskMetaTTLSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envTaskMetaTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisTaskStore{client: client, metaTTL: ttl}, nil
}

// NewRedisTaskStoreWithClient wraps an existing Redis client.
func NewRedisTaskStoreWithClient(client redis.UniversalClient) *RedisTaskStore {
	return &RedisTaskStore{client: client, metaTTL: defaultTaskMetaTTL}
}

func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

func (s *RedisTaskStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis task store not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// CreateTask persists a new task in state NEW and maintains all indexes.
// At most one task is created per source record.
func (s *RedisTaskStore) CreateTask(ctx context.Context, task actionengine.ActionTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id required")
	}
	if task.Tenant == "" {
		return fmt.Errorf("task tenant required")
	}
	if task.State == "" {
		task.State = actionengine.TaskStateNew
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if task.RecordID != "" {
		ok, err := s.client.SetNX(ctx, taskByRecordKey(task.RecordID), task.ID, s.metaTTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s: %w", task.RecordID, actionengine.ErrDuplicateRecord)
		}
	}

	fields := map[string]any{
		metaFieldState:     string(task.State),
		metaFieldUpdatedAt: task.UpdatedAt,
		metaFieldCreatedAt: task.CreatedAt,
		metaFieldRecordID:  task.RecordID,
		metaFieldPhase:     task.Phase,
		metaFieldPhaseSlug: task.PhaseSlug,
		metaFieldFamily:    task.Family,
		metaFieldSeverity:  task.Severity,
		metaFieldTenant:    task.Tenant,
		metaFieldFacility:  task.Facility,
		metaFieldTitle:     task.Title,
		metaFieldDetail:    task.Detail,
	}
	if len(task.Labels) > 0 {
		if data, err := json.Marshal(task.Labels); err == nil {
			fields[metaFieldLabels] = string(data)
		}
	}
	if task.AckDeadlineUnix > 0 {
		fields[metaFieldAckDeadline] = task.AckDeadlineUnix
	}
	if task.ResolveDeadlineUnix > 0 {
		fields[metaFieldResolveDeadline] = task.ResolveDeadlineUnix
	}
	if task.SourceExpiryUnix > 0 {
		fields[metaFieldSourceExpiry] = task.SourceExpiryUnix
	}

	metaKey := taskMetaKey(task.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, metaKey, fields)
	pipe.ZAdd(ctx, stateIndexKey(task.State), redis.Z{Score: float64(now), Member: task.ID})
	pipe.ZAdd(ctx, taskRecentKey, redis.Z{Score: float64(now), Member: task.ID})
	pipe.ZRemRangeByRank(ctx, taskRecentKey, 0, -recentTasksMaxLen-1)
	pipe.SAdd(ctx, openTasksKey(task.Tenant), task.ID)
	if task.AckDeadlineUnix > 0 {
		pipe.ZAdd(ctx, deadlineIndexKey(actionengine.DeadlineAck), redis.Z{Score: float64(task.AckDeadlineUnix), Member: task.ID})
	}
	if task.ResolveDeadlineUnix > 0 {
		pipe.ZAdd(ctx, deadlineIndexKey(actionengine.DeadlineResolve), redis.Z{Score: float64(task.ResolveDeadlineUnix), Member: task.ID})
	}
	if task.SourceExpiryUnix > 0 {
		pipe.ZAdd(ctx, taskExpiryKey, redis.Z{Score: float64(task.SourceExpiryUnix), Member: task.ID})
	}
	pipe.RPush(ctx, taskEventsKey(task.ID), eventEntry(now, task.State, ""))
	if s.metaTTL > 0 {
		pipe.Expire(ctx, metaKey, s.metaTTL)
		pipe.Expire(ctx, taskEventsKey(task.ID), s.metaTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ApplyTransition performs a checked state change. Same-state transitions are
// no-ops, except reassignment which updates the assignee.
func (s *RedisTaskStore) ApplyTransition(ctx context.Context, taskID string, tr actionengine.Transition) (actionengine.ActionTask, error) {
	if taskID == "" {
		return actionengine.ActionTask{}, fmt.Errorf("task id required")
	}
	if !actionengine.ValidState(tr.To) {
		return actionengine.ActionTask{}, fmt.Errorf("state %q: %w", tr.To, actionengine.ErrInvalidTransition)
	}
	metaKey := taskMetaKey(taskID)

	var result actionengine.ActionTask
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		if len(meta) == 0 {
			return fmt.Errorf("task %s: %w", taskID, actionengine.ErrUnknownTask)
		}
		task := taskFromMeta(taskID, meta)
		prev := task.State

		if prev == tr.To {
			reassign := tr.To == actionengine.TaskStateAssigned && tr.Assignee != "" && tr.Assignee != task.Assignee
			if !reassign {
				result = task
				return nil
			}
		} else {
			if terminalTaskStates[prev] {
				return fmt.Errorf("task %s is %s: %w", taskID, prev, actionengine.ErrTerminalState)
			}
			if !isAllowedTransition(prev, tr.To) {
				return fmt.Errorf("%s -> %s: %w", prev, tr.To, actionengine.ErrInvalidTransition)
			}
		}
		if tr.To == actionengine.TaskStateAssigned && tr.Assignee == "" {
			return actionengine.ErrAssigneeRequired
		}

		now := time.Now().Unix()
		task.State = tr.To
		task.UpdatedAt = now
		fields := map[string]any{
			metaFieldState:     string(tr.To),
			metaFieldUpdatedAt: now,
		}
		if tr.Assignee != "" {
			task.Assignee = tr.Assignee
			fields[metaFieldAssignee] = tr.Assignee
		}
		if tr.Note != "" {
			task.Note = tr.Note
			fields[metaFieldNote] = tr.Note
		}
		if tr.To == actionengine.TaskStateDismissed && tr.Reason != "" {
			task.DismissReason = tr.Reason
			fields[metaFieldDismissReason] = tr.Reason
		}

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, fields)
		if prev != tr.To {
			pipe.ZRem(ctx, stateIndexKey(prev), taskID)
		}
		pipe.ZAdd(ctx, stateIndexKey(tr.To), redis.Z{Score: float64(now), Member: taskID})
		pipe.ZAdd(ctx, taskRecentKey, redis.Z{Score: float64(now), Member: taskID})
		pipe.ZRemRangeByRank(ctx, taskRecentKey, 0, -recentTasksMaxLen-1)
		pipe.RPush(ctx, taskEventsKey(taskID), eventEntry(now, tr.To, tr.Actor))

		// The ack clock stops once the task is being worked.
		switch tr.To {
		case actionengine.TaskStateAssigned, actionengine.TaskStateInProgress:
			pipe.ZRem(ctx, deadlineIndexKey(actionengine.DeadlineAck), taskID)
		}
		if terminalTaskStates[tr.To] {
			pipe.ZRem(ctx, deadlineIndexKey(actionengine.DeadlineAck), taskID)
			pipe.ZRem(ctx, deadlineIndexKey(actionengine.DeadlineResolve), taskID)
			pipe.ZRem(ctx, taskExpiryKey, taskID)
			pipe.SRem(ctx, openTasksKey(task.Tenant), taskID)
		}
		if s.metaTTL > 0 {
			pipe.Expire(ctx, metaKey, s.metaTTL)
			pipe.Expire(ctx, taskEventsKey(taskID), s.metaTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = task
		return nil
	}, metaKey)
	return result, err
}

func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (actionengine.ActionTask, error) {
	if taskID == "" {
		return actionengine.ActionTask{}, fmt.Errorf("task id required")
	}
	meta, err := s.client.HGetAll(ctx, taskMetaKey(taskID)).Result()
	if err != nil {
		return actionengine.ActionTask{}, err
	}
	if len(meta) == 0 {
		return actionengine.ActionTask{}, fmt.Errorf("task %s: %w", taskID, actionengine.ErrUnknownTask)
	}
	return taskFromMeta(taskID, meta), nil
}

func (s *RedisTaskStore) GetState(ctx context.Context, taskID string) (actionengine.TaskState, error) {
	val, err := s.client.HGet(ctx, taskMetaKey(taskID), metaFieldState).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("task %s: %w", taskID, actionengine.ErrUnknownTask)
	}
	if err != nil {
		return "", err
	}
	return actionengine.TaskState(val), nil
}

// ListRecentTasks returns the N most recently updated tasks.
func (s *RedisTaskStore) ListRecentTasks(ctx context.Context, limit int64) ([]actionengine.ActionTask, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.client.ZRevRangeWithScores(ctx, taskRecentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.buildTasks(ctx, members)
}

// ListRecentTasksByScore returns tasks at or below the provided updated_at
// cursor ordered desc.
func (s *RedisTaskStore) ListRecentTasksByScore(ctx context.Context, cursorUnix, limit int64) ([]actionengine.ActionTask, error) {
	if limit <= 0 {
		limit = 50
	}
	max := "+inf"
	if cursorUnix > 0 {
		max = fmt.Sprintf("%d", cursorUnix)
	}
	members, err := s.client.ZRevRangeByScoreWithScores(ctx, taskRecentKey, &redis.ZRangeBy{
		Max:   max,
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.buildTasks(ctx, members)
}

// ListTasksByState returns tasks in the given state last updated at or before
// the given unix timestamp.
func (s *RedisTaskStore) ListTasksByState(ctx context.Context, state actionengine.TaskState, updatedBeforeUnix, limit int64) ([]actionengine.ActionTask, error) {
	if !actionengine.ValidState(state) {
		return nil, fmt.Errorf("unknown state %s", state)
	}
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScoreWithScores(ctx, stateIndexKey(state), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", updatedBeforeUnix),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.buildTasks(ctx, members)
}

// ListExpiredDeadlines returns tasks whose ack or resolve deadline has passed.
func (s *RedisTaskStore) ListExpiredDeadlines(ctx context.Context, kind string, nowUnix, limit int64) ([]actionengine.ActionTask, error) {
	if kind != actionengine.DeadlineAck && kind != actionengine.DeadlineResolve {
		return nil, fmt.Errorf("unknown deadline kind %s", kind)
	}
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScoreWithScores(ctx, deadlineIndexKey(kind), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", nowUnix),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.buildTasks(ctx, members)
}

// ListExpiredSources returns tasks whose source record expired.
func (s *RedisTaskStore) ListExpiredSources(ctx context.Context, nowUnix, limit int64) ([]actionengine.ActionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScoreWithScores(ctx, taskExpiryKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", nowUnix),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.buildTasks(ctx, members)
}

// MarkEscalated flags the task and drops it from the deadline index so each
// deadline escalates at most once.
func (s *RedisTaskStore) MarkEscalated(ctx context.Context, taskID, kind string) error {
	if taskID == "" {
		return fmt.Errorf("task id required")
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskMetaKey(taskID), metaFieldEscalated, 1)
	pipe.ZRem(ctx, deadlineIndexKey(kind), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// TaskEvents returns the state history for a task.
func (s *RedisTaskStore) TaskEvents(ctx context.Context, taskID string) ([]actionengine.TaskEventEntry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id required")
	}
	raw, err := s.client.LRange(ctx, taskEventsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]actionengine.TaskEventEntry, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) < 2 {
			continue
		}
		at, _ := strconv.ParseInt(parts[0], 10, 64)
		ev := actionengine.TaskEventEntry{At: at, State: actionengine.TaskState(parts[1])}
		if len(parts) == 3 {
			ev.Actor = parts[2]
		}
		out = append(out, ev)
	}
	return out, nil
}

// CountOpenByTenant returns the number of non-terminal tasks for a tenant.
func (s *RedisTaskStore) CountOpenByTenant(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, fmt.Errorf("tenant required")
	}
	n, err := s.client.SCard(ctx, openTasksKey(tenant)).Result()
	return int(n), err
}

// TryAcquireLock attempts to acquire a distributed lock with TTL; returns true if acquired.
func (s *RedisTaskStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}

// ReleaseLock releases a distributed lock.
func (s *RedisTaskStore) ReleaseLock(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.client.Del(ctx, key).Result()
	return err
}

// TaskForRecord returns the task id opened for a record, if any.
func (s *RedisTaskStore) TaskForRecord(ctx context.Context, recordID string) (string, error) {
	if recordID == "" {
		return "", fmt.Errorf("record id required")
	}
	id, err := s.client.Get(ctx, taskByRecordKey(recordID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (s *RedisTaskStore) buildTasks(ctx context.Context, members []redis.Z) ([]actionengine.ActionTask, error) {
	out := make([]actionengine.ActionTask, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}

	// Batch fetch metadata to avoid N+1 round trips.
	pipe := s.client.Pipeline()
	metaCmds := make(map[string]*redis.MapStringStringCmd, len(members))
	for _, m := range members {
		taskID, ok := m.Member.(string)
		if !ok || taskID == "" {
			continue
		}
		metaCmds[taskID] = pipe.HGetAll(ctx, taskMetaKey(taskID))
	}
	_, _ = pipe.Exec(ctx)

	for _, m := range members {
		taskID, ok := m.Member.(string)
		if !ok || taskID == "" {
			continue
		}
		meta, _ := metaCmds[taskID].Result()
		if len(meta) == 0 {
			continue
		}
		out = append(out, taskFromMeta(taskID, meta))
	}
	return out, nil
}

func taskFromMeta(taskID string, meta map[string]string) actionengine.ActionTask {
	phase, _ := strconv.Atoi(meta[metaFieldPhase])
	createdAt, _ := strconv.ParseInt(meta[metaFieldCreatedAt], 10, 64)
	updatedAt, _ := strconv.ParseInt(meta[metaFieldUpdatedAt], 10, 64)
	ackDeadline, _ := strconv.ParseInt(meta[metaFieldAckDeadline], 10, 64)
	resolveDeadline, _ := strconv.ParseInt(meta[metaFieldResolveDeadline], 10, 64)
	sourceExpiry, _ := strconv.ParseInt(meta[metaFieldSourceExpiry], 10, 64)

	var labels map[string]string
	if raw := meta[metaFieldLabels]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &labels)
	}

	return actionengine.ActionTask{
		ID:                  taskID,
		RecordID:            meta[metaFieldRecordID],
		Phase:               phase,
		PhaseSlug:           meta[metaFieldPhaseSlug],
		Family:              meta[metaFieldFamily],
		Severity:            meta[metaFieldSeverity],
		Tenant:              meta[metaFieldTenant],
		Facility:            meta[metaFieldFacility],
		Title:               meta[metaFieldTitle],
		Detail:              meta[metaFieldDetail],
		State:               actionengine.TaskState(meta[metaFieldState]),
		Assignee:            meta[metaFieldAssignee],
		Escalated:           meta[metaFieldEscalated] == "1",
		Labels:              labels,
		Note:                meta[metaFieldNote],
		DismissReason:       meta[metaFieldDismissReason],
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
		AckDeadlineUnix:     ackDeadline,
		ResolveDeadlineUnix: resolveDeadline,
		SourceExpiryUnix:    sourceExpiry,
	}
}

func eventEntry(atUnix int64, state actionengine.TaskState, actor string) string {
	return fmt.Sprintf("%d|%s|%s", atUnix, state, actor)
}

func taskMetaKey(taskID string) string {
	return taskMetaKeyPrefix + taskID
}

func taskEventsKey(taskID string) string {
	return taskEventsKeyPrefix + taskID
}

func taskByRecordKey(recordID string) string {
	return taskByRecordPrefix + recordID
}

func openTasksKey(tenant string) string {
	return "myc:task:open:" + tenant
}

func stateIndexKey(state actionengine.TaskState) string {
	return "myc:task:index:" + strings.ToLower(string(state))
}

func deadlineIndexKey(kind string) string {
	return "myc:task:deadline:" + kind
}

func isAllowedTransition(from, to actionengine.TaskState) bool {
	if from == to {
		return true
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, target := range allowed {
		if target == to {
			return true
		}
	}
	return false
}
