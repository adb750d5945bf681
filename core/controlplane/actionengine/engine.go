// Package actionengine is the Action Center: it turns phase records into
// normalized records and remediation tasks, and owns every task lifecycle
// transition. Records arrive on record.<slug>, lifecycle commands on
// sys.task.command; the engine is the single writer of the task store.
package actionengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/infra/schema"
	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

const (
	actionQueue     = "mycelia-action-engine"
	defaultSenderID = "mycelia-action-engine"
	storeOpTimeout  = 2 * time.Second

	// Redelivered envelopes inside this window ack without side effects.
	ingestDedupeTTL = 15 * time.Minute
	commandLockTTL  = 30 * time.Second
	transientDelay  = 5 * time.Second
)

// AccessChecker evaluates access decisions for ingest and lifecycle commands.
// Satisfied by policy.Checker.
type AccessChecker interface {
	Evaluate(ctx context.Context, in policy.AccessInput) policy.AccessDecision
}

// SchemaSource resolves registered phase payload schemas. Satisfied by
// schema.Registry. A nil source or a missing schema skips validation so an
// unseeded registry never blocks ingest.
type SchemaSource interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// SLASource provides per-severity acknowledgement and resolution deadlines.
// Satisfied by config.TimeoutsConfig.
type SLASource interface {
	AckDeadline(severity string) time.Duration
	ResolveDeadline(severity string) time.Duration
}

// Engine wires bus subscriptions, the router, policy checks, and stores into
// the record-to-task pipeline.
type Engine struct {
	bus        Bus
	router     *ingest.Router
	access     AccessChecker
	tasks      TaskStore
	records    RecordSink
	quarantine QuarantineSink
	schemas    SchemaSource
	slas       SLASource
	metrics    Metrics
	auditor    Auditor
	source     string
}

func NewEngine(b Bus, router *ingest.Router, access AccessChecker, tasks TaskStore, records RecordSink, quarantine QuarantineSink, slas SLASource, metrics Metrics, auditor Auditor) *Engine {
	return &Engine{
		bus:        b,
		router:     router,
		access:     access,
		tasks:      tasks,
		records:    records,
		quarantine: quarantine,
		slas:       slas,
		metrics:    metrics,
		auditor:    auditor,
		source:     defaultSenderID,
	}
}

// WithSchemas attaches a phase payload schema source.
func (e *Engine) WithSchemas(s SchemaSource) *Engine {
	e.schemas = s
	return e
}

// Start registers the engine's bus subscriptions.
func (e *Engine) Start() error {
	if err := e.bus.Subscribe(wire.RecordSubjectPrefix+">", actionQueue, e.HandleRecord); err != nil {
		return fmt.Errorf("subscribe records: %w", err)
	}
	if err := e.bus.Subscribe(wire.SubjectTaskCommand, actionQueue, e.HandleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", wire.SubjectTaskCommand, err)
	}
	return nil
}

// StartHeartbeats announces the engine on sys.heartbeat until ctx is done.
func (e *Engine) StartHeartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.beat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) beat() {
	env, err := wire.NewEnvelope(wire.KindHeartbeat, e.source, wire.Heartbeat{
		Name:    e.source,
		Healthy: true,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(wire.SubjectHeartbeat, env); err != nil {
		logging.Error("action-engine", "heartbeat publish failed", "error", err)
	}
}

// HandleRecord processes one phase record envelope: schema-validate,
// normalize, policy-check, persist, and open a task when actionable.
// Malformed input quarantines and acks; only store or bus trouble retries.
func (e *Engine) HandleRecord(env *wire.Envelope) error {
	if env == nil || env.Kind != wire.KindPhaseRecord {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var rec wire.PhaseRecord
	if err := env.Decode(&rec); err != nil {
		e.quarantineEnvelope(ctx, env.ID, 0, env.Tenant, "bad_envelope", err.Error(), env.Payload)
		return nil
	}

	// Idempotency guard: JetStream redeliveries of the same envelope ack
	// without side effects.
	fresh, err := e.tasks.TryAcquireLock(ctx, ingestLockKey(env.ID), ingestDedupeTTL)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("ingest dedupe check: %w", err), transientDelay)
	}
	if !fresh {
		return nil
	}

	if reason, violated := e.validateAgainstSchema(ctx, rec); violated {
		e.quarantineEnvelope(ctx, env.ID, rec.Phase, env.Tenant, "schema_violation", reason, rec.Body)
		return nil
	}

	normalized, err := e.router.Normalize(rec, time.Now())
	if err != nil {
		code := ingest.QuarantineCode(err)
		e.quarantineEnvelope(ctx, env.ID, rec.Phase, env.Tenant, code, err.Error(), rec.Body)
		return nil
	}

	actor := env.Source
	if actor == "" {
		actor = "ingest"
	}
	decision := e.access.Evaluate(ctx, policy.AccessInput{
		Actor:  policy.Actor{ID: actor, Role: policy.RoleOperator, Tenant: normalized.Scope.Tenant},
		Action: policy.ActionIngest,
		Scope:  normalized.Scope,
		Phase:  normalized.Phase,
	})
	if !decision.Allowed() {
		e.audit(ctx, audit.CategoryIngest, "ingest", audit.OutcomeDenied, normalized.Scope, actor, normalized.ID, map[string]string{
			"phase":  strconv.Itoa(normalized.Phase),
			"reason": decision.Reason,
			"rule":   decision.RuleID,
		})
		return nil
	}

	if err := e.records.PutRecord(ctx, *normalized, rec.Body); err != nil {
		// Release the dedupe guard so the redelivery is processed.
		_ = e.tasks.ReleaseLock(ctx, ingestLockKey(env.ID))
		return bus.RetryAfter(fmt.Errorf("persist record %s: %w", normalized.ID, err), transientDelay)
	}

	slug := e.slugFor(normalized.Phase)
	e.incRecordsRouted(slug)

	detail := map[string]string{"phase": strconv.Itoa(normalized.Phase), "family": normalized.Family}
	if normalized.Actionable() {
		task := e.taskFor(normalized, time.Now())
		err := e.tasks.CreateTask(ctx, task)
		switch {
		case errors.Is(err, ErrDuplicateRecord):
			// A prior delivery already opened the task.
		case err != nil:
			// Release the dedupe guard so the redelivery opens the task.
			_ = e.tasks.ReleaseLock(ctx, ingestLockKey(env.ID))
			return bus.RetryAfter(fmt.Errorf("create task for record %s: %w", normalized.ID, err), transientDelay)
		default:
			detail["task_id"] = task.ID
			e.incTasksOpened(task.Severity)
			e.publishTaskEvent(task, wire.TaskEventCreated, "")
		}
	}
	e.audit(ctx, audit.CategoryIngest, "ingest", audit.OutcomeOK, normalized.Scope, actor, normalized.ID, detail)

	logging.Info("action-engine", "record routed",
		"record_id", normalized.ID,
		"phase", normalized.Phase,
		"family", normalized.Family,
		"severity", normalized.Severity,
		"tenant", normalized.Scope.Tenant,
	)
	return nil
}

// HandleCommand applies one lifecycle command. Unknown tasks and illegal
// transitions are terminal failures; only store trouble retries.
func (e *Engine) HandleCommand(env *wire.Envelope) error {
	if env == nil || env.Kind != wire.KindTaskCommand {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var cmd wire.TaskCommand
	if err := env.Decode(&cmd); err != nil {
		logging.Error("action-engine", "bad task command", "envelope_id", env.ID, "error", err)
		return nil
	}
	target, ok := StateForOp(cmd.Op)
	if !ok || cmd.TaskID == "" {
		logging.Error("action-engine", "invalid task command", "task_id", cmd.TaskID, "op", cmd.Op)
		return nil
	}

	task, err := e.tasks.GetTask(ctx, cmd.TaskID)
	if errors.Is(err, ErrUnknownTask) {
		e.audit(ctx, audit.CategoryLifecycle, "task."+cmd.Op, audit.OutcomeFailed,
			wire.Scope{Tenant: cmd.Tenant}, cmd.Actor, cmd.TaskID,
			map[string]string{"reason": "unknown_task"})
		return nil
	}
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("load task %s: %w", cmd.TaskID, err), transientDelay)
	}

	role := cmd.Role
	if role == "" {
		role = "operator"
	}
	decision := e.access.Evaluate(ctx, policy.AccessInput{
		Actor:  policy.Actor{ID: cmd.Actor, Role: role, Tenant: cmd.Tenant},
		Action: "task." + cmd.Op,
		Scope:  task.Scope(),
		Phase:  task.Phase,
	})
	if !decision.Allowed() {
		e.audit(ctx, audit.CategoryLifecycle, "task."+cmd.Op, audit.OutcomeDenied, task.Scope(), cmd.Actor, task.ID, map[string]string{
			"reason": decision.Reason,
			"rule":   decision.RuleID,
		})
		return nil
	}

	// One engine at a time per task: the lock fences concurrent queue members.
	held, err := e.tasks.TryAcquireLock(ctx, commandLockKey(cmd.TaskID), commandLockTTL)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("task lock %s: %w", cmd.TaskID, err), transientDelay)
	}
	if !held {
		return bus.RetryAfter(fmt.Errorf("task %s locked", cmd.TaskID), transientDelay)
	}
	defer func() {
		rctx, rcancel := context.WithTimeout(context.Background(), storeOpTimeout)
		_ = e.tasks.ReleaseLock(rctx, commandLockKey(cmd.TaskID))
		rcancel()
	}()

	updated, err := e.tasks.ApplyTransition(ctx, cmd.TaskID, Transition{
		To:       target,
		Actor:    cmd.Actor,
		Assignee: cmd.Assignee,
		Note:     cmd.Note,
		Reason:   cmd.Reason,
	})
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalState), errors.Is(err, ErrAssigneeRequired):
		e.audit(ctx, audit.CategoryLifecycle, "task."+cmd.Op, audit.OutcomeFailed, task.Scope(), cmd.Actor, task.ID, map[string]string{
			"reason": err.Error(),
			"from":   string(task.State),
			"to":     string(target),
		})
		return nil
	case errors.Is(err, ErrUnknownTask):
		return nil
	case err != nil:
		return bus.RetryAfter(fmt.Errorf("transition task %s: %w", cmd.TaskID, err), transientDelay)
	}

	if IsTerminal(updated.State) {
		e.incTasksClosed(string(updated.State))
	}
	e.audit(ctx, audit.CategoryLifecycle, "task."+cmd.Op, audit.OutcomeOK, updated.Scope(), cmd.Actor, updated.ID, map[string]string{
		"from": string(task.State),
		"to":   string(updated.State),
	})
	e.publishTaskEvent(updated, wire.TaskEventTransition, cmd.Actor)

	logging.Info("action-engine", "task transitioned",
		"task_id", updated.ID,
		"op", cmd.Op,
		"from", string(task.State),
		"to", string(updated.State),
		"actor", cmd.Actor,
	)
	return nil
}

// taskFor shapes the action task a normalized record opens.
func (e *Engine) taskFor(rec *ingest.NormalizedRecord, now time.Time) ActionTask {
	task := ActionTask{
		ID:        uuid.NewString(),
		RecordID:  rec.ID,
		Phase:     rec.Phase,
		PhaseSlug: e.slugFor(rec.Phase),
		Family:    rec.Family,
		Severity:  rec.Severity,
		Tenant:    rec.Scope.Tenant,
		Facility:  rec.Scope.Facility,
		Title:     rec.Title,
		Detail:    rec.Detail,
		State:     TaskStateNew,
		Labels:    rec.Labels,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}
	if e.slas != nil {
		if d := e.slas.AckDeadline(rec.Severity); d > 0 {
			task.AckDeadlineUnix = now.Add(d).Unix()
		}
		if d := e.slas.ResolveDeadline(rec.Severity); d > 0 {
			task.ResolveDeadlineUnix = now.Add(d).Unix()
		}
	}
	if !rec.Expiry.IsZero() {
		task.SourceExpiryUnix = rec.Expiry.Unix()
	}
	return task
}

// validateAgainstSchema checks the record body against the registered phase
// schema. Missing schemas and registry trouble skip validation.
func (e *Engine) validateAgainstSchema(ctx context.Context, rec wire.PhaseRecord) (string, bool) {
	if e.schemas == nil {
		return "", false
	}
	phase, ok := e.router.Phase(rec.Phase)
	if !ok {
		return "", false // unknown phase quarantines during normalization
	}
	id := schema.PhaseSchemaID(phase.Slug)
	raw, err := e.schemas.Get(ctx, id)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	var body any
	if err := json.Unmarshal(rec.Body, &body); err != nil {
		return fmt.Sprintf("body not valid json: %v", err), true
	}
	if err := schema.ValidateSchema(id, raw, body); err != nil {
		return err.Error(), true
	}
	return "", false
}

func (e *Engine) quarantineEnvelope(ctx context.Context, envelopeID string, phase int, tenant, code, reason string, raw []byte) {
	if err := e.quarantine.Quarantine(ctx, envelopeID, phase, tenant, code, reason, raw); err != nil {
		logging.Error("action-engine", "quarantine failed", "envelope_id", envelopeID, "code", code, "error", err)
	}
	e.incRecordsQuarantined(e.slugFor(phase))
	e.audit(ctx, audit.CategoryIngest, "ingest", audit.OutcomeQuarantined,
		wire.Scope{Tenant: tenant}, "ingest", envelopeID,
		map[string]string{"code": code, "reason": reason})
	logging.Info("action-engine", "record quarantined", "envelope_id", envelopeID, "phase", phase, "code", code)
}

func (e *Engine) publishTaskEvent(task ActionTask, event, actor string) {
	env, err := wire.NewEnvelope(wire.KindTaskEvent, e.source, wire.TaskEvent{
		TaskID:   task.ID,
		Event:    event,
		State:    string(task.State),
		Phase:    task.Phase,
		Severity: task.Severity,
		Scope:    task.Scope(),
		Actor:    actor,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return
	}
	env.Tenant = task.Tenant
	if err := e.bus.Publish(wire.SubjectTaskEvent, env); err != nil {
		logging.Error("action-engine", "task event publish failed", "task_id", task.ID, "event", event, "error", err)
	}
}

func (e *Engine) slugFor(phase int) string {
	if p, ok := e.router.Phase(phase); ok {
		return p.Slug
	}
	return strconv.Itoa(phase)
}

func (e *Engine) audit(ctx context.Context, category, action, outcome string, scope wire.Scope, actor, subject string, detail map[string]string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(ctx, category, action, outcome, scope, actor, subject, detail)
}

func (e *Engine) incRecordsRouted(slug string) {
	if e.metrics != nil {
		e.metrics.IncRecordsRouted(slug)
	}
}

func (e *Engine) incRecordsQuarantined(slug string) {
	if e.metrics != nil {
		e.metrics.IncRecordsQuarantined(slug)
	}
}

func (e *Engine) incTasksOpened(severity string) {
	if e.metrics != nil {
		e.metrics.IncTasksOpened(severity)
	}
}

func (e *Engine) incTasksClosed(state string) {
	if e.metrics != nil {
		e.metrics.IncTasksClosed(state)
	}
}

func (e *Engine) incTasksEscalated(severity string) {
	if e.metrics != nil {
		e.metrics.IncTasksEscalated(severity)
	}
}

func ingestLockKey(envelopeID string) string {
	return "ingest:" + envelopeID
}

func commandLockKey(taskID string) string {
	return "cmd:" + taskID
}
