package actionengine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

const (
	sweepLockTTL   = 30 * time.Second
	sweepBatchSize = 200

	// ExpiredSourceReason marks tasks auto-dismissed because their source
	// record lapsed before anyone picked them up.
	ExpiredSourceReason = "expired_source"

	reconcilerActor = "reconciler"
)

// Reconciler periodically sweeps deadline indexes: overdue tasks escalate
// once, and still-unhandled tasks whose source record expired are dismissed.
type Reconciler struct {
	engine       *Engine
	store        TaskStore
	pollInterval time.Duration
}

func NewReconciler(engine *Engine, store TaskStore, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Reconciler{engine: engine, store: store, pollInterval: pollInterval}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep pass. A Redis lock keeps concurrent engine replicas
// from double-escalating.
func (r *Reconciler) Tick(ctx context.Context) {
	held, err := r.store.TryAcquireLock(ctx, "sweep", sweepLockTTL)
	if err != nil {
		logging.Error("reconciler", "sweep lock", "error", err)
		return
	}
	if !held {
		return
	}
	defer func() {
		_ = r.store.ReleaseLock(ctx, "sweep")
	}()

	now := time.Now()
	r.escalateOverdue(ctx, DeadlineAck, now)
	r.escalateOverdue(ctx, DeadlineResolve, now)
	r.dismissExpiredSources(ctx, now)
}

// escalateOverdue marks tasks past the given deadline kind. Escalation is
// metadata plus events, never a state change; MarkEscalated also drops the
// task from the deadline index so it fires exactly once.
func (r *Reconciler) escalateOverdue(ctx context.Context, kind string, now time.Time) {
	tasks, err := r.store.ListExpiredDeadlines(ctx, kind, now.Unix(), sweepBatchSize)
	if err != nil {
		logging.Error("reconciler", "list expired deadlines", "kind", kind, "error", err)
		return
	}
	for _, task := range tasks {
		if IsTerminal(task.State) || task.Escalated {
			if err := r.store.MarkEscalated(ctx, task.ID, kind); err != nil {
				logging.Error("reconciler", "drop deadline entry", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := r.store.MarkEscalated(ctx, task.ID, kind); err != nil {
			logging.Error("reconciler", "mark escalated", "task_id", task.ID, "error", err)
			continue
		}
		task.Escalated = true
		if r.engine != nil {
			r.engine.incTasksEscalated(task.Severity)
			r.engine.audit(ctx, audit.CategoryLifecycle, "task.escalate", audit.OutcomeOK,
				task.Scope(), reconcilerActor, task.ID,
				map[string]string{
					"deadline": kind,
					"severity": task.Severity,
					"state":    string(task.State),
					"phase":    strconv.Itoa(task.Phase),
				})
			r.engine.publishTaskEvent(task, wire.TaskEventEscalated, reconcilerActor)
		}
		logging.Info("reconciler", "task escalated", "task_id", task.ID, "deadline", kind, "severity", task.Severity)
	}
}

// dismissExpiredSources auto-dismisses NEW/ACKNOWLEDGED tasks whose source
// record expired. Anything already assigned keeps running: somebody is on it.
func (r *Reconciler) dismissExpiredSources(ctx context.Context, now time.Time) {
	tasks, err := r.store.ListExpiredSources(ctx, now.Unix(), sweepBatchSize)
	if err != nil {
		logging.Error("reconciler", "list expired sources", "error", err)
		return
	}
	for _, task := range tasks {
		if task.State != TaskStateNew && task.State != TaskStateAcknowledged {
			continue
		}
		updated, err := r.store.ApplyTransition(ctx, task.ID, Transition{
			To:     TaskStateDismissed,
			Actor:  reconcilerActor,
			Reason: ExpiredSourceReason,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrUnknownTask) {
				continue
			}
			logging.Error("reconciler", "dismiss expired source", "task_id", task.ID, "error", err)
			continue
		}
		if r.engine != nil {
			r.engine.incTasksClosed(string(updated.State))
			r.engine.audit(ctx, audit.CategoryLifecycle, "task.dismiss", audit.OutcomeOK,
				updated.Scope(), reconcilerActor, updated.ID,
				map[string]string{"reason": ExpiredSourceReason})
			r.engine.publishTaskEvent(updated, wire.TaskEventExpired, reconcilerActor)
		}
		logging.Info("reconciler", "task dismissed", "task_id", task.ID, "reason", ExpiredSourceReason)
	}
}
