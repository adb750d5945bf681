package reportengine

import (
	"context"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

const (
	scheduleBatchSize = 100
	schedulerActor    = "scheduler"
)

// StartSchedules fires due report schedules until the context is cancelled.
// Requires WithSchedules; without a store the loop returns immediately.
func (e *Engine) StartSchedules(ctx context.Context, interval time.Duration) {
	if e.schedules == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.FireDueSchedules(ctx, time.Now())
		}
	}
}

// FireDueSchedules enqueues an ordinary report request for every schedule
// whose next run has passed. Fired schedules advance one interval; a schedule
// that fails to enqueue keeps its due score and retries next tick.
func (e *Engine) FireDueSchedules(ctx context.Context, now time.Time) {
	due, err := e.schedules.Due(ctx, now, scheduleBatchSize)
	if err != nil {
		logging.Error("report-engine", "list due schedules", "error", err)
		return
	}
	for _, sched := range due {
		if err := e.fireSchedule(ctx, sched, now); err != nil {
			logging.Error("report-engine", "fire schedule", "schedule_id", sched.ID, "error", err)
			continue
		}
		if _, err := e.schedules.Advance(ctx, sched.ID, now); err != nil {
			logging.Error("report-engine", "advance schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}

func (e *Engine) fireSchedule(ctx context.Context, sched report.Schedule, now time.Time) error {
	preset := sched.Preset
	if preset == "" {
		preset = report.PresetLast24h
	}
	window, err := report.RangeForPreset(preset, now)
	if err != nil {
		return err
	}
	req := wire.ReportRequest{
		Scope:    sched.Scope,
		Category: sched.Category,
		Range:    window,
		Format:   sched.Format,
		Requester: wire.Requester{
			ID:     schedulerActor,
			Role:   policy.RoleOperator,
			Tenant: sched.Scope.Tenant,
		},
	}
	env, err := wire.NewEnvelope(wire.KindReportRequest, e.source, req)
	if err != nil {
		return err
	}
	env.Tenant = sched.Scope.Tenant
	if err := e.bus.Publish(wire.SubjectReportRequest, env); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.IncScheduleFires()
	}
	e.audit(ctx, audit.CategorySchedule, "schedule.fire", audit.OutcomeOK, sched.Scope, schedulerActor, sched.ID, map[string]string{
		"category": sched.Category,
		"preset":   preset,
	})
	logging.Info("report-engine", "schedule fired", "schedule_id", sched.ID, "category", sched.Category, "tenant", sched.Scope.Tenant)
	return nil
}
