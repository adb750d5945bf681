// Package reportengine is the Enterprise Reporting Engine: it consumes
// report requests from the bus and runs router -> policy -> builder ->
// archive -> audit exactly once per request, announcing the outcome on
// sys.report.ready / sys.report.denied / sys.report.failed.
package reportengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/archive"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/infra/metrics"
	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

const (
	reportQueue     = "mycelia-report-engine"
	defaultSenderID = "mycelia-report-engine"
	storeOpTimeout  = 5 * time.Second

	recordFetchLimit = 5000
	taskFetchLimit   = 1000
	transientDelay   = 5 * time.Second
)

// Bus abstracts the message bus the engine consumes requests from.
type Bus interface {
	Publish(subject string, env *wire.Envelope) error
	Subscribe(subject, queue string, handler func(*wire.Envelope) error) error
}

// AccessChecker evaluates access for generation and export. Satisfied by
// policy.Checker.
type AccessChecker interface {
	Evaluate(ctx context.Context, in policy.AccessInput) policy.AccessDecision
}

// RecordSource loads normalized records for a tenant window. Satisfied by
// memory.RedisRecordStore. The builder re-filters by scope and range, so
// over-fetching is safe.
type RecordSource interface {
	ListByTenant(ctx context.Context, tenant string, fromUnix, toUnix, limit int64) ([]ingest.NormalizedRecord, error)
}

// TaskSource loads task history for the operations and compliance builders.
// Satisfied by memory.RedisTaskStore.
type TaskSource interface {
	ListRecentTasks(ctx context.Context, limit int64) ([]actionengine.ActionTask, error)
	TaskEvents(ctx context.Context, taskID string) ([]actionengine.TaskEventEntry, error)
}

// Auditor mirrors the action engine's audit hook.
type Auditor = actionengine.Auditor

// Engine generates report bundles for bus requests and fires due schedules.
type Engine struct {
	bus       Bus
	records   RecordSource
	tasks     TaskSource
	builder   *report.Builder
	archive   archive.Store
	access    AccessChecker
	metrics   metrics.ReportMetrics
	auditor   Auditor
	schedules *report.ScheduleStore
	source    string
}

func NewEngine(b Bus, records RecordSource, tasks TaskSource, builder *report.Builder, store archive.Store, access AccessChecker, m metrics.ReportMetrics, auditor Auditor) *Engine {
	return &Engine{
		bus:     b,
		records: records,
		tasks:   tasks,
		builder: builder,
		archive: store,
		access:  access,
		metrics: m,
		auditor: auditor,
		source:  defaultSenderID,
	}
}

// WithSchedules attaches the schedule store so StartSchedules can fire due
// recurring reports.
func (e *Engine) WithSchedules(store *report.ScheduleStore) *Engine {
	e.schedules = store
	return e
}

// Start registers the engine's bus subscription.
func (e *Engine) Start() error {
	if err := e.bus.Subscribe(wire.SubjectReportRequest, reportQueue, e.HandleRequest); err != nil {
		return fmt.Errorf("subscribe %s: %w", wire.SubjectReportRequest, err)
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
		logging.Error("report-engine", "heartbeat publish failed", "error", err)
	}
}

// HandleRequest generates one bundle. Malformed requests and policy denials
// are terminal; only store or bus trouble retries.
func (e *Engine) HandleRequest(env *wire.Envelope) error {
	if env == nil || env.Kind != wire.KindReportRequest {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	started := time.Now()

	var req wire.ReportRequest
	if err := env.Decode(&req); err != nil {
		e.failTerminal(ctx, env.ID, wire.Scope{Tenant: env.Tenant}, "", "bad_request", err.Error())
		return nil
	}
	if req.ID == "" {
		req.ID = env.ID
	}
	if reason := validateRequest(req); reason != "" {
		e.failTerminal(ctx, req.ID, req.Scope, req.Requester.ID, "bad_request", reason)
		return nil
	}

	e.incRequested(req.Category)

	actor := policy.Actor{
		ID:               req.Requester.ID,
		Role:             req.Requester.Role,
		Tenant:           req.Requester.Tenant,
		AllowCrossTenant: req.Requester.CrossTenant,
	}
	decision := e.access.Evaluate(ctx, policy.AccessInput{
		Actor:    actor,
		Action:   policy.ActionReportGenerate,
		Scope:    req.Scope,
		Category: req.Category,
		Range:    req.Range,
	})
	if decision.Allowed() && req.Format != "" && req.Format != report.FormatJSON {
		decision = e.access.Evaluate(ctx, policy.AccessInput{
			Actor:    actor,
			Action:   policy.ActionReportExport,
			Scope:    req.Scope,
			Category: req.Category,
			Range:    req.Range,
		})
	}
	if !decision.Allowed() {
		e.deny(ctx, req, decision)
		return nil
	}

	records, err := e.records.ListByTenant(ctx, req.Scope.Tenant, req.Range.From.Unix(), req.Range.To.Unix(), recordFetchLimit)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("load records for %s: %w", req.Scope.Tenant, err), transientDelay)
	}
	tasks, events, err := e.loadTasks(ctx, req)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("load tasks for %s: %w", req.Scope.Tenant, err), transientDelay)
	}

	bundle, err := e.builder.Build(report.Input{
		Category:    req.Category,
		Scope:       req.Scope,
		Range:       req.Range,
		Records:     records,
		Tasks:       tasks,
		TaskEvents:  events,
		GeneratedBy: req.Requester.ID,
	})
	if err != nil {
		e.failTerminal(ctx, req.ID, req.Scope, req.Requester.ID, "build_failed", err.Error())
		return nil
	}
	bundle.Meta.Format = req.Format

	content, err := json.Marshal(bundle)
	if err != nil {
		e.failTerminal(ctx, req.ID, req.Scope, req.Requester.ID, "encode_failed", err.Error())
		return nil
	}
	retention := archive.RetentionStandard
	if req.Category == report.CategoryCompliance {
		retention = archive.RetentionAudit
	}
	pointer, err := e.archive.Put(ctx, bundle.ID, content, archive.Metadata{
		BundleID:    bundle.ID,
		Category:    bundle.Category,
		Tenant:      bundle.Scope.Tenant,
		Facility:    bundle.Scope.Facility,
		ContentType: "application/json",
		SizeBytes:   int64(len(content)),
		Retention:   retention,
		GeneratedAt: bundle.Meta.GeneratedAt.Unix(),
	})
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("archive bundle %s: %w", bundle.ID, err), transientDelay)
	}

	if req.Format != "" {
		rendered, err := report.Export(bundle, req.Format)
		if err != nil {
			e.failTerminal(ctx, req.ID, req.Scope, req.Requester.ID, "export_failed", err.Error())
			return nil
		}
		if err := e.archive.PutExport(ctx, bundle.ID, req.Format, rendered, retention); err != nil {
			return bus.RetryAfter(fmt.Errorf("archive export %s: %w", bundle.ID, err), transientDelay)
		}
		e.incExports(req.Format)
		e.audit(ctx, audit.CategoryExport, "report.export", audit.OutcomeOK, req.Scope, req.Requester.ID, bundle.ID, map[string]string{
			"format":   req.Format,
			"category": req.Category,
		})
	}

	e.audit(ctx, audit.CategoryGeneration, "report.generate", audit.OutcomeOK, req.Scope, req.Requester.ID, bundle.ID, map[string]string{
		"category":   req.Category,
		"request_id": req.ID,
		"records":    fmt.Sprintf("%d", bundle.Meta.RecordCount),
		"health":     bundle.Summary.Health,
	})
	e.incCompleted(req.Category, "ok")
	e.observeDuration(req.Category, time.Since(started).Seconds())

	ready, err := wire.NewEnvelope(wire.KindReportReady, e.source, wire.ReportReady{
		RequestID:   req.ID,
		BundleID:    bundle.ID,
		Pointer:     pointer,
		Category:    bundle.Category,
		Scope:       bundle.Scope,
		GeneratedAt: bundle.Meta.GeneratedAt,
	})
	if err == nil {
		ready.Tenant = req.Scope.Tenant
		if err := e.bus.Publish(wire.SubjectReportReady, ready); err != nil {
			logging.Error("report-engine", "ready publish failed", "request_id", req.ID, "error", err)
		}
	}

	logging.Info("report-engine", "bundle generated",
		"request_id", req.ID,
		"bundle_id", bundle.ID,
		"category", bundle.Category,
		"tenant", bundle.Scope.Tenant,
		"records", bundle.Meta.RecordCount,
		"health", bundle.Summary.Health,
	)
	return nil
}

// loadTasks fetches the task context a category needs: the operations and
// compliance builders consume task history, the rest build from records only.
func (e *Engine) loadTasks(ctx context.Context, req wire.ReportRequest) ([]actionengine.ActionTask, map[string][]actionengine.TaskEventEntry, error) {
	switch req.Category {
	case report.CategoryOperations, report.CategoryContamination, report.CategoryCompliance:
	default:
		return nil, nil, nil
	}
	tasks, err := e.tasks.ListRecentTasks(ctx, taskFetchLimit)
	if err != nil {
		return nil, nil, err
	}
	var events map[string][]actionengine.TaskEventEntry
	if req.Category == report.CategoryOperations {
		events = make(map[string][]actionengine.TaskEventEntry)
		for _, task := range tasks {
			if !req.Scope.Contains(task.Scope()) {
				continue
			}
			history, err := e.tasks.TaskEvents(ctx, task.ID)
			if err != nil {
				return nil, nil, err
			}
			events[task.ID] = history
		}
	}
	return tasks, events, nil
}

func validateRequest(req wire.ReportRequest) string {
	if req.Scope.Tenant == "" {
		return "missing tenant"
	}
	if !report.ValidCategory(req.Category) {
		return fmt.Sprintf("unknown category %q", req.Category)
	}
	if req.Range.Window() <= 0 {
		return "invalid time range"
	}
	if req.Format != "" && !report.ValidFormat(req.Format) {
		return fmt.Sprintf("unknown format %q", req.Format)
	}
	return ""
}

// deny audits and announces a policy denial without leaking bundle contents.
func (e *Engine) deny(ctx context.Context, req wire.ReportRequest, decision policy.AccessDecision) {
	e.audit(ctx, audit.CategoryGeneration, "report.generate", audit.OutcomeDenied, req.Scope, req.Requester.ID, req.ID, map[string]string{
		"category": req.Category,
		"reason":   decision.Reason,
		"rule":     decision.RuleID,
	})
	e.incCompleted(req.Category, "denied")
	env, err := wire.NewEnvelope(wire.KindReportDenied, e.source, wire.ReportDenied{
		RequestID: req.ID,
		Reason:    decision.Reason,
		RuleID:    decision.RuleID,
	})
	if err != nil {
		return
	}
	env.Tenant = req.Scope.Tenant
	if err := e.bus.Publish(wire.SubjectReportDenied, env); err != nil {
		logging.Error("report-engine", "denied publish failed", "request_id", req.ID, "error", err)
	}
}

func (e *Engine) failTerminal(ctx context.Context, requestID string, scope wire.Scope, actor, code, reason string) {
	e.audit(ctx, audit.CategoryGeneration, "report.generate", audit.OutcomeFailed, scope, actor, requestID, map[string]string{
		"code":   code,
		"reason": reason,
	})
	e.incCompleted("", "failed")
	env, err := wire.NewEnvelope(wire.KindReportFailed, e.source, wire.ReportFailed{
		RequestID: requestID,
		Reason:    code,
	})
	if err != nil {
		return
	}
	env.Tenant = scope.Tenant
	if err := e.bus.Publish(wire.SubjectReportFailed, env); err != nil {
		logging.Error("report-engine", "failed publish failed", "request_id", requestID, "error", err)
	}
	logging.Info("report-engine", "request failed", "request_id", requestID, "code", code, "reason", reason)
}

func (e *Engine) audit(ctx context.Context, category, action, outcome string, scope wire.Scope, actor, subject string, detail map[string]string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(ctx, category, action, outcome, scope, actor, subject, detail)
}

func (e *Engine) incRequested(category string) {
	if e.metrics != nil {
		e.metrics.IncReportsRequested(category)
	}
}

func (e *Engine) incCompleted(category, status string) {
	if e.metrics != nil {
		e.metrics.IncReportsCompleted(category, status)
	}
}

func (e *Engine) incExports(format string) {
	if e.metrics != nil {
		e.metrics.IncReportExports(format)
	}
}

func (e *Engine) observeDuration(category string, seconds float64) {
	if e.metrics != nil {
		e.metrics.ObserveReportDuration(category, seconds)
	}
}
