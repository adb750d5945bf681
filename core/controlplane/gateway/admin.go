package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/configsvc"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/locks"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

// --- Audit ---

func (s *server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	cursor, ok := parseCursor(r)
	if !ok {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	tenant, err := s.resolveTenant(r, r.URL.Query().Get("tenant"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Category: strings.TrimSpace(q.Get("category")),
		Outcome:  strings.TrimSpace(q.Get("outcome")),
		Scope:    wire.Scope{Tenant: tenant, Facility: strings.TrimSpace(q.Get("facility"))},
		Cursor:   cursor,
		Limit:    parseLimit(r),
	}
	if from := parseUnixParam(r, "from"); from > 0 {
		f.From = time.Unix(from, 0).UTC()
	}
	if to := parseUnixParam(r, "to"); to > 0 {
		f.To = time.Unix(to, 0).UTC()
	}

	events, err := s.trail.Query(r.Context(), f)
	if err != nil {
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}

	next := ""
	if int64(len(events)) >= f.Limit && len(events) > 0 {
		oldest := events[len(events)-1].Time.Unix()
		if oldest > 1 {
			next = strconv.FormatInt(oldest-1, 10)
		}
	}
	writePage(w, events, next)
}

func (s *server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	window := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = parsed
	}
	stats, err := s.trail.Stats(r.Context(), window)
	if err != nil {
		http.Error(w, "audit stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// --- Policy ---

func (s *server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	s.handlePolicyCheck(w, r, false)
}

func (s *server) handlePolicySimulate(w http.ResponseWriter, r *http.Request) {
	s.handlePolicyCheck(w, r, true)
}

// handlePolicyCheck runs the checker on a submitted input. Simulation never
// audits or counts; evaluation does. Non-admins may only check as themselves.
func (s *server) handlePolicyCheck(w http.ResponseWriter, r *http.Request, simulate bool) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var in policy.AccessInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if in.Action == "" {
		http.Error(w, "action required", http.StatusBadRequest)
		return
	}
	actor := s.actorFromRequest(r)
	if in.Actor.ID == "" {
		in.Actor = actor
	} else if actor.Role != policy.RoleAdmin {
		http.Error(w, "checking other actors requires admin", http.StatusForbidden)
		return
	}

	var decision policy.AccessDecision
	if simulate {
		decision = s.checker.Simulate(in)
	} else {
		decision = s.checker.Evaluate(r.Context(), in)
	}
	writeJSON(w, decision)
}

func (s *server) handlePolicyRules(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]any{
		"rules":  s.checker.Rules(),
		"grants": s.checker.Grants(),
	})
}

// --- Schemas ---

type registerSchemaBody struct {
	ID     string          `json:"id"`
	Schema json.RawMessage `json:"schema"`
}

func (s *server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var body registerSchemaBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.ID) == "" || len(body.Schema) == 0 {
		http.Error(w, "id and schema required", http.StatusBadRequest)
		return
	}
	if err := s.schemas.Register(r.Context(), body.ID, body.Schema); err != nil {
		http.Error(w, "invalid schema: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.auditAdmin(r, audit.CategoryIngest, "schema.register", body.ID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": body.ID, "status": "registered"})
}

func (s *server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	ids, err := s.schemas.List(r.Context(), parseLimit(r))
	if err != nil {
		http.Error(w, "list schemas failed", http.StatusInternalServerError)
		return
	}
	writePage(w, ids, "")
}

func (s *server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	data, err := s.schemas.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "schema not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	if err := s.schemas.Delete(r.Context(), id); err != nil {
		http.Error(w, "delete schema failed", http.StatusInternalServerError)
		return
	}
	s.auditAdmin(r, audit.CategoryIngest, "schema.delete", id)
	writeJSON(w, map[string]string{"id": id, "status": "deleted"})
}

// --- Quarantine ---

func (s *server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	cursor, ok := parseCursor(r)
	if !ok {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r)
	entries, err := s.quarantine.ListByScore(r.Context(), cursor, limit)
	if err != nil {
		http.Error(w, "list quarantine failed", http.StatusInternalServerError)
		return
	}

	visible := entries[:0]
	for _, entry := range entries {
		if s.requireTenantAccess(r, entry.Tenant) == nil {
			visible = append(visible, entry)
		}
	}

	next := ""
	if int64(len(entries)) >= limit && len(entries) > 0 {
		oldest := entries[len(entries)-1].CreatedAt.Unix()
		if oldest > 1 {
			next = strconv.FormatInt(oldest-1, 10)
		}
	}
	writePage(w, visible, next)
}

func (s *server) handleDeleteQuarantine(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	entry, err := s.quarantine.Get(r.Context(), id)
	if err != nil || entry == nil {
		http.Error(w, "quarantine entry not found", http.StatusNotFound)
		return
	}
	if err := s.requireTenantAccess(r, entry.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := s.quarantine.Delete(r.Context(), id); err != nil {
		http.Error(w, "delete quarantine entry failed", http.StatusInternalServerError)
		return
	}
	s.auditAdmin(r, audit.CategoryIngest, "quarantine.delete", id)
	writeJSON(w, map[string]string{"envelope_id": id, "status": "deleted"})
}

// handleRetryQuarantine republishes the stored submission on its phase
// subject. The entry is removed only after the publish succeeds; a second
// rejection lands it back in quarantine under a fresh envelope id.
func (s *server) handleRetryQuarantine(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	entry, err := s.quarantine.Get(r.Context(), id)
	if err != nil || entry == nil {
		http.Error(w, "quarantine entry not found", http.StatusNotFound)
		return
	}
	if err := s.requireTenantAccess(r, entry.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	phase, ok := s.router.Phase(entry.Phase)
	if !ok {
		http.Error(w, "entry references unknown phase", http.StatusConflict)
		return
	}
	if len(entry.Raw) == 0 {
		http.Error(w, "entry has no stored payload", http.StatusConflict)
		return
	}

	env, err := wire.NewEnvelope(wire.KindPhaseRecord, "mycelia-api-gateway", wire.PhaseRecord{
		Phase: entry.Phase,
		Body:  entry.Raw,
	})
	if err != nil {
		http.Error(w, "encode record failed", http.StatusInternalServerError)
		return
	}
	env.Tenant = entry.Tenant
	if err := s.bus.Publish(wire.RecordSubject(phase.Slug), env); err != nil {
		logging.Error("api-gateway", "quarantine retry publish failed", "envelope_id", id, "error", err)
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	if err := s.quarantine.Delete(r.Context(), id); err != nil {
		logging.Error("api-gateway", "quarantine cleanup failed", "envelope_id", id, "error", err)
	}
	s.auditAdmin(r, audit.CategoryIngest, "quarantine.retry", id)

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{
		"envelope_id": env.ID,
		"status":      "resubmitted",
	})
}

// --- Schedules ---

func (s *server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	tenant, err := s.resolveTenant(r, r.URL.Query().Get("tenant"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	items, err := s.schedules.List(r.Context(), tenant, parseLimit(r))
	if err != nil {
		http.Error(w, "list schedules failed", http.StatusInternalServerError)
		return
	}
	writePage(w, items, "")
}

func (s *server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var sched report.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tenant, err := s.resolveTenant(r, sched.Scope.Tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	sched.Scope.Tenant = tenant

	saved, err := s.schedules.Upsert(r.Context(), sched)
	if err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.auditAdmin(r, audit.CategorySchedule, "schedule.upsert", saved.ID)
	writeJSON(w, saved)
}

func (s *server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	sched, err := s.schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, report.ErrScheduleNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get schedule failed", http.StatusInternalServerError)
		return
	}
	if err := s.requireTenantAccess(r, sched.Scope.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, sched)
}

func (s *server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	sched, err := s.schedules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, report.ErrScheduleNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get schedule failed", http.StatusInternalServerError)
		return
	}
	if err := s.requireTenantAccess(r, sched.Scope.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := s.schedules.Delete(r.Context(), id); err != nil {
		http.Error(w, "delete schedule failed", http.StatusInternalServerError)
		return
	}
	s.auditAdmin(r, audit.CategorySchedule, "schedule.delete", id)
	writeJSON(w, map[string]string{"id": id, "status": "deleted"})
}

// --- Settings ---

func (s *server) handleEffectiveSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	tenant, err := s.resolveTenant(r, r.URL.Query().Get("tenant"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	snap, err := s.settings.EffectiveSnapshot(r.Context(), tenant, strings.TrimSpace(r.URL.Query().Get("facility")))
	if err != nil {
		http.Error(w, "resolve settings failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var doc configsvc.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if doc.ScopeID != "" {
		if err := s.requireTenantAccess(r, tenantForScopeID(doc)); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	if doc.UpdatedBy == "" {
		doc.UpdatedBy = s.actorFromRequest(r).ID
	}
	if err := s.settings.Set(r.Context(), &doc); err != nil {
		if errors.Is(err, configsvc.ErrUnknownSection) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "store settings failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.auditAdmin(r, audit.CategoryAccess, "settings.set", string(doc.Scope)+":"+doc.ScopeID)
	writeJSON(w, doc)
}

// tenantForScopeID extracts the tenant a settings document belongs to.
// Facility scope ids are tenant/facility pairs.
func tenantForScopeID(doc configsvc.Document) string {
	switch doc.Scope {
	case config.ScopeFacility:
		if idx := strings.IndexByte(doc.ScopeID, '/'); idx > 0 {
			return doc.ScopeID[:idx]
		}
	case config.ScopeTenant:
		return doc.ScopeID
	}
	return ""
}

// --- Locks ---

type lockRequestBody struct {
	Resource   string `json:"resource"`
	Owner      string `json:"owner,omitempty"`
	Mode       string `json:"mode,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (s *server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		http.Error(w, "resource required", http.StatusBadRequest)
		return
	}
	lock, err := s.lockStore.Get(r.Context(), resource)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			http.Error(w, "lock not held", http.StatusNotFound)
			return
		}
		http.Error(w, "get lock failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, lock)
}

func (s *server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	body, owner, ok := s.decodeLockBody(w, r)
	if !ok {
		return
	}
	mode := locks.Mode(strings.ToLower(strings.TrimSpace(body.Mode)))
	if mode == "" {
		mode = locks.ModeExclusive
	}
	if mode != locks.ModeExclusive && mode != locks.ModeShared {
		http.Error(w, "unknown lock mode", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	lock, acquired, err := s.lockStore.Acquire(r.Context(), body.Resource, owner, mode, ttl)
	if err != nil {
		http.Error(w, "acquire failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !acquired {
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, map[string]any{"acquired": false, "lock": lock})
		return
	}
	writeJSON(w, map[string]any{"acquired": true, "lock": lock})
}

func (s *server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	body, owner, ok := s.decodeLockBody(w, r)
	if !ok {
		return
	}
	lock, released, err := s.lockStore.Release(r.Context(), body.Resource, owner)
	if err != nil {
		http.Error(w, "release failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"released": released, "lock": lock})
}

func (s *server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	body, owner, ok := s.decodeLockBody(w, r)
	if !ok {
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	lock, renewed, err := s.lockStore.Renew(r.Context(), body.Resource, owner, ttl)
	if err != nil {
		http.Error(w, "renew failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !renewed {
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, map[string]any{"renewed": false, "lock": lock})
		return
	}
	writeJSON(w, map[string]any{"renewed": true, "lock": lock})
}

func (s *server) decodeLockBody(w http.ResponseWriter, r *http.Request) (lockRequestBody, string, bool) {
	var body lockRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return body, "", false
	}
	body.Resource = strings.TrimSpace(body.Resource)
	if body.Resource == "" {
		http.Error(w, "resource required", http.StatusBadRequest)
		return body, "", false
	}
	owner := strings.TrimSpace(body.Owner)
	if owner == "" {
		owner = s.actorFromRequest(r).ID
	}
	if owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return body, "", false
	}
	return body, owner, true
}

// auditAdmin records an administrative mutation, best effort.
func (s *server) auditAdmin(r *http.Request, category, action, subject string) {
	if s.trail == nil {
		return
	}
	actor := s.actorFromRequest(r)
	if _, err := s.trail.Append(r.Context(), audit.Event{
		Category: category,
		Action:   action,
		Outcome:  audit.OutcomeOK,
		Scope:    wire.Scope{Tenant: actor.Tenant},
		Actor:    actor.ID,
		Subject:  subject,
	}); err != nil {
		logging.Error("api-gateway", "audit append failed", "action", action, "err", err)
	}
}
