package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/archive"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

// submitReportBody is the POST /api/v1/reports payload. Range and preset are
// mutually exclusive; preset wins when both are present.
type submitReportBody struct {
	Scope    wire.Scope     `json:"scope"`
	Category string         `json:"category"`
	Range    wire.TimeRange `json:"range"`
	Preset   string         `json:"preset,omitempty"`
	Format   string         `json:"format,omitempty"`
}

// handleSubmitReport validates and publishes a report request. Generation is
// asynchronous; the engine announces the outcome on the event stream.
func (s *server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	var body submitReportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tenant, err := s.resolveTenant(r, body.Scope.Tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	body.Scope.Tenant = tenant

	if !report.ValidCategory(body.Category) {
		http.Error(w, "unknown report category", http.StatusBadRequest)
		return
	}
	if body.Format != "" && !report.ValidFormat(body.Format) {
		http.Error(w, "unknown export format", http.StatusBadRequest)
		return
	}

	rng := body.Range
	if body.Preset != "" {
		resolved, err := report.RangeForPreset(body.Preset, time.Now())
		if err != nil {
			http.Error(w, "unknown range preset", http.StatusBadRequest)
			return
		}
		rng = resolved
	}
	if rng.Window() <= 0 {
		http.Error(w, "invalid time range", http.StatusBadRequest)
		return
	}

	actor := s.actorFromRequest(r)
	req := wire.ReportRequest{
		ID:       uuid.NewString(),
		Scope:    body.Scope,
		Category: body.Category,
		Range:    rng,
		Format:   body.Format,
		Requester: wire.Requester{
			ID:          actor.ID,
			Role:        actor.Role,
			Tenant:      actor.Tenant,
			CrossTenant: actor.AllowCrossTenant,
		},
	}

	env, err := wire.NewEnvelope(wire.KindReportRequest, "mycelia-api-gateway", req)
	if err != nil {
		http.Error(w, "encode request failed", http.StatusInternalServerError)
		return
	}
	env.Tenant = body.Scope.Tenant
	if err := s.bus.Publish(wire.SubjectReportRequest, env); err != nil {
		logging.Error("api-gateway", "publish report request failed", "request_id", req.ID, "error", err)
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"request_id": req.ID,
		"status":     "accepted",
	})
}

// handleListReports pages archived bundle metadata for a tenant, newest
// first. Cursor is the generation unix second to resume below.
func (s *server) handleListReports(w http.ResponseWriter, r *http.Request) {
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
	limit := parseLimit(r)

	metas, err := s.archive.List(r.Context(), tenant, cursor, limit)
	if err != nil {
		http.Error(w, "list reports failed", http.StatusInternalServerError)
		return
	}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filtered := metas[:0]
		for _, meta := range metas {
			if meta.Category == category {
				filtered = append(filtered, meta)
			}
		}
		metas = filtered
	}

	next := ""
	if int64(len(metas)) >= limit && len(metas) > 0 {
		oldest := metas[len(metas)-1].GeneratedAt
		if oldest > 1 {
			next = strconv.FormatInt(oldest-1, 10)
		}
	}
	writePage(w, metas, next)
}

func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	content, meta, err := s.archive.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrBundleNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get report failed", http.StatusInternalServerError)
		return
	}
	if err := s.requireTenantAccess(r, meta.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

// handleExportReport serves a rendered export. Exports the engine did not
// pre-render are built on the fly from the archived bundle. Every served
// export goes through the policy checker and onto the audit trail.
func (s *server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleOperator); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	format := strings.TrimSpace(r.URL.Query().Get("format"))
	if format == "" {
		format = report.FormatCSV
	}
	if !report.ValidFormat(format) {
		http.Error(w, "unknown export format", http.StatusBadRequest)
		return
	}

	content, meta, err := s.archive.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrBundleNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get report failed", http.StatusInternalServerError)
		return
	}
	if err := s.requireTenantAccess(r, meta.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	actor := s.actorFromRequest(r)
	scope := wire.Scope{Tenant: meta.Tenant, Facility: meta.Facility}
	decision := s.checker.Evaluate(r.Context(), policy.AccessInput{
		Actor:    actor,
		Action:   policy.ActionReportExport,
		Scope:    scope,
		Category: meta.Category,
	})
	if !decision.Allowed() {
		http.Error(w, decision.Reason, http.StatusForbidden)
		return
	}

	rendered := content
	if format != report.FormatJSON {
		rendered, err = s.archive.GetExport(r.Context(), id, format)
		if err != nil {
			var bundle report.Bundle
			if uerr := json.Unmarshal(content, &bundle); uerr != nil {
				http.Error(w, "archived bundle unreadable", http.StatusInternalServerError)
				return
			}
			rendered, err = report.Export(bundle, format)
			if err != nil {
				http.Error(w, "export failed", http.StatusInternalServerError)
				return
			}
		}
	}

	s.auditExport(r, scope, actor.ID, id, format, len(rendered))
	if s.exports != nil {
		s.exports.IncReportExports(format)
	}

	w.Header().Set("Content-Type", exportContentType(format))
	_, _ = w.Write(rendered)
}

func (s *server) auditExport(r *http.Request, scope wire.Scope, actorID, bundleID, format string, size int) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Append(r.Context(), audit.Event{
		Category: audit.CategoryExport,
		Action:   "report.export",
		Outcome:  audit.OutcomeOK,
		Scope:    scope,
		Actor:    actorID,
		Subject:  bundleID,
		Detail:   map[string]string{"format": format, "bytes": strconv.Itoa(size)},
	}); err != nil {
		logging.Error("api-gateway", "audit append failed", "action", "report.export", "err", err)
	}
}

func exportContentType(format string) string {
	switch format {
	case report.FormatCSV:
		return "text/csv"
	case report.FormatMarkdown:
		return "text/markdown"
	default:
		return "application/json"
	}
}
