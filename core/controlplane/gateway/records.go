package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/memory"
	"github.com/mycelia/mycelia/core/ingest"
)

// handleListRecords lists normalized records newest first, filtered by phase
// or tenant. The cursor is the occurrence unix second to resume below.
func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	cursor, ok := parseCursor(r)
	if !ok {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r)
	from := parseUnixParam(r, "from")
	to := parseUnixParam(r, "to")
	if cursor > 0 && (to == 0 || cursor < to) {
		to = cursor
	}

	var (
		records []ingest.NormalizedRecord
		err     error
	)
	if rawPhase := strings.TrimSpace(r.URL.Query().Get("phase")); rawPhase != "" {
		phase, ok := s.lookupPhase(rawPhase)
		if !ok {
			http.Error(w, "unknown phase", http.StatusBadRequest)
			return
		}
		records, err = s.records.ListByPhase(r.Context(), phase.Number, from, to, limit)
		if err == nil {
			records = s.filterVisibleRecords(r, records)
		}
	} else {
		tenant, terr := s.resolveTenant(r, r.URL.Query().Get("tenant"))
		if terr != nil {
			http.Error(w, terr.Error(), http.StatusForbidden)
			return
		}
		records, err = s.records.ListByTenant(r.Context(), tenant, from, to, limit)
		if err == nil {
			if facility := strings.TrimSpace(r.URL.Query().Get("facility")); facility != "" {
				filtered := records[:0]
				for _, rec := range records {
					if rec.Scope.Facility == facility {
						filtered = append(filtered, rec)
					}
				}
				records = filtered
			}
		}
	}
	if err != nil {
		http.Error(w, "list records failed", http.StatusInternalServerError)
		return
	}

	next := ""
	if int64(len(records)) >= limit && len(records) > 0 {
		oldest := records[len(records)-1].OccurredAt.Unix()
		if oldest > 1 {
			next = strconv.FormatInt(oldest-1, 10)
		}
	}
	writePage(w, records, next)
}

func (s *server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	rec, err := s.records.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, memory.ErrRecordNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get record failed", http.StatusInternalServerError)
		return
	}
	if err := s.requireTenantAccess(r, rec.Scope.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	if parseBool(r.URL.Query().Get("raw")) {
		raw, err := s.records.GetRaw(r.Context(), id)
		if err != nil {
			http.Error(w, "raw payload not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}
	writeJSON(w, rec)
}

// lookupPhase accepts a phase number or slug.
func (s *server) lookupPhase(raw string) (ingest.Phase, bool) {
	if n, err := strconv.Atoi(raw); err == nil {
		return s.router.Phase(n)
	}
	return s.router.PhaseBySlug(raw)
}

// filterVisibleRecords drops records the caller's tenant may not see.
func (s *server) filterVisibleRecords(r *http.Request, records []ingest.NormalizedRecord) []ingest.NormalizedRecord {
	out := records[:0]
	for _, rec := range records {
		if s.requireTenantAccess(r, rec.Scope.Tenant) == nil {
			out = append(out, rec)
		}
	}
	return out
}
