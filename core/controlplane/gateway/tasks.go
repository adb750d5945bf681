package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// handleListTasks pages tasks newest first, scoped to the caller's tenant.
// The cursor is the update unix second to resume below.
func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
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

	stateFilter := actionengine.TaskState(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))
	if stateFilter != "" && !actionengine.ValidState(stateFilter) {
		http.Error(w, "unknown task state", http.StatusBadRequest)
		return
	}

	tasks, err := s.tasks.ListRecentTasksByScore(r.Context(), cursor, limit)
	if err != nil {
		http.Error(w, "list tasks failed", http.StatusInternalServerError)
		return
	}

	filtered := tasks[:0]
	for _, task := range tasks {
		if task.Tenant != tenant {
			continue
		}
		if stateFilter != "" && task.State != stateFilter {
			continue
		}
		filtered = append(filtered, task)
	}

	next := ""
	if int64(len(tasks)) >= limit && len(tasks) > 0 {
		oldest := tasks[len(tasks)-1].UpdatedAt
		if oldest > 1 {
			next = strconv.FormatInt(oldest-1, 10)
		}
	}
	writePage(w, filtered, next)
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, task)
}

func (s *server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if _, ok := s.loadTask(w, r); !ok {
		return
	}
	events, err := s.tasks.TaskEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "list task events failed", http.StatusInternalServerError)
		return
	}
	writePage(w, events, "")
}

// taskOpBody carries the optional fields of a lifecycle POST.
type taskOpBody struct {
	Assignee string `json:"assignee,omitempty"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleTaskOp publishes a lifecycle command for the action engine. The
// gateway never writes task state itself.
func (s *server) handleTaskOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minRole := policy.RoleOperator
		if op == wire.TaskOpDismiss {
			minRole = policy.RoleAdmin
		}
		if err := s.requireRole(r, minRole); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		task, ok := s.loadTask(w, r)
		if !ok {
			return
		}

		// Lifecycle posts may carry no body at all.
		var body taskOpBody
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		if op == wire.TaskOpAssign && strings.TrimSpace(body.Assignee) == "" {
			http.Error(w, "assignee required", http.StatusBadRequest)
			return
		}
		if op == wire.TaskOpDismiss && strings.TrimSpace(body.Reason) == "" {
			http.Error(w, "dismiss reason required", http.StatusBadRequest)
			return
		}

		// The command carries the caller's identity, not the task's: the
		// engine re-checks tenant isolation against what it reads here.
		actor := s.actorFromRequest(r)
		cmd := wire.TaskCommand{
			TaskID:   task.ID,
			Op:       op,
			Actor:    actor.ID,
			Role:     actor.Role,
			Tenant:   actor.Tenant,
			Assignee: strings.TrimSpace(body.Assignee),
			Note:     strings.TrimSpace(body.Note),
			Reason:   strings.TrimSpace(body.Reason),
		}
		env, err := wire.NewEnvelope(wire.KindTaskCommand, "mycelia-api-gateway", cmd)
		if err != nil {
			http.Error(w, "encode command failed", http.StatusInternalServerError)
			return
		}
		env.Tenant = task.Tenant
		if err := s.bus.Publish(wire.SubjectTaskCommand, env); err != nil {
			logging.Error("api-gateway", "publish task command failed", "task_id", task.ID, "op", op, "error", err)
			http.Error(w, "publish failed", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{
			"task_id": task.ID,
			"op":      op,
			"status":  "accepted",
		})
	}
}

// loadTask fetches the path task and enforces tenant visibility, writing the
// error response itself on failure.
func (s *server) loadTask(w http.ResponseWriter, r *http.Request) (actionengine.ActionTask, bool) {
	id := r.PathValue("id")
	task, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, actionengine.ErrUnknownTask) {
			http.Error(w, "task not found", http.StatusNotFound)
		} else {
			http.Error(w, "get task failed", http.StatusInternalServerError)
		}
		return actionengine.ActionTask{}, false
	}
	if err := s.requireTenantAccess(r, task.Tenant); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return actionengine.ActionTask{}, false
	}
	return task, true
}
