package actionengine

import (
	"context"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// TrailAuditor adapts an audit.Trail to the engine-side Auditor interface.
// Append failures are logged, never surfaced: a broken trail must not stop
// record ingest or task handling.
type TrailAuditor struct {
	Trail audit.Trail
}

func NewTrailAuditor(trail audit.Trail) *TrailAuditor {
	return &TrailAuditor{Trail: trail}
}

func (a *TrailAuditor) Record(ctx context.Context, category, action, outcome string, scope wire.Scope, actor, subject string, detail map[string]string) {
	if a == nil || a.Trail == nil {
		return
	}
	_, err := a.Trail.Append(ctx, audit.Event{
		Category: category,
		Action:   action,
		Outcome:  outcome,
		Scope:    scope,
		Actor:    actor,
		Subject:  subject,
		Detail:   detail,
	})
	if err != nil {
		logging.Error("audit", "append failed", "category", category, "action", action, "error", err)
	}
}
