package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"planpilot/internal/plan"
	"planpilot/internal/protocol"
	"planpilot/internal/sessions"
	"planpilot/internal/store"
)

// dispatchControl performs the side effects of the non-terminal control
// kinds and fills the corresponding report fields. The step stays
// in_progress throughout; "blocked" is a report flag, not a stored status.
func (e *Engine) dispatchControl(ctx context.Context, p *plan.Plan, step *plan.Step, ev protocol.ControlEvent, report *Report) error {
	switch ev.Kind {
	case protocol.EventPlanNewRequired:
		p.Status = plan.StatusReplaced
		p.UpdatedAt = e.now()
		if err := e.store.SavePlan(p); err != nil {
			return fmt.Errorf("failed to mark plan replaced: %w", err)
		}

		next := e.buildReplacementPlan(ctx, p, ev.Message)
		if err := e.store.CreatePlan(next); err != nil {
			return fmt.Errorf("failed to create replacement plan: %w", err)
		}
		e.appendLog(store.LogEntry{
			InstanceID: p.Meta.InstanceID,
			PlanID:     p.ID,
			StepID:     step.ID,
			Kind:       "plan_replaced",
			Message:    fmt.Sprintf("replaced by plan %s: %s", next.ID, ev.Message),
		})
		e.logger.Info("plan replaced",
			zap.String("plan_id", p.ID),
			zap.String("new_plan_id", next.ID),
			zap.Int("new_steps", next.StepsTotal))

		report.NewPlanRequired = true
		report.NewPlanID = next.ID
		report.RequiresContinuation = true

	case protocol.EventSessionNeeded:
		req := sessionRequestFrom(ev.Message)
		e.appendLog(store.LogEntry{
			InstanceID: p.Meta.InstanceID,
			PlanID:     p.ID,
			StepID:     step.ID,
			Kind:       "session_requested",
			Message:    ev.Message,
		})
		report.SessionNeeded = true
		report.SessionRequest = req
		// External action required before a retry can succeed.
		report.RequiresContinuation = false

	case protocol.EventSessionAcquired:
		e.appendLog(store.LogEntry{
			InstanceID: p.Meta.InstanceID,
			PlanID:     p.ID,
			StepID:     step.ID,
			Kind:       "session_acquired",
			Message:    ev.Message,
		})
		report.NewSession = true
		report.RequiresContinuation = true

	case protocol.EventUserAttentionRequired:
		e.appendLog(store.LogEntry{
			InstanceID:  p.Meta.InstanceID,
			PlanID:      p.ID,
			StepID:      step.ID,
			Kind:        "user_attention_required",
			Message:     ev.Message,
			NeedsReview: true,
		})
		report.UserAttentionRequired = true
		report.RequiresContinuation = false
	}
	return nil
}

// sessionRequestFrom derives platform/domain details from the agent's
// session_needed message. Cookie auth is suggested by default; the external
// collaborator picks the actual mechanism.
func sessionRequestFrom(message string) *SessionRequest {
	req := &SessionRequest{AuthType: "cookie"}
	if reqs := sessions.DetectRequirements(message); len(reqs) > 0 {
		req.Platform = reqs[0].Platform
		req.Domain = reqs[0].Domain
	}
	return req
}

// appendLog writes a best-effort activity entry. Log failures never abort an
// invocation.
func (e *Engine) appendLog(entry store.LogEntry) {
	if err := e.store.AppendLog(entry); err != nil {
		e.logger.Warn("failed to append activity log entry",
			zap.String("kind", entry.Kind),
			zap.Error(err))
	}
}
