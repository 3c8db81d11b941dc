package engine

import "planpilot/internal/plan"

// StepReport summarizes the step an invocation acted on.
type StepReport struct {
	ID     string `json:"id"`
	Order  int    `json:"order"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// SessionRequest carries the details of a session the agent asked for.
type SessionRequest struct {
	Platform string `json:"platform,omitempty"`
	Domain   string `json:"domain,omitempty"`
	AuthType string `json:"suggested_auth_type,omitempty"`
}

// Progress is the plan's aggregate progress after the invocation.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Report is the progress report returned to the caller. It is always
// well-formed, including on internal error.
type Report struct {
	Step *StepReport `json:"step,omitempty"`

	PlanCompleted bool   `json:"plan_completed"`
	PlanFailed    bool   `json:"plan_failed"`
	FailureReason string `json:"failure_reason,omitempty"`

	NewPlanRequired bool   `json:"new_plan_required"`
	NewPlanID       string `json:"new_plan_id,omitempty"`

	NewSession            bool            `json:"new_session"`
	SessionNeeded         bool            `json:"session_needed"`
	SessionRequest        *SessionRequest `json:"session_request,omitempty"`
	UserAttentionRequired bool            `json:"user_attention_required"`

	PlanProgress *Progress `json:"plan_progress,omitempty"`

	// RequiresContinuation tells the caller to invoke again: the step timed
	// out, or the plan has further pending steps.
	RequiresContinuation bool `json:"requires_continuation"`
	Timeout              bool `json:"timeout"`

	// Waiting signals there was nothing to execute (unknown or stopped
	// instance, no active plan). Not a failure.
	Waiting bool   `json:"waiting,omitempty"`
	Message string `json:"message,omitempty"`
}

func stepReport(s *plan.Step) *StepReport {
	if s == nil {
		return nil
	}
	return &StepReport{
		ID:     s.ID,
		Order:  s.Order,
		Title:  s.Title,
		Status: string(s.Status),
		Result: s.Result,
	}
}

func progressOf(p *plan.Plan) *Progress {
	if p == nil {
		return nil
	}
	return &Progress{
		Completed:  p.StepsCompleted,
		Total:      p.StepsTotal,
		Percentage: p.ProgressPercent,
	}
}
