// Package engine executes automation plans one step at a time: it selects
// the current step, invokes the remote-agent capability under a wall-clock
// budget, decodes the agent's response into a control event, updates plan
// state, and dispatches control-event side effects.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"planpilot/internal/agent"
	"planpilot/internal/config"
	"planpilot/internal/plan"
	"planpilot/internal/protocol"
	"planpilot/internal/sessions"
	"planpilot/internal/store"
)

// Store is the persistence surface the engine needs. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	Instance(id string) (*store.Instance, error)
	PlanByID(id string) (*plan.Plan, error)
	ActivePlanForInstance(instanceID string) (*plan.Plan, error)
	CreatePlan(p *plan.Plan) error
	SavePlan(p *plan.Plan) error
	SessionsForSite(siteID string) ([]sessions.Record, error)
	AppendLog(entry store.LogEntry) error
}

// Composer synthesizes structured phases from a free-text plan proposal.
// Optional; *agent.PlanComposer satisfies it.
type Composer interface {
	Compose(ctx context.Context, goal, proposal string) ([]plan.Phase, error)
}

// Engine is the plan-step execution engine. Construct it explicitly in the
// composition root; it holds no global state.
type Engine struct {
	store      Store
	capability agent.Capability
	composer   Composer
	logger     *zap.Logger

	budget   time.Duration
	maxSteps int

	// Collapses concurrent invocations for the same plan within this
	// process. Cross-process writes stay last-write-wins.
	group singleflight.Group
	now   func() time.Time
}

// Options are the optional engine dependencies.
type Options struct {
	Composer Composer
	// MaxSteps bounds the capability's internal action loop per invocation.
	MaxSteps int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New constructs an engine.
func New(st Store, capability agent.Capability, cfg config.EngineConfig, logger *zap.Logger, opts Options) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if capability == nil {
		return nil, fmt.Errorf("capability is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	budget, err := cfg.StepBudgetDuration()
	if err != nil {
		return nil, fmt.Errorf("invalid step budget: %w", err)
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 40
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:      st,
		capability: capability,
		composer:   opts.Composer,
		logger:     logger.Named("engine"),
		budget:     budget,
		maxSteps:   maxSteps,
		now:        now,
	}, nil
}

// ActRequest triggers one execution attempt.
type ActRequest struct {
	InstanceID      string `json:"instance_id"`
	PlanID          string `json:"instance_plan_id,omitempty"`
	UserInstruction string `json:"user_instruction,omitempty"`
	// InstructionAsStep inserts the instruction as a new step after the
	// current one instead of splicing it into the current step's description.
	InstructionAsStep bool `json:"instruction_as_step,omitempty"`
}

// Act runs one execution attempt for the instance's current plan step and
// returns a progress report. On infrastructure failure both the report (with
// partial context) and the error are returned.
func (e *Engine) Act(ctx context.Context, req ActRequest) (*Report, error) {
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, fmt.Errorf("instance_id is required")
	}

	key := req.PlanID
	if key == "" {
		key = "instance:" + req.InstanceID
	}
	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.act(ctx, req)
	})
	report, _ := v.(*Report)
	return report, err
}

func (e *Engine) act(ctx context.Context, req ActRequest) (*Report, error) {
	inst, err := e.store.Instance(req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	if inst == nil {
		return &Report{Waiting: true, Message: "unknown instance, waiting for instructions"}, nil
	}
	if inst.Status == store.InstanceStopped {
		return &Report{Waiting: true, Message: "instance is stopped, waiting for instructions"}, nil
	}

	p, err := e.loadPlan(req)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Report{Waiting: true, Message: "no active plan, waiting for instructions"}, nil
	}

	// A plan without explicit steps gets one synthesized from its own
	// title and description.
	if len(p.Steps()) == 0 {
		p.SynthesizeStep()
	}

	step := p.CurrentStep()
	if step == nil {
		// Every step is terminal already; report the standing state.
		report := &Report{
			PlanCompleted: p.Status == plan.StatusCompleted,
			PlanFailed:    p.Status == plan.StatusFailed,
			FailureReason: p.FailureReason,
			PlanProgress:  progressOf(p),
		}
		return report, nil
	}

	if instruction := strings.TrimSpace(req.UserInstruction); instruction != "" {
		if req.InstructionAsStep {
			order := step.Order
			plan.InsertStepAfter(p, order, instruction, "")
			// Insertion can reallocate the phase's step slice; the old
			// pointer would mutate an abandoned copy.
			step = p.StepByOrder(order)
		} else {
			plan.AppendInstruction(step, instruction)
		}
	}

	step.Status = plan.StepInProgress
	p.Status = plan.StatusInProgress
	p.UpdatedAt = e.now()
	if err := e.store.SavePlan(p); err != nil {
		return nil, fmt.Errorf("failed to persist plan before execution: %w", err)
	}
	e.appendLog(store.LogEntry{
		InstanceID: p.Meta.InstanceID,
		PlanID:     p.ID,
		StepID:     step.ID,
		Kind:       "step_started",
		Message:    step.Title,
	})

	invokeReq := e.buildInvokeRequest(req.InstanceID, p, step)
	outcome := e.runStep(ctx, invokeReq, step.Order, e.budget)

	if outcome.err != nil {
		return e.failPlan(p, step, outcome.err)
	}

	if outcome.timedOut {
		e.logger.Info("step still running",
			zap.String("plan_id", p.ID),
			zap.Int("step", step.Order))
		sr := stepReport(step)
		// The step has no stored result yet; the report carries whatever the
		// agent streamed before the budget elapsed.
		if outcome.text != "" {
			sr.Result = outcome.text
		}
		return &Report{
			Step:                 sr,
			PlanProgress:         progressOf(p),
			Timeout:              true,
			RequiresContinuation: true,
		}, nil
	}

	ev := outcome.event
	if !outcome.decoded {
		// Fail closed: an undecodable response is never progress.
		ev = protocol.ControlEvent{
			Kind:    protocol.EventStepFailed,
			Step:    step.Order,
			Message: "agent response contained no recognizable control event",
		}
	}

	report := &Report{}
	if ev.Kind.Terminal() {
		plan.ApplyOutcome(p, step, ev, e.now())
		if err := e.store.SavePlan(p); err != nil {
			return nil, fmt.Errorf("failed to persist plan outcome: %w", err)
		}
		e.appendLog(store.LogEntry{
			InstanceID:   p.Meta.InstanceID,
			PlanID:       p.ID,
			StepID:       step.ID,
			Kind:         string(ev.Kind),
			Message:      ev.Message,
			InputTokens:  outcome.usage.InputTokens,
			OutputTokens: outcome.usage.OutputTokens,
			TotalTokens:  outcome.usage.TotalTokens,
		})
		report.RequiresContinuation = p.Status == plan.StatusInProgress
	} else {
		if err := e.dispatchControl(ctx, p, step, ev, report); err != nil {
			return nil, err
		}
		if p.Status != plan.StatusReplaced {
			p.UpdatedAt = e.now()
			if err := e.store.SavePlan(p); err != nil {
				return nil, fmt.Errorf("failed to persist plan: %w", err)
			}
		}
	}

	report.Step = stepReport(step)
	report.PlanProgress = progressOf(p)
	report.PlanCompleted = p.Status == plan.StatusCompleted
	report.PlanFailed = p.Status == plan.StatusFailed
	report.FailureReason = p.FailureReason
	return report, nil
}

func (e *Engine) loadPlan(req ActRequest) (*plan.Plan, error) {
	if req.PlanID != "" {
		p, err := e.store.PlanByID(req.PlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan: %w", err)
		}
		return p, nil
	}
	p, err := e.store.ActivePlanForInstance(req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active plan: %w", err)
	}
	return p, nil
}

// failPlan handles a capability invocation error: the plan is marked failed
// with the error as the failure reason, best-effort, and the error
// propagates alongside the partial report.
func (e *Engine) failPlan(p *plan.Plan, step *plan.Step, cause error) (*Report, error) {
	p.Status = plan.StatusFailed
	p.FailureReason = cause.Error()
	p.UpdatedAt = e.now()
	if err := e.store.SavePlan(p); err != nil {
		e.logger.Error("failed to persist plan failure", zap.Error(err))
	}
	e.appendLog(store.LogEntry{
		InstanceID: p.Meta.InstanceID,
		PlanID:     p.ID,
		StepID:     step.ID,
		Kind:       "capability_error",
		Message:    cause.Error(),
	})
	report := &Report{
		Step:          stepReport(step),
		PlanFailed:    true,
		FailureReason: p.FailureReason,
		PlanProgress:  progressOf(p),
	}
	return report, fmt.Errorf("capability invocation failed: %w", cause)
}

const systemPrompt = `You control a remote virtual machine through UI actions to execute one step of an automation plan.

Work only on the CURRENT step. When you determine the step's outcome, end your response with a single JSON object and nothing after it:
{"event": "<kind>", "step": <current step number>, "assistant_message": "<what happened>"}

Event kinds:
- step_completed: the current step is done
- step_failed: the current step cannot be completed
- step_canceled: the current step was abandoned on purpose
- plan_failed: the whole plan cannot succeed; explain why in assistant_message
- plan_new_required: the plan needs to be rebuilt; put the proposed replacement plan in assistant_message
- session_needed: you need a login session for a platform; name the platform/domain
- session_acquired: you just obtained a working login session
- user_attention_required: a human must intervene before work can continue`

func (e *Engine) buildInvokeRequest(instanceID string, p *plan.Plan, step *plan.Step) agent.InvokeRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Plan: %s\n", p.Title)
	if p.Description != "" {
		fmt.Fprintf(&sb, "%s\n", p.Description)
	}
	sb.WriteString("\n## Steps\n")
	for _, s := range p.Steps() {
		marker := " "
		if s.Order == step.Order {
			marker = ">"
		}
		fmt.Fprintf(&sb, "%s %d. [%s] %s\n", marker, s.Order, s.Status, s.Title)
	}
	fmt.Fprintf(&sb, "\n## Current step %d: %s\n", step.Order, step.Title)
	if step.Description != "" {
		fmt.Fprintf(&sb, "%s\n", step.Description)
	}

	if records, err := e.store.SessionsForSite(p.Meta.SiteID); err == nil {
		analysis := sessions.Analyze(p.Text()+"\n"+step.Title+"\n"+step.Description, records, e.now())
		if ctx := analysis.PromptContext(); ctx != "" {
			sb.WriteString("\n")
			sb.WriteString(ctx)
		}
	} else {
		e.logger.Warn("failed to load session records", zap.Error(err))
	}

	return agent.InvokeRequest{
		InstanceID:   instanceID,
		SystemPrompt: systemPrompt,
		UserPrompt:   sb.String(),
		Tools: []agent.ToolSpec{
			{Name: "screenshot", Description: "Capture the current screen"},
			{Name: "click", Description: "Click at screen coordinates"},
			{Name: "type", Description: "Type text into the focused element"},
			{Name: "key", Description: "Press a key or key combination"},
			{Name: "scroll", Description: "Scroll the focused window"},
			{Name: "navigate", Description: "Open a URL in the browser"},
		},
		MaxSteps: e.maxSteps,
	}
}
