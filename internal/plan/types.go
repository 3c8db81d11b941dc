// Package plan holds the typed automation-plan model and the state updater
// that recomputes step statuses, aggregate progress, and the overall plan
// status after each execution attempt.
//
// Persisted plans carry a loosely-typed nested document (phases holding
// ordered steps); this package is the strongly-typed internal model, with a
// mapping layer translating to and from the external document shape.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the overall status of a plan.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusReplaced   Status = "replaced"
)

// StepStatus represents the status of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// Terminal reports whether the step status is final for this plan.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled:
		return true
	default:
		return false
	}
}

// Meta links a plan to the owning site/user/agent/command.
type Meta struct {
	InstanceID string `json:"instance_id,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	CommandID  string `json:"command_id,omitempty"`
}

// Plan is an ordered automation goal for one instance.
type Plan struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	// Structure. Step order values are dense and ascending within a phase.
	Phases []Phase `json:"phases"`

	// Aggregate progress, maintained by Recompute.
	StepsTotal      int `json:"steps_total"`
	StepsCompleted  int `json:"steps_completed"`
	ProgressPercent int `json:"progress_percentage"`

	// Failure reason, set only from plan_failed events.
	FailureReason string `json:"failure_reason,omitempty"`

	Meta      Meta      `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Phase is a named group of ordered steps within a plan.
type Phase struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
	Steps []Step `json:"steps"`
}

// Step is one unit of plan work.
type Step struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Order       int        `json:"order"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates an empty active plan with a fresh identifier.
func New(title, description string, meta Meta) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusActive,
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Steps returns all steps across phases in execution order.
func (p *Plan) Steps() []*Step {
	var out []*Step
	for i := range p.Phases {
		for j := range p.Phases[i].Steps {
			out = append(out, &p.Phases[i].Steps[j])
		}
	}
	return out
}

// CurrentStep returns the first step that is not in a terminal status, or nil
// when every step is terminal. Re-invoking the engine therefore never
// re-executes a completed step.
func (p *Plan) CurrentStep() *Step {
	for _, s := range p.Steps() {
		if !s.Status.Terminal() {
			return s
		}
	}
	return nil
}

// StepByOrder returns the step with the given order value, or nil.
func (p *Plan) StepByOrder(order int) *Step {
	for _, s := range p.Steps() {
		if s.Order == order {
			return s
		}
	}
	return nil
}

// AllCompleted reports whether every step in the plan is completed.
func (p *Plan) AllCompleted() bool {
	steps := p.Steps()
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any step in the plan has failed.
func (p *Plan) AnyFailed() bool {
	for _, s := range p.Steps() {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

// SynthesizeStep gives a plan without an explicit step list a single step
// derived from its own title and description. Returns the new step.
func (p *Plan) SynthesizeStep() *Step {
	step := Step{
		ID:          uuid.NewString(),
		Title:       p.Title,
		Description: p.Description,
		Order:       1,
		Status:      StepPending,
	}
	if len(p.Phases) == 0 {
		p.Phases = append(p.Phases, Phase{
			ID:    uuid.NewString(),
			Name:  "main",
			Order: 0,
		})
	}
	phase := &p.Phases[0]
	phase.Steps = append(phase.Steps, step)
	Recompute(p)
	return &phase.Steps[len(phase.Steps)-1]
}

// Text returns the plan's title and description joined for text analysis.
func (p *Plan) Text() string {
	if p.Description == "" {
		return p.Title
	}
	return fmt.Sprintf("%s\n%s", p.Title, p.Description)
}
