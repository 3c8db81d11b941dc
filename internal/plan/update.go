package plan

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"planpilot/internal/protocol"
)

// Recompute refreshes the aggregate counters from the step collection:
// steps_total, steps_completed, and progress_percentage = round(100 * c / t).
func Recompute(p *Plan) {
	total, completed := 0, 0
	for _, s := range p.Steps() {
		total++
		if s.Status == StepCompleted {
			completed++
		}
	}
	p.StepsTotal = total
	p.StepsCompleted = completed
	if total == 0 {
		p.ProgressPercent = 0
		return
	}
	p.ProgressPercent = int(math.Round(100 * float64(completed) / float64(total)))
}

// ApplyOutcome applies a terminal control event to the current step and
// derives the new plan status.
//
// Step mapping: step_completed → completed; step_failed and plan_failed →
// failed; step_canceled → cancelled; anything else leaves the step
// in_progress. Plan mapping: completed only when the outcome completed the
// last remaining step; failed when the outcome failed or any step is failed;
// cancelled on step_canceled; otherwise in_progress. A single failed step
// fails the whole plan; retries happen by re-invoking the engine.
func ApplyOutcome(p *Plan, step *Step, ev protocol.ControlEvent, now time.Time) {
	switch ev.Kind {
	case protocol.EventStepCompleted:
		step.Status = StepCompleted
		ts := now
		step.CompletedAt = &ts
	case protocol.EventStepFailed, protocol.EventPlanFailed:
		step.Status = StepFailed
	case protocol.EventStepCanceled:
		step.Status = StepCancelled
	}
	if ev.Message != "" {
		step.Result = ev.Message
	}

	Recompute(p)

	switch {
	case ev.Kind == protocol.EventStepCompleted && p.AllCompleted():
		p.Status = StatusCompleted
	case ev.Kind == protocol.EventStepFailed || ev.Kind == protocol.EventPlanFailed || p.AnyFailed():
		p.Status = StatusFailed
	case ev.Kind == protocol.EventStepCanceled:
		p.Status = StatusCancelled
	default:
		p.Status = StatusInProgress
	}

	// The failure reason comes from plan_failed messages specifically.
	if ev.Kind == protocol.EventPlanFailed {
		p.FailureReason = ev.Message
	}
	p.UpdatedAt = now
}

// AppendInstruction splices a user instruction into the current step's
// description. This is the common case for mid-plan direction: it avoids
// creating a new step entity and renumbering.
func AppendInstruction(step *Step, instruction string) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return
	}
	if step.Description == "" {
		step.Description = instruction
		return
	}
	step.Description = fmt.Sprintf("%s\n\nUser direction: %s", step.Description, instruction)
}

// InsertStepAfter inserts a user-directed step after the step with order
// afterOrder, shifting the order of all subsequent steps by one so that order
// values stay dense and ascending. The secondary path for mid-plan direction.
func InsertStepAfter(p *Plan, afterOrder int, title, description string) *Step {
	step := Step{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Order:       afterOrder + 1,
		Status:      StepPending,
	}

	if len(p.Phases) == 0 {
		p.Phases = append(p.Phases, Phase{ID: uuid.NewString(), Name: "main", Order: 0})
	}

	// Locate the phase containing afterOrder; default to the last phase when
	// the order is past the end (append semantics).
	phaseIdx := len(p.Phases) - 1
	insertAt := len(p.Phases[phaseIdx].Steps)
	for i := range p.Phases {
		for j := range p.Phases[i].Steps {
			if p.Phases[i].Steps[j].Order == afterOrder {
				phaseIdx = i
				insertAt = j + 1
			}
		}
	}

	phase := &p.Phases[phaseIdx]
	phase.Steps = append(phase.Steps, Step{})
	copy(phase.Steps[insertAt+1:], phase.Steps[insertAt:])
	phase.Steps[insertAt] = step

	// Shift every subsequent order across all phases.
	for _, s := range p.Steps() {
		if s.ID != step.ID && s.Order > afterOrder {
			s.Order++
		}
	}

	Recompute(p)
	return &phase.Steps[insertAt]
}
