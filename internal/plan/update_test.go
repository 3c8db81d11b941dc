package plan

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planpilot/internal/protocol"
)

func fourStepPlan() *Plan {
	p := New("Publish product update", "", Meta{InstanceID: "inst-1"})
	p.Phases = []Phase{{
		ID:    "ph-1",
		Name:  "main",
		Steps: []Step{
			{ID: "s1", Title: "Open dashboard", Order: 1, Status: StepPending},
			{ID: "s2", Title: "Draft post", Order: 2, Status: StepPending},
			{ID: "s3", Title: "Attach image", Order: 3, Status: StepPending},
			{ID: "s4", Title: "Publish", Order: 4, Status: StepPending},
		},
	}}
	Recompute(p)
	return p
}

func TestRecomputeProgressArithmetic(t *testing.T) {
	p := fourStepPlan()
	assert.Equal(t, 4, p.StepsTotal)
	assert.Equal(t, 0, p.StepsCompleted)
	assert.Equal(t, 0, p.ProgressPercent)

	p.Phases[0].Steps[0].Status = StepCompleted
	Recompute(p)
	assert.Equal(t, 1, p.StepsCompleted)
	assert.Equal(t, 25, p.ProgressPercent)

	p.Phases[0].Steps[1].Status = StepCompleted
	p.Phases[0].Steps[2].Status = StepCompleted
	Recompute(p)
	assert.Equal(t, 75, p.ProgressPercent)
	assert.LessOrEqual(t, p.StepsCompleted, p.StepsTotal)
}

func TestRecomputeRoundsToNearest(t *testing.T) {
	p := New("t", "", Meta{})
	p.Phases = []Phase{{Steps: []Step{
		{Order: 1, Status: StepCompleted},
		{Order: 2, Status: StepPending},
		{Order: 3, Status: StepPending},
	}}}
	Recompute(p)
	// 100/3 rounds to 33.
	assert.Equal(t, 33, p.ProgressPercent)

	p.Phases[0].Steps[1].Status = StepCompleted
	Recompute(p)
	// 200/3 rounds to 67.
	assert.Equal(t, 67, p.ProgressPercent)
}

func TestApplyOutcomeStepFailedFailsPlan(t *testing.T) {
	p := fourStepPlan()
	step := p.StepByOrder(1)
	require.NotNil(t, step)

	ApplyOutcome(p, step, protocol.ControlEvent{
		Kind:    protocol.EventStepFailed,
		Step:    1,
		Message: "Page not found",
	}, time.Now())

	assert.Equal(t, StepFailed, step.Status)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "Page not found", step.Result)
	// failure_reason comes from plan_failed messages specifically.
	assert.Empty(t, p.FailureReason)
}

func TestApplyOutcomePlanFailedSetsReason(t *testing.T) {
	p := fourStepPlan()
	step := p.StepByOrder(1)

	ApplyOutcome(p, step, protocol.ControlEvent{
		Kind:    protocol.EventPlanFailed,
		Step:    1,
		Message: "Account is locked out",
	}, time.Now())

	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "Account is locked out", p.FailureReason)
}

func TestApplyOutcomeLastStepCompletesPlan(t *testing.T) {
	p := fourStepPlan()
	for _, o := range []int{1, 2, 3} {
		p.StepByOrder(o).Status = StepCompleted
	}
	Recompute(p)

	step := p.CurrentStep()
	require.NotNil(t, step)
	assert.Equal(t, 4, step.Order)

	ApplyOutcome(p, step, protocol.ControlEvent{
		Kind:    protocol.EventStepCompleted,
		Step:    4,
		Message: "Published",
	}, time.Now())

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 100, p.ProgressPercent)
	assert.NotNil(t, step.CompletedAt)
}

func TestApplyOutcomeMidPlanCompletionStaysInProgress(t *testing.T) {
	p := fourStepPlan()
	step := p.StepByOrder(1)

	ApplyOutcome(p, step, protocol.ControlEvent{
		Kind: protocol.EventStepCompleted,
		Step: 1,
	}, time.Now())

	assert.Equal(t, StatusInProgress, p.Status)
	assert.Equal(t, 25, p.ProgressPercent)
}

func TestApplyOutcomeCancelled(t *testing.T) {
	p := fourStepPlan()
	step := p.StepByOrder(1)

	ApplyOutcome(p, step, protocol.ControlEvent{
		Kind: protocol.EventStepCanceled,
		Step: 1,
	}, time.Now())

	assert.Equal(t, StepCancelled, step.Status)
	assert.Equal(t, StatusCancelled, p.Status)
}

func TestCurrentStepSkipsCompleted(t *testing.T) {
	p := fourStepPlan()
	p.StepByOrder(1).Status = StepCompleted

	step := p.CurrentStep()
	require.NotNil(t, step)
	assert.Equal(t, 2, step.Order)

	for _, s := range p.Steps() {
		s.Status = StepCompleted
	}
	assert.Nil(t, p.CurrentStep())
}

func TestInsertStepAfterKeepsOrderDense(t *testing.T) {
	p := fourStepPlan()
	inserted := InsertStepAfter(p, 2, "Review copy", "check the wording")

	assert.Equal(t, 3, inserted.Order)
	assert.Equal(t, 5, p.StepsTotal)

	var orders []int
	for _, s := range p.Steps() {
		orders = append(orders, s.Order)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, orders); diff != "" {
		t.Fatalf("orders not dense ascending (-want +got):\n%s", diff)
	}
}

func TestInsertStepAppendsPastEnd(t *testing.T) {
	p := fourStepPlan()
	inserted := InsertStepAfter(p, 4, "Follow up", "")
	assert.Equal(t, 5, inserted.Order)
	assert.Equal(t, 5, p.StepsTotal)
}

func TestAppendInstruction(t *testing.T) {
	step := &Step{Description: "Open the admin page"}
	AppendInstruction(step, "use the staging site instead")
	assert.Contains(t, step.Description, "Open the admin page")
	assert.Contains(t, step.Description, "use the staging site instead")

	empty := &Step{}
	AppendInstruction(empty, "just do this")
	assert.Equal(t, "just do this", empty.Description)

	AppendInstruction(step, "   ")
	assert.NotContains(t, step.Description, "User direction:    ")
}

func TestSynthesizeStep(t *testing.T) {
	p := New("Log into example.com", "use stored credentials", Meta{})
	step := p.SynthesizeStep()

	assert.Equal(t, 1, step.Order)
	assert.Equal(t, "Log into example.com", step.Title)
	assert.Equal(t, StepPending, step.Status)
	assert.Equal(t, 1, p.StepsTotal)
}
