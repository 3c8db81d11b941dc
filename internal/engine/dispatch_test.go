package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planpilot/internal/plan"
)

func TestActPlanNewRequiredReplacesPlan(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 2)

	proposal := `The current plan cannot work. New plan:
` + "```json\n" + `{"title":"Recover the publish flow","description":"Use the dashboard","steps":["Open the dashboard","Re-authenticate","Publish from the editor"]}` + "\n```"
	e := newTestEngine(t, st, respondWith(controlJSON("plan_new_required", 1, proposal)), "5s", Options{})

	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	assert.True(t, report.NewPlanRequired)
	assert.NotEmpty(t, report.NewPlanID)
	assert.True(t, report.RequiresContinuation)

	old, _ := st.PlanByID(p.ID)
	assert.Equal(t, plan.StatusReplaced, old.Status)

	next, _ := st.PlanByID(report.NewPlanID)
	require.NotNil(t, next)
	assert.Equal(t, plan.StatusActive, next.Status)
	assert.Equal(t, "Recover the publish flow", next.Title)
	assert.Equal(t, 3, next.StepsTotal)
	assert.Equal(t, "Open the dashboard", next.Steps()[0].Title)
	// Ownership metadata carries over.
	assert.Equal(t, p.Meta.InstanceID, next.Meta.InstanceID)
	assert.Contains(t, st.logKinds(), "plan_replaced")
}

func TestActPlanNewRequiredMarkdownListFallback(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 1)

	proposal := "We should instead:\n1. Open the settings page\n2. Rotate the API key\n3. Update the integration"
	e := newTestEngine(t, st, respondWith(controlJSON("plan_new_required", 1, proposal)), "5s", Options{})

	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	next, _ := st.PlanByID(report.NewPlanID)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.StepsTotal)
	assert.Equal(t, "Rotate the API key", next.Steps()[1].Title)
}

func TestActPlanNewRequiredRawTextSingleStep(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 1)

	e := newTestEngine(t, st, respondWith(controlJSON("plan_new_required", 1, "just retry everything from scratch tomorrow")), "5s", Options{})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	next, _ := st.PlanByID(report.NewPlanID)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.StepsTotal)
}

type fakeComposer struct {
	phases []plan.Phase
	err    error
	called bool
}

func (f *fakeComposer) Compose(ctx context.Context, goal, proposal string) ([]plan.Phase, error) {
	f.called = true
	return f.phases, f.err
}

func TestActPlanNewRequiredComposerBeforeRawText(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 1)
	composer := &fakeComposer{phases: []plan.Phase{{
		ID:   "ph-x",
		Name: "main",
		Steps: []plan.Step{
			{ID: "cs-1", Title: "Composed step one", Order: 1, Status: plan.StepPending},
			{ID: "cs-2", Title: "Composed step two", Order: 2, Status: plan.StepPending},
		},
	}}}

	e := newTestEngine(t, st, respondWith(controlJSON("plan_new_required", 1, "a vague prose proposal with no list")), "5s", Options{Composer: composer})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	assert.True(t, composer.called)
	next, _ := st.PlanByID(report.NewPlanID)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.StepsTotal)
	assert.Equal(t, "Composed step one", next.Steps()[0].Title)
}

func TestActPlanNewRequiredComposerErrorFallsBack(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 1)
	composer := &fakeComposer{err: fmt.Errorf("quota exceeded")}

	e := newTestEngine(t, st, respondWith(controlJSON("plan_new_required", 1, "a vague prose proposal")), "5s", Options{Composer: composer})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	next, _ := st.PlanByID(report.NewPlanID)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.StepsTotal)
}

func TestActSessionNeededBlocksWithoutFailing(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 2)

	e := newTestEngine(t, st, respondWith(controlJSON("session_needed", 1, "I need a login for shopify to continue")), "5s", Options{})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	assert.True(t, report.SessionNeeded)
	require.NotNil(t, report.SessionRequest)
	assert.Equal(t, "shopify.com", report.SessionRequest.Domain)
	assert.False(t, report.RequiresContinuation)
	assert.False(t, report.PlanFailed)

	// Blocked is a report flag only; the stored step stays in_progress.
	saved, _ := st.PlanByID(p.ID)
	assert.Equal(t, plan.StepInProgress, saved.Phases[0].Steps[0].Status)
	assert.Equal(t, plan.StatusInProgress, saved.Status)
	assert.Contains(t, st.logKinds(), "session_requested")
}

func TestActSessionAcquiredLogsAndContinues(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 2)

	e := newTestEngine(t, st, respondWith(controlJSON("session_acquired", 1, "logged into example.com")), "5s", Options{})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	assert.True(t, report.NewSession)
	assert.True(t, report.RequiresContinuation)
	assert.Contains(t, st.logKinds(), "session_acquired")
}

func TestActUserAttentionRequiredFlagsForReview(t *testing.T) {
	st := newFakeStore()
	p := seedPlan(st, 2)

	e := newTestEngine(t, st, respondWith(controlJSON("user_attention_required", 1, "a captcha appeared")), "5s", Options{})
	report, err := e.Act(context.Background(), ActRequest{InstanceID: "inst-1", PlanID: p.ID})
	require.NoError(t, err)

	assert.True(t, report.UserAttentionRequired)
	assert.False(t, report.RequiresContinuation)

	var reviewed bool
	for _, entry := range st.logs {
		if entry.Kind == "user_attention_required" && entry.NeedsReview {
			reviewed = true
		}
	}
	assert.True(t, reviewed)

	saved, _ := st.PlanByID(p.ID)
	assert.Equal(t, plan.StepInProgress, saved.Phases[0].Steps[0].Status)
}
