package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDocumentTolerant(t *testing.T) {
	raw := []byte(`{
		"phases": [
			{"name": "setup", "steps": [
				{"title": "Open site"},
				{"title": "Log in", "status": "completed", "completed_at": "2026-08-20T10:00:00Z"}
			]},
			{"name": "work", "steps": [
				{"title": "Post update", "order": 3}
			]}
		]
	}`)

	phases, err := DecodeDocument(raw)
	require.NoError(t, err)
	require.Len(t, phases, 2)

	// Missing ids minted, missing statuses defaulted, orders densified.
	assert.NotEmpty(t, phases[0].Steps[0].ID)
	assert.Equal(t, StepPending, phases[0].Steps[0].Status)
	assert.Equal(t, 1, phases[0].Steps[0].Order)
	assert.Equal(t, 2, phases[0].Steps[1].Order)
	assert.Equal(t, StepCompleted, phases[0].Steps[1].Status)
	require.NotNil(t, phases[0].Steps[1].CompletedAt)
	assert.Equal(t, 3, phases[1].Steps[0].Order)
}

func TestDecodeDocumentBareStepList(t *testing.T) {
	raw := []byte(`{"steps": [{"title": "Only step"}]}`)

	phases, err := DecodeDocument(raw)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, "main", phases[0].Name)
	require.Len(t, phases[0].Steps, 1)
	assert.Equal(t, 1, phases[0].Steps[0].Order)
}

func TestDecodeDocumentEmpty(t *testing.T) {
	phases, err := DecodeDocument(nil)
	require.NoError(t, err)
	assert.Nil(t, phases)

	_, err = DecodeDocument([]byte("not json"))
	assert.Error(t, err)
}

func TestEncodeDecodeDocument(t *testing.T) {
	p := fourStepPlan()
	p.Phases[0].Steps[0].Status = StepCompleted

	raw, err := EncodeDocument(p.Phases)
	require.NoError(t, err)

	phases, err := DecodeDocument(raw)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, StepCompleted, phases[0].Steps[0].Status)
	assert.Equal(t, "Publish", phases[0].Steps[3].Title)
}
