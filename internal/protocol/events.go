// Package protocol decodes the remote agent's free-form text output into a
// small, reliable set of control events.
//
// The agent is instructed to terminate each response with a single JSON
// object, but compliance cannot be assumed: the decoder treats LLM text as an
// unreliable wire format and recovers events through an ordered fallback
// chain. Ambiguity is resolved by the caller toward fail-closed defaults.
package protocol

// EventKind identifies the decoded intent of one agent response.
type EventKind string

const (
	EventStepCompleted         EventKind = "step_completed"
	EventStepFailed            EventKind = "step_failed"
	EventStepCanceled          EventKind = "step_canceled"
	EventPlanFailed            EventKind = "plan_failed"
	EventPlanNewRequired       EventKind = "plan_new_required"
	EventSessionAcquired       EventKind = "session_acquired"
	EventSessionNeeded         EventKind = "session_needed"
	EventUserAttentionRequired EventKind = "user_attention_required"
)

// knownKinds is the closed vocabulary accepted by the decoder.
var knownKinds = map[EventKind]bool{
	EventStepCompleted:         true,
	EventStepFailed:            true,
	EventStepCanceled:          true,
	EventPlanFailed:            true,
	EventPlanNewRequired:       true,
	EventSessionAcquired:       true,
	EventSessionNeeded:         true,
	EventUserAttentionRequired: true,
}

// Valid reports whether k is one of the recognized event kinds.
func (k EventKind) Valid() bool {
	return knownKinds[k]
}

// Terminal reports whether the event ends the current step's execution
// attempt. Session and attention events leave the step in progress.
func (k EventKind) Terminal() bool {
	switch k {
	case EventStepCompleted, EventStepFailed, EventStepCanceled, EventPlanFailed:
		return true
	default:
		return false
	}
}

// ControlEvent is the decoded intent of one agent response.
type ControlEvent struct {
	Kind    EventKind `json:"event"`
	Step    int       `json:"step"`
	Message string    `json:"assistant_message"`
}
