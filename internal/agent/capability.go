// Package agent defines the boundary to the remote-agent capability: the
// external computer-control/LLM integration that executes UI actions on a
// virtual machine and streams textual reasoning while doing so.
//
// The capability is a black box from the engine's perspective. It accepts a
// system prompt, a user prompt, and a bounded tool surface, emits a stream of
// step events, and finishes with an aggregated text plus usage metrics.
package agent

import (
	"context"
	"time"
)

// StepEvent is one intermediate event emitted while the capability works on
// a step. Text carries the agent's narration for the event; ToolCall is set
// when the event represents a UI action.
type StepEvent struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	ToolCall  *ToolCall `json:"tool_call,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ToolCall describes one UI action taken by the agent.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolSpec declares one tool exposed to the agent. The engine only ever
// grants UI-action tools.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InvokeRequest carries one step execution to the capability.
type InvokeRequest struct {
	InstanceID   string     `json:"instance_id"`
	SystemPrompt string     `json:"system_prompt"`
	UserPrompt   string     `json:"user_prompt"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	MaxSteps     int        `json:"max_steps,omitempty"`
}

// Usage reports token accounting for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// InvokeResult is the terminal outcome of one invocation: the final
// aggregated text plus usage metrics.
type InvokeResult struct {
	Text   string `json:"text"`
	Events int    `json:"events"`
	Usage  Usage  `json:"usage"`
}

// Capability is the remote-agent integration. Invoke blocks until the
// capability finishes or errs, calling onEvent for every intermediate step
// event in stream order. onEvent may be nil.
//
// Implementations expose no cancellation primitive beyond the context; the
// engine deliberately invokes with a non-cancellable context and abandons
// timed-out runs (see the step runner).
type Capability interface {
	Invoke(ctx context.Context, req InvokeRequest, onEvent func(StepEvent)) (*InvokeResult, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, req InvokeRequest, onEvent func(StepEvent)) (*InvokeResult, error)

// Invoke implements Capability.
func (f CapabilityFunc) Invoke(ctx context.Context, req InvokeRequest, onEvent func(StepEvent)) (*InvokeResult, error) {
	return f(ctx, req, onEvent)
}
