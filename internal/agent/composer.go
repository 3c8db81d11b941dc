package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"planpilot/internal/plan"
	"planpilot/internal/protocol"
)

// PlanComposer synthesizes a structured replacement plan from the agent's
// free-text proposal. It is an optional dependency: when absent, the engine
// falls back to mechanical extraction from the proposal text.
type PlanComposer struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewPlanComposer creates a composer backed by the Gemini API.
func NewPlanComposer(ctx context.Context, apiKey, model string, logger *zap.Logger) (*PlanComposer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("composer API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &PlanComposer{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

const composerSystemPrompt = `You convert an automation agent's plan proposal into a structured plan document.
Output ONLY a JSON object of this shape, nothing else:
{
  "phases": [
    {"name": "phase name", "steps": [
      {"title": "short imperative title", "description": "what the agent should do"}
    ]}
  ]
}
Keep the steps concrete and executable through a browser/desktop UI. Preserve the proposal's intent and ordering. Use a single phase named "main" if the proposal has no phase structure.`

// Compose turns a free-text plan proposal into phases. The proposal usually
// comes from a plan_new_required response; goal is the original objective for
// context.
func (pc *PlanComposer) Compose(ctx context.Context, goal, proposal string) ([]plan.Phase, error) {
	prompt := fmt.Sprintf("Objective:\n%s\n\nProposed plan:\n%s", goal, proposal)

	resp, err := pc.client.Models.GenerateContent(ctx,
		pc.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(composerSystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("plan composition failed: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return nil, fmt.Errorf("no composition returned")
	}

	raw := protocol.ExtractObject(text)
	if raw == "" {
		raw = text
	}
	phases, err := plan.DecodeDocument([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("composed plan is not decodable: %w", err)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("composed plan has no steps")
	}

	steps := 0
	for _, ph := range phases {
		steps += len(ph.Steps)
	}
	pc.logger.Debug("plan composed",
		zap.String("model", pc.model),
		zap.Int("phases", len(phases)),
		zap.Int("steps", steps))
	return phases, nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
