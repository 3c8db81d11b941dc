package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planpilot/internal/plan"
	"planpilot/internal/protocol"
)

// proposalDoc is the structured shape the agent is asked to use when it
// proposes a replacement plan. Steps may be plain strings or objects.
type proposalDoc struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Steps       []json.RawMessage `json:"steps"`
}

var listItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+?)\s*$`)

// buildReplacementPlan synthesizes the successor plan from the agent's
// proposal text. Extraction chain: structured JSON, then a markdown/numbered
// list, then the composer when configured, finally the raw text as a single
// step. The chain never fails; something executable always comes out.
func (e *Engine) buildReplacementPlan(ctx context.Context, old *plan.Plan, proposal string) *plan.Plan {
	next := plan.New(old.Title, old.Description, old.Meta)

	if title, desc, steps, ok := parseProposalJSON(proposal); ok {
		if title != "" {
			next.Title = title
		}
		if desc != "" {
			next.Description = desc
		}
		next.Phases = stepsToPhase(steps)
		plan.Recompute(next)
		return next
	}

	if steps := parseProposalList(proposal); len(steps) >= 2 {
		next.Phases = stepsToPhase(steps)
		plan.Recompute(next)
		return next
	}

	if e.composer != nil {
		phases, err := e.composer.Compose(ctx, old.Text(), proposal)
		if err == nil && len(phases) > 0 {
			next.Phases = phases
			plan.Recompute(next)
			return next
		}
		if err != nil {
			e.logger.Warn("plan composer failed, using raw-text fallback", zap.Error(err))
		}
	}

	// Last resort: the whole proposal becomes a single step.
	next.Description = proposal
	next.SynthesizeStep()
	return next
}

func parseProposalJSON(text string) (title, description string, steps []stepDraft, ok bool) {
	raw := protocol.ExtractObject(text)
	if raw == "" {
		return "", "", nil, false
	}
	var doc proposalDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", "", nil, false
	}
	if len(doc.Steps) == 0 {
		return "", "", nil, false
	}
	for _, rawStep := range doc.Steps {
		var s string
		if err := json.Unmarshal(rawStep, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, stepDraft{title: s})
			}
			continue
		}
		var obj struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(rawStep, &obj); err == nil && strings.TrimSpace(obj.Title) != "" {
			steps = append(steps, stepDraft{
				title:       strings.TrimSpace(obj.Title),
				description: strings.TrimSpace(obj.Description),
			})
		}
	}
	if len(steps) == 0 {
		return "", "", nil, false
	}
	return strings.TrimSpace(doc.Title), strings.TrimSpace(doc.Description), steps, true
}

func parseProposalList(text string) []stepDraft {
	var steps []stepDraft
	for _, line := range strings.Split(text, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			steps = append(steps, stepDraft{title: m[1]})
		}
	}
	return steps
}

type stepDraft struct {
	title       string
	description string
}

func stepsToPhase(drafts []stepDraft) []plan.Phase {
	phase := plan.Phase{ID: uuid.NewString(), Name: "main"}
	for i, d := range drafts {
		phase.Steps = append(phase.Steps, plan.Step{
			ID:          uuid.NewString(),
			Title:       d.title,
			Description: d.description,
			Order:       i + 1,
			Status:      plan.StepPending,
		})
	}
	return []plan.Phase{phase}
}
