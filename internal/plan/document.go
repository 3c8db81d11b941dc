package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is the external, loosely-typed persisted shape of a plan's step
// collection: phases each holding an ordered list of steps. The data store
// keeps this as a JSON column; the engine only ever works with the typed
// model, so conversion is confined to this file.
type Document struct {
	Phases []DocumentPhase `json:"phases,omitempty"`

	// Some producers write a bare step list without phases; accepted and
	// wrapped in a synthetic phase on decode.
	Steps []DocumentStep `json:"steps,omitempty"`
}

// DocumentPhase mirrors one phase in the persisted document.
type DocumentPhase struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Order int            `json:"order"`
	Steps []DocumentStep `json:"steps"`
}

// DocumentStep mirrors one step in the persisted document.
type DocumentStep struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Status      string `json:"status,omitempty"`
	Result      string `json:"result,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// DecodeDocument parses the persisted phases document into typed phases.
// Decoding is tolerant: missing ids are minted, missing statuses default to
// pending, zero orders are densified per phase, and a bare top-level step
// list is wrapped in a synthetic "main" phase.
func DecodeDocument(raw []byte) ([]Phase, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan document: %w", err)
	}

	if len(doc.Phases) == 0 && len(doc.Steps) > 0 {
		doc.Phases = []DocumentPhase{{Name: "main", Steps: doc.Steps}}
	}

	next := 1
	phases := make([]Phase, 0, len(doc.Phases))
	for i, dp := range doc.Phases {
		phase := Phase{
			ID:    dp.ID,
			Name:  dp.Name,
			Order: dp.Order,
		}
		if phase.ID == "" {
			phase.ID = uuid.NewString()
		}
		if phase.Order == 0 {
			phase.Order = i
		}
		for _, ds := range dp.Steps {
			step := Step{
				ID:          ds.ID,
				Title:       ds.Title,
				Description: ds.Description,
				Order:       ds.Order,
				Status:      StepStatus(ds.Status),
				Result:      ds.Result,
			}
			if step.ID == "" {
				step.ID = uuid.NewString()
			}
			if step.Status == "" {
				step.Status = StepPending
			}
			if step.Order == 0 {
				step.Order = next
			}
			next = step.Order + 1
			if ds.CompletedAt != "" {
				if ts, err := time.Parse(time.RFC3339, ds.CompletedAt); err == nil {
					step.CompletedAt = &ts
				}
			}
			phase.Steps = append(phase.Steps, step)
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

// EncodeDocument renders typed phases back into the persisted document shape.
func EncodeDocument(phases []Phase) ([]byte, error) {
	doc := Document{Phases: make([]DocumentPhase, 0, len(phases))}
	for _, p := range phases {
		dp := DocumentPhase{ID: p.ID, Name: p.Name, Order: p.Order}
		for _, s := range p.Steps {
			ds := DocumentStep{
				ID:          s.ID,
				Title:       s.Title,
				Description: s.Description,
				Order:       s.Order,
				Status:      string(s.Status),
				Result:      s.Result,
			}
			if s.CompletedAt != nil {
				ds.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
			}
			dp.Steps = append(dp.Steps, ds)
		}
		doc.Phases = append(doc.Phases, dp)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan document: %w", err)
	}
	return raw, nil
}
