package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	legacyRe      = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s+(finished|failed|canceled)\b`)
)

// requiredKeys are the three fields every structured event must carry.
var requiredKeys = []string{"\"event\"", "\"step\"", "\"assistant_message\""}

// Decode extracts a single control event from an arbitrary agent response.
//
// Candidates are tried in order of preference: JSON fenced in a code block,
// an unfenced object located by scanning for the three required keys, and as
// a last resort the last balanced {...} span in the text. Each candidate is
// parsed permissively and accepted only if all three fields are present with
// the correct primitive types. If no candidate validates, the legacy free-text
// pattern "step N finished|failed|canceled" is tried before giving up.
//
// The second return value is false when nothing decodable was found. Decode
// never maps absence to success; that policy belongs to the caller.
func Decode(text string) (ControlEvent, bool) {
	for _, candidate := range candidates(text) {
		if ev, ok := parseCandidate(candidate); ok {
			return ev, true
		}
	}
	return decodeLegacy(text)
}

// candidates yields JSON object candidates in decoder preference order.
func candidates(text string) []string {
	var out []string

	// (a) Fenced code blocks. The agent is told to terminate with the event
	// object, so later fences are more likely to be it.
	fences := fencedBlockRe.FindAllStringSubmatch(text, -1)
	for i := len(fences) - 1; i >= 0; i-- {
		out = append(out, fences[i][1])
	}

	// (b) Unfenced object located by the three required keys.
	if span := spanWithKeys(text); span != "" {
		out = append(out, span)
	}

	// (c) Last balanced {...} span anywhere in the text.
	if span := lastObjectSpan(text); span != "" {
		out = append(out, span)
	}

	return out
}

// spanWithKeys finds the smallest balanced object span containing all three
// required keys, scanning from the last occurrence of "event" backwards to
// the enclosing brace.
func spanWithKeys(text string) string {
	idx := strings.LastIndex(text, requiredKeys[0])
	for idx >= 0 {
		open := strings.LastIndex(text[:idx], "{")
		if open < 0 {
			return ""
		}
		if span := balancedSpan(text, open); span != "" && hasAllKeys(span) {
			return span
		}
		idx = strings.LastIndex(text[:idx], requiredKeys[0])
	}
	return ""
}

func hasAllKeys(span string) bool {
	for _, key := range requiredKeys {
		if !strings.Contains(span, key) {
			return false
		}
	}
	return true
}

// lastObjectSpan returns the last balanced {...} span in the text.
func lastObjectSpan(text string) string {
	for open := strings.LastIndex(text, "{"); open >= 0; open = strings.LastIndex(text[:open], "{") {
		if span := balancedSpan(text, open); span != "" {
			return span
		}
	}
	return ""
}

// balancedSpan returns the brace-balanced span starting at open, or "".
// Quote-aware so braces inside string values do not end the span.
func balancedSpan(text string, open int) string {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[open : i+1]
			}
		}
	}
	return ""
}

// parseCandidate parses one candidate span, tolerating the kinds of mangling
// LLMs produce (stray escaped newlines and quotes around an otherwise valid
// object), and validates the three-field contract.
func parseCandidate(candidate string) (ControlEvent, bool) {
	attempts := []string{
		candidate,
		strings.NewReplacer(`\n`, " ", `\t`, " ").Replace(candidate),
		strings.NewReplacer(`\"`, `"`, `\n`, " ").Replace(candidate),
	}
	for _, attempt := range attempts {
		var raw struct {
			Event            *string      `json:"event"`
			Step             *json.Number `json:"step"`
			AssistantMessage *string      `json:"assistant_message"`
		}
		dec := json.NewDecoder(strings.NewReader(attempt))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if raw.Event == nil || raw.Step == nil || raw.AssistantMessage == nil {
			continue
		}
		kind := EventKind(strings.TrimSpace(*raw.Event))
		if !kind.Valid() {
			continue
		}
		step, err := raw.Step.Int64()
		if err != nil {
			continue
		}
		return ControlEvent{Kind: kind, Step: int(step), Message: *raw.AssistantMessage}, true
	}
	return ControlEvent{}, false
}

// decodeLegacy matches the weaker free-text pattern the agent used before the
// structured protocol existed. Kept as the final fallback because strict JSON
// compliance by the agent cannot be guaranteed.
func decodeLegacy(text string) (ControlEvent, bool) {
	m := legacyRe.FindStringSubmatch(text)
	if m == nil {
		return ControlEvent{}, false
	}
	step := 0
	for _, c := range m[1] {
		step = step*10 + int(c-'0')
	}
	var kind EventKind
	switch strings.ToLower(m[2]) {
	case "finished":
		kind = EventStepCompleted
	case "failed":
		kind = EventStepFailed
	case "canceled":
		kind = EventStepCanceled
	}
	return ControlEvent{Kind: kind, Step: step, Message: strings.TrimSpace(text)}, true
}

// ExtractObject returns the last balanced JSON object span in text, or "".
// Shared by callers that pull structured payloads (such as replacement plan
// documents) out of agent narration.
func ExtractObject(text string) string {
	if fences := fencedBlockRe.FindAllStringSubmatch(text, -1); len(fences) > 0 {
		return fences[len(fences)-1][1]
	}
	return lastObjectSpan(text)
}
