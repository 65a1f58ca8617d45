package brain

import (
	"encoding/json"
	"strings"
)

// Extraction is the split of one model response into an optional action
// object and the surrounding free text, which is kept as thought.
type Extraction struct {
	Action  map[string]any
	Thought string
}

// Extract finds the first complete JSON object carrying an "action" key
// anywhere in the text. Models wrap actions in prose, markdown fences,
// or nothing at all; the scan starts a streaming decode at every '{' and
// takes the first object that parses, so nested braces inside string
// values do not fool it. Text with no action is all thought.
func Extract(text string) Extraction {
	if inner, ok := fencedBlock(text); ok {
		if action := decodeAction(inner); action != nil {
			return Extraction{Action: action, Thought: strings.TrimSpace(withoutFence(text))}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		action := decodeAction(string(raw))
		if action == nil {
			continue
		}
		end := i + int(dec.InputOffset())
		thought := strings.TrimSpace(text[:i] + " " + text[end:])
		return Extraction{Action: action, Thought: thought}
	}

	return Extraction{Thought: strings.TrimSpace(text)}
}

// decodeAction parses a candidate object and requires an "action" string
// key; anything else is just JSON-looking prose.
func decodeAction(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	if name, ok := obj["action"].(string); !ok || name == "" {
		return nil
	}
	return obj
}

// fencedBlock extracts the body of the first ```json fence.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```json")
	if start < 0 {
		start = strings.Index(text, "```")
		if start < 0 {
			return "", false
		}
	}
	rest := text[start:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	body := rest[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	return body[:end], true
}

// withoutFence removes the first fenced block from the text.
func withoutFence(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return text[:start]
	}
	return text[:start] + rest[end+3:]
}
