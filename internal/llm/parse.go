package llm

import (
	"encoding/json"
	"strings"

	"github.com/autofixlabs/autofix/internal/domain"
)

// failedDiagnosisNote explains attempts where no usable fix could be
// recovered from the model's answer.
const failedDiagnosisNote = "no diagnosis available"

const fallbackExplanation = "model returned an unstructured answer; extracted the embedded code block"

// rawSuggestion is the structured shape the model is prompted to return.
type rawSuggestion struct {
	Explanation string `json:"explanation"`
	FixedCode   string `json:"fixed_code"`
	Reasoning   string `json:"reasoning"`
}

// ParseSuggestion turns raw model output into a usable suggestion. It tries
// strict JSON first, then falls back to extracting a fenced code block, and
// finally echoes the unmodified input so the loop can keep retrying without
// destroying working code. It never fails.
func ParseSuggestion(raw, currentCode string) domain.PatchSuggestion {
	raw = strings.TrimSpace(raw)

	if s, ok := parseStructured(raw); ok {
		return s
	}

	if code, prose, ok := extractFencedBlock(raw); ok {
		explanation := prose
		if explanation == "" {
			explanation = fallbackExplanation
		}
		return domain.PatchSuggestion{Explanation: explanation, FixedCode: code}
	}

	return domain.PatchSuggestion{Explanation: failedDiagnosisNote, FixedCode: currentCode}
}

// parseStructured attempts strict JSON parsing, tolerating prose wrapped
// around the object. Suggestions with empty fixed code are rejected so an
// empty replacement can never clobber the current code.
func parseStructured(raw string) (domain.PatchSuggestion, bool) {
	candidate := raw
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return domain.PatchSuggestion{}, false
		}
		candidate = raw[start : end+1]
	}

	var parsed rawSuggestion
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return domain.PatchSuggestion{}, false
	}

	code := stripFences(parsed.FixedCode)
	if strings.TrimSpace(code) == "" {
		return domain.PatchSuggestion{}, false
	}

	explanation := strings.TrimSpace(parsed.Explanation)
	if explanation == "" {
		explanation = "model provided a fix"
	}

	return domain.PatchSuggestion{
		Explanation: explanation,
		FixedCode:   code,
		Reasoning:   strings.TrimSpace(parsed.Reasoning),
	}, true
}

// extractFencedBlock pulls the first fenced code block out of prose and
// returns the remaining text as explanation.
func extractFencedBlock(raw string) (code, prose string, ok bool) {
	start := strings.Index(raw, "```")
	if start < 0 {
		return "", "", false
	}

	bodyStart := start + 3
	// Skip a language tag such as "python" on the opening fence.
	if nl := strings.IndexByte(raw[bodyStart:], '\n'); nl >= 0 {
		tag := strings.TrimSpace(raw[bodyStart : bodyStart+nl])
		if tag != "" && !strings.ContainsAny(tag, " \t(") && len(tag) <= 20 {
			bodyStart += nl + 1
		}
	}

	bodyEnd := len(raw)
	tail := ""
	if closing := strings.Index(raw[bodyStart:], "```"); closing >= 0 {
		bodyEnd = bodyStart + closing
		tail = raw[bodyEnd+3:]
	}

	code = strings.TrimSpace(raw[bodyStart:bodyEnd])
	if code == "" {
		return "", "", false
	}

	before := strings.TrimSpace(raw[:start])
	after := strings.TrimSpace(tail)
	prose = strings.TrimSpace(strings.Join(deleteEmpty([]string{before, after}), " "))
	return code, prose, true
}

// stripFences removes markdown fences that slipped through despite the
// JSON-only instruction.
func stripFences(code string) string {
	code = strings.TrimSpace(code)
	if after, found := strings.CutPrefix(code, "```python"); found {
		code = after
	} else if after, found := strings.CutPrefix(code, "```"); found {
		code = after
	}
	if before, found := strings.CutSuffix(strings.TrimSpace(code), "```"); found {
		code = before
	}
	return strings.TrimSpace(code)
}

func deleteEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
