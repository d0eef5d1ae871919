package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mmrelay/mmrelay/internal/logging"
)

var (
	thinkRe    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolCallRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	blankRunRe = regexp.MustCompile(`\n\s*\n\s*\n`)
)

// stripThink removes reasoning blocks and collapses the blank runs they
// leave behind.
func stripThink(s string) string {
	s = thinkRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

type sentinelCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// extractToolCalls pulls sentinel-wrapped tool call descriptors out of the
// text. Well-formed descriptors are removed from the visible text; malformed
// ones stay in place as plain text.
func extractToolCalls(content string) (string, []ToolCall) {
	var calls []ToolCall

	clean := toolCallRe.ReplaceAllStringFunc(content, func(match string) string {
		payload := toolCallRe.FindStringSubmatch(match)[1]

		var parsed sentinelCall
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil || parsed.Name == "" {
			logging.Warn().Msg("unparsable tool call descriptor left in text")
			return match
		}

		args := parsed.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{ID: newCallID(), Name: parsed.Name, Arguments: args})
		return ""
	})

	return strings.TrimSpace(clean), calls
}
