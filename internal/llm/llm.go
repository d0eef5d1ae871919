// Package llm normalizes chat model access over two wire dialects: an
// OpenAI-compatible endpoint with native tool calls, and an Ollama-style
// endpoint where tool calls travel as sentinel-wrapped JSON in free text.
package llm

import (
	"context"
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"github.com/mmrelay/mmrelay/internal/logging"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Reply is the normalized model response.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolInfo describes one tool offered to the model.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Client is the transport-independent model interface.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolInfo) (*Reply, error)
}

// newCallID mints an identifier for tool calls that arrive without one.
func newCallID() string {
	return "call_" + ulid.Make().String()
}

// filterKnown drops tool calls whose name is not in the offered manifest.
// The model sometimes hallucinates tool names; those calls must never reach
// the tool endpoint.
func filterKnown(calls []ToolCall, tools []ToolInfo) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		known[t.Name] = struct{}{}
	}

	kept := calls[:0]
	for _, c := range calls {
		if _, ok := known[c.Name]; !ok {
			logging.Warn().Str("tool", c.Name).Msg("dropping call to unknown tool")
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
