package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// chatTimeout bounds one model exchange. Corporate proxies can be slow when
// the model is cold.
const chatTimeout = 120 * time.Second

// OllamaClient speaks the /api/chat dialect of a corporate LLM proxy. The
// endpoint has no native tool calling, so the tool manifest is injected into
// the system prompt and calls come back as sentinel-wrapped JSON.
type OllamaClient struct {
	baseURL    string
	proxyAuth  string
	model      string
	httpClient *http.Client
}

// NewOllamaClient builds a client for an Ollama-style endpoint. proxyAuth is
// sent as the X-PROXY-AUTH header when non-empty.
func NewOllamaClient(baseURL, proxyAuth, model string) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		proxyAuth:  proxyAuth,
		model:      model,
		httpClient: &http.Client{Timeout: chatTimeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Chat sends the conversation and parses the concatenated response body.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, tools []ToolInfo) (*Reply, error) {
	req := ollamaRequest{
		Model:    c.model,
		Stream:   false,
		Messages: flattenMessages(messages, tools),
		Options: map[string]any{
			"num_ctx":     16384,
			"temperature": 0.7,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.proxyAuth != "" {
		httpReq.Header.Set("X-PROXY-AUTH", c.proxyAuth)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, snippet)
	}

	content, err := readChunkedBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}

	content = stripThink(content)
	text, calls := extractToolCalls(content)
	reply := &Reply{Text: text}
	if len(tools) > 0 {
		reply.ToolCalls = filterKnown(calls, tools)
	} else {
		// Without a manifest every sentinel is noise; keep the text only.
		reply.ToolCalls = nil
	}
	return reply, nil
}

// flattenMessages renders the conversation into plain role/content pairs.
// Tool calls and tool results are folded back into text, matching the
// sentinel convention the model was prompted with.
func flattenMessages(messages []Message, tools []ToolInfo) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)
	if len(tools) > 0 {
		out = append(out, ollamaMessage{Role: RoleSystem, Content: "/no_think"})
		out = append(out, ollamaMessage{Role: RoleSystem, Content: toolManifestPrompt(tools)})
	}

	for _, m := range messages {
		switch {
		case m.Role == RoleSystem && len(tools) > 0:
			// Fold extra system content into the manifest prompt.
			out[1].Content += "\n\n" + m.Content
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			var b strings.Builder
			b.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				call, _ := json.Marshal(map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
				fmt.Fprintf(&b, "\n<tool_call>%s</tool_call>", call)
			}
			out = append(out, ollamaMessage{Role: RoleAssistant, Content: b.String()})
		default:
			out = append(out, ollamaMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

// toolManifestPrompt describes the available tools and the sentinel format
// the model must use to invoke them.
func toolManifestPrompt(tools []ToolInfo) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "**%s**: %s%s\n\n", t.Name, t.Description, schemaSummary(t.InputSchema))
	}
	b.WriteString(`To use a tool, answer in this exact format:
<tool_call>
{"name": "tool_name", "arguments": {"param": "value"}}
</tool_call>

After a tool call, wait for the result before answering the user.
If no tool is needed, answer directly without a tool_call block.`)
	return b.String()
}

// schemaSummary renders a JSON schema's properties as a short parameter list.
func schemaSummary(schema json.RawMessage) string {
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if len(schema) == 0 || json.Unmarshal(schema, &parsed) != nil || len(parsed.Properties) == 0 {
		return ""
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}

	var b strings.Builder
	for name, p := range parsed.Properties {
		mark := "optional"
		if required[name] {
			mark = "required"
		}
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		fmt.Fprintf(&b, "\n    - %s: %s (%s) %s", name, typ, mark, p.Description)
	}
	return b.String()
}

// readChunkedBody concatenates message content from a body that may arrive
// as newline-delimited JSON chunks. Unparsable lines are skipped.
func readChunkedBody(r io.Reader) (string, error) {
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		b.WriteString(chunk.Message.Content)
	}
	return b.String(), scanner.Err()
}
