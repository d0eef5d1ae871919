package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatPlainText(t *testing.T) {
	var captured oaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi there"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "key123", "gpt-test")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hi there", reply.Text)
	assert.Empty(t, reply.ToolCalls)
	assert.Equal(t, "gpt-test", captured.Model)
	assert.Empty(t, captured.ToolChoice, "no tool_choice without tools")
}

func TestOpenAIChatNativeToolCalls(t *testing.T) {
	var captured oaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "jira_search",
								"arguments": `{"jql":"assignee = maria"}`,
							},
						},
						{
							"id":   "call_2",
							"type": "function",
							"function": map[string]any{
								"name":      "hallucinated",
								"arguments": `{}`,
							},
						},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	tools := []ToolInfo{{
		Name:        "jira_search",
		Description: "search issues",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}

	c := NewOpenAIClient(srv.URL, "", "gpt-test")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "find"}}, tools)
	require.NoError(t, err)

	require.Len(t, reply.ToolCalls, 1, "unknown tool call dropped")
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "jira_search", reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"jql":"assignee = maria"}`, string(reply.ToolCalls[0].Arguments))

	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "function", captured.Tools[0].Type)
	assert.Equal(t, "auto", captured.ToolChoice)
}

func TestOpenAIChatSendsToolHistory(t *testing.T) {
	var captured oaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "done"}},
			},
		})
	}))
	defer srv.Close()

	messages := []Message{
		{Role: RoleUser, Content: "find"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "jira_search", Arguments: json.RawMessage(`{"jql":"x"}`)}}},
		{Role: RoleTool, Content: "[]", ToolCallID: "c1"},
	}

	c := NewOpenAIClient(srv.URL, "", "gpt-test")
	_, err := c.Chat(context.Background(), messages, nil)
	require.NoError(t, err)

	require.Len(t, captured.Messages, 3)
	require.Len(t, captured.Messages[1].ToolCalls, 1)
	assert.Equal(t, "c1", captured.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "c1", captured.Messages[2].ToolCallID)
}

func TestOpenAIChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "gpt-test")
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	assert.Error(t, err)
}
