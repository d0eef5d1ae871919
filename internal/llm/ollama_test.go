package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, lines []string, capture *ollamaRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func TestOllamaChatConcatenatesChunks(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":true}`,
	}, nil)
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", "test-model")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Empty(t, reply.ToolCalls)
}

func TestOllamaChatSkipsGarbageLines(t *testing.T) {
	srv := ollamaServer(t, []string{
		`not json at all`,
		`{"message":{"content":"fine"},"done":true}`,
	}, nil)
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", "test-model")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", reply.Text)
}

func TestOllamaChatParsesSentinelToolCall(t *testing.T) {
	body := `{"message":{"content":"<think>hm</think><tool_call>{\"name\": \"jira_search\", \"arguments\": {\"jql\": \"x\"}}</tool_call>"},"done":true}`
	srv := ollamaServer(t, []string{body}, nil)
	defer srv.Close()

	tools := []ToolInfo{{Name: "jira_search", Description: "search issues"}}
	c := NewOllamaClient(srv.URL, "", "test-model")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "find"}}, tools)
	require.NoError(t, err)

	assert.Empty(t, reply.Text)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "jira_search", reply.ToolCalls[0].Name)
}

func TestOllamaChatDropsUnknownToolNames(t *testing.T) {
	body := `{"message":{"content":"<tool_call>{\"name\": \"invented\", \"arguments\": {}}</tool_call>"},"done":true}`
	srv := ollamaServer(t, []string{body}, nil)
	defer srv.Close()

	tools := []ToolInfo{{Name: "jira_search"}}
	c := NewOllamaClient(srv.URL, "", "test-model")
	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, tools)
	require.NoError(t, err)
	assert.Empty(t, reply.ToolCalls)
}

func TestOllamaChatInjectsManifestAndAuth(t *testing.T) {
	var captured ollamaRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-PROXY-AUTH")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	tools := []ToolInfo{{
		Name:        "jira_search",
		Description: "search issues",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"jql":{"type":"string","description":"query"}},"required":["jql"]}`),
	}}
	messages := []Message{
		{Role: RoleSystem, Content: "Answer briefly."},
		{Role: RoleUser, Content: "hello"},
	}

	c := NewOllamaClient(srv.URL, "proxy-token", "test-model")
	_, err := c.Chat(context.Background(), messages, tools)
	require.NoError(t, err)

	assert.Equal(t, "proxy-token", gotAuth)
	require.GreaterOrEqual(t, len(captured.Messages), 3)
	assert.Equal(t, "/no_think", captured.Messages[0].Content)

	manifest := captured.Messages[1].Content
	assert.Contains(t, manifest, "jira_search")
	assert.Contains(t, manifest, "<tool_call>")
	assert.Contains(t, manifest, "jql: string (required)")
	assert.Contains(t, manifest, "Answer briefly.", "extra system content folded in")
	assert.Equal(t, "hello", captured.Messages[len(captured.Messages)-1].Content)
}

func TestOllamaChatFoldsToolHistoryToText(t *testing.T) {
	var captured ollamaRequest
	srv := ollamaServer(t, []string{`{"message":{"content":"done"},"done":true}`}, &captured)
	defer srv.Close()

	messages := []Message{
		{Role: RoleUser, Content: "find my issues"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "jira_search", Arguments: json.RawMessage(`{"jql":"x"}`)}}},
		{Role: RoleTool, Content: `{"issues":[]}`, ToolCallID: "c1"},
	}

	c := NewOllamaClient(srv.URL, "", "test-model")
	_, err := c.Chat(context.Background(), messages, []ToolInfo{{Name: "jira_search"}})
	require.NoError(t, err)

	var assistant string
	for _, m := range captured.Messages {
		if m.Role == RoleAssistant {
			assistant = m.Content
		}
	}
	assert.True(t, strings.Contains(assistant, "<tool_call>"), "tool call rendered as sentinel text")
	assert.Contains(t, assistant, "jira_search")
}

func TestOllamaChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "proxy melted", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", "test-model")
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
