package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripThink(t *testing.T) {
	in := "<think>\nlet me reason about this\n</think>\n\n\nThe answer is 4."
	assert.Equal(t, "The answer is 4.", stripThink(in))
}

func TestStripThinkMultipleBlocks(t *testing.T) {
	in := "<think>a</think>one<think>b</think> two"
	assert.Equal(t, "one two", stripThink(in))
}

func TestExtractToolCalls(t *testing.T) {
	in := `Looking that up.
<tool_call>
{"name": "jira_search", "arguments": {"jql": "assignee = maria"}}
</tool_call>`

	text, calls := extractToolCalls(in)
	assert.Equal(t, "Looking that up.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "jira_search", calls[0].Name)
	assert.JSONEq(t, `{"jql": "assignee = maria"}`, string(calls[0].Arguments))
	assert.NotEmpty(t, calls[0].ID)
}

func TestExtractToolCallsMultiple(t *testing.T) {
	in := `<tool_call>{"name": "a", "arguments": {}}</tool_call>
<tool_call>{"name": "b", "arguments": {"x": 1}}</tool_call>`

	text, calls := extractToolCalls(in)
	assert.Empty(t, text)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestExtractToolCallsMalformedStaysInText(t *testing.T) {
	in := `before <tool_call>{"name": broken json}</tool_call> after`

	text, calls := extractToolCalls(in)
	assert.Empty(t, calls)
	assert.Contains(t, text, "broken json")
}

func TestExtractToolCallsMissingArguments(t *testing.T) {
	in := `<tool_call>{"name": "jira_me"}</tool_call>`

	_, calls := extractToolCalls(in)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{}`, string(calls[0].Arguments))
}

func TestFilterKnownDropsHallucinatedNames(t *testing.T) {
	tools := []ToolInfo{{Name: "jira_search"}}
	calls := []ToolCall{
		{ID: "1", Name: "jira_search"},
		{ID: "2", Name: "made_up_tool"},
	}

	kept := filterKnown(calls, tools)
	require.Len(t, kept, 1)
	assert.Equal(t, "jira_search", kept[0].Name)
}

func TestFilterKnownAllUnknownReturnsNil(t *testing.T) {
	kept := filterKnown([]ToolCall{{Name: "ghost"}}, []ToolInfo{{Name: "real"}})
	assert.Nil(t, kept)
}
