// Package atlassianmock provides an MCP server with canned Jira and
// Confluence tools. It stands in for a real Atlassian MCP endpoint
// during local development of the relay.
package atlassianmock

import (
	"context"
	"fmt"
	"os"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// issue is a canned Jira issue returned by the search and get tools.
type issue struct {
	Key      string
	Summary  string
	Status   string
	Assignee string
}

var issues = []issue{
	{Key: "DEV-101", Summary: "Login page throws 500 on empty password", Status: "Open", Assignee: "maria"},
	{Key: "DEV-102", Summary: "Upgrade payment gateway SDK", Status: "In Progress", Assignee: "maria"},
	{Key: "OPS-7", Summary: "Rotate staging TLS certificates", Status: "Done", Assignee: "viktor"},
}

type searchInput struct {
	JQL string `json:"jql" jsonschema:"JQL query, e.g. assignee = currentUser()"`
}

type getIssueInput struct {
	Key string `json:"key" jsonschema:"issue key, e.g. DEV-101"`
}

type pageInput struct {
	Title string `json:"title" jsonschema:"page title to look up"`
}

// NewServer creates the mock server. Tool results note which user the
// endpoint was started for so credential plumbing can be verified end
// to end.
func NewServer() *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "atlassian-mock",
		Version: "1.0.0",
	}, nil)

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "jira_search",
		Description: "Search Jira issues with a JQL query",
	}, searchHandler)

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "jira_get_issue",
		Description: "Fetch a single Jira issue by key",
	}, getIssueHandler)

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "confluence_get_page",
		Description: "Fetch a Confluence page by title",
	}, pageHandler)

	return server
}

func searchHandler(ctx context.Context, req *sdkmcp.CallToolRequest, in searchInput) (*sdkmcp.CallToolResult, any, error) {
	var lines []string
	for _, is := range issues {
		if in.JQL != "" && !matchesJQL(in.JQL, is) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s  %-12s %s", is.Key, is.Status, is.Summary))
	}
	if len(lines) == 0 {
		return textResult("no issues matched"), nil, nil
	}
	return textResult(asUser() + strings.Join(lines, "\n")), nil, nil
}

func getIssueHandler(ctx context.Context, req *sdkmcp.CallToolRequest, in getIssueInput) (*sdkmcp.CallToolResult, any, error) {
	for _, is := range issues {
		if strings.EqualFold(is.Key, in.Key) {
			text := fmt.Sprintf("%s: %s\nStatus: %s\nAssignee: %s", is.Key, is.Summary, is.Status, is.Assignee)
			return textResult(asUser() + text), nil, nil
		}
	}
	return errorResult(fmt.Sprintf("issue %q not found", in.Key)), nil, nil
}

func pageHandler(ctx context.Context, req *sdkmcp.CallToolRequest, in pageInput) (*sdkmcp.CallToolResult, any, error) {
	if !strings.EqualFold(in.Title, "Release checklist") {
		return errorResult(fmt.Sprintf("page %q not found", in.Title)), nil, nil
	}
	return textResult(asUser() + "Release checklist:\n1. Freeze main\n2. Tag release\n3. Notify #deploys"), nil, nil
}

// matchesJQL supports just enough JQL for demos: an assignee filter.
func matchesJQL(jql string, is issue) bool {
	q := strings.ToLower(jql)
	if !strings.Contains(q, "assignee") {
		return true
	}
	return strings.Contains(q, strings.ToLower(is.Assignee))
}

// asUser prefixes results with the authenticated user taken from the
// environment the relay passes to each per-user endpoint process.
func asUser() string {
	if u := os.Getenv("JIRA_USERNAME"); u != "" {
		return "[as " + u + "]\n"
	}
	return ""
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}
