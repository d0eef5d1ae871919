// Command atlassian-mock-mcp runs the mock Atlassian MCP server over
// stdio. Point MCP_COMMAND at this binary to develop the relay without
// real Jira or Confluence instances.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mmrelay/mmrelay/pkg/mcpserver/atlassianmock"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := atlassianmock.NewServer()
	if err := server.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
