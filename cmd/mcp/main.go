// nearload MCP server.
// Exposes the nearload HTTP API as tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/nearload/internal/mcp"
)

func main() {
	baseURL := os.Getenv("NEARLOAD_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"nearload",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(baseURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
