package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all nearload tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStartRun(s, client)
	registerStopRun(s, client)
	registerListRuns(s, client)
	registerGetRun(s, client)
	registerGetRunCalls(s, client)
	registerUpdateRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_status",
		gomcp.WithDescription("Get the current run state: kind, status, calls submitted/succeeded/failed, construction and execution time, latency stats."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("nearload unreachable: %v\n\nIs the server running? Try: nearload -listen :3001", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_health",
		gomcp.WithDescription("Readiness check for nearload. Checks NEAR RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("nearload not ready: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStartRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_start_run",
		gomcp.WithDescription("Start a scenario run. This is a MUTATING operation. Kinds: load, passive-registration, gas-limit."),
		gomcp.WithString("kind",
			gomcp.Required(),
			gomcp.Description("Scenario: load, passive-registration, gas-limit"),
		),
		gomcp.WithNumber("calls",
			gomcp.Description("Number of ft_transfer calls for a load run (default: server config)"),
		),
		gomcp.WithNumber("concurrency",
			gomcp.Description("Max in-flight calls; 0 launches every call at once (default: server config)"),
		),
		gomcp.WithString("mode",
			gomcp.Description("Submit mode: sync, async, async-await"),
		),
		gomcp.WithString("amount",
			gomcp.Description("Token amount per transfer, decimal string"),
		),
		gomcp.WithNumber("rate_limit",
			gomcp.Description("Launches per second, 0 for unpaced"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		kind, err := req.RequireString("kind")
		if err != nil {
			return gomcp.NewToolResultError("kind is required"), nil
		}

		payload := map[string]any{"kind": kind}
		if v := req.GetInt("calls", 0); v > 0 {
			payload["calls"] = v
		}
		// Concurrency 0 is meaningful, so only omit it when absent
		if _, ok := req.GetArguments()["concurrency"]; ok {
			payload["concurrency"] = req.GetInt("concurrency", 0)
		}
		if v := req.GetString("mode", ""); v != "" {
			payload["mode"] = v
		}
		if v := req.GetString("amount", ""); v != "" {
			payload["amount"] = v
		}
		if v := req.GetInt("rate_limit", 0); v > 0 {
			payload["rateLimit"] = v
		}

		raw, err := client.Post(ctx, "/v1/runs", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}
		var resp struct {
			RunID string `json:"runId"`
		}
		_ = json.Unmarshal(raw, &resp)

		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run ID", resp.RunID),
			kv("Kind", kind),
		)), nil
	})
}

func registerStopRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_stop_run",
		gomcp.WithDescription("Stop the active run. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopped"),
			"The run has been cancelled. Its partial results are available in history.",
		)), nil
	})
}

func registerListRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_list_runs",
		gomcp.WithDescription("List past runs with summary counts (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		path := fmt.Sprintf("/v1/runs?limit=%d&offset=%d", req.GetInt("limit", 10), req.GetInt("offset", 0))
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("List runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerGetRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_get_run",
		gomcp.WithDescription("Get one run with its environment, verification result and state patches."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Get run failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerGetRunCalls(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_get_run_calls",
		gomcp.WithDescription("Get per-call outcomes for a run (paginated)."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max calls to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		path := fmt.Sprintf("/v1/runs/%s/calls?limit=%d&offset=%d", url.PathEscape(id), req.GetInt("limit", 50), req.GetInt("offset", 0))
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Get run calls failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunCalls(raw)), nil
	})
}

func registerUpdateRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_update_run",
		gomcp.WithDescription("Rename a run or mark it as favorite. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("name",
			gomcp.Description("Custom name for the run"),
		),
		gomcp.WithBoolean("favorite",
			gomcp.Description("Favorite flag"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		args := req.GetArguments()
		payload := map[string]any{}
		if _, ok := args["name"]; ok {
			payload["customName"] = req.GetString("name", "")
		}
		if _, ok := args["favorite"]; ok {
			payload["isFavorite"] = req.GetBool("favorite", false)
		}
		if len(payload) == 0 {
			return gomcp.NewToolResultError("name or favorite is required"), nil
		}

		if _, err := client.Patch(ctx, "/v1/runs/"+url.PathEscape(id), payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update run failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Updated"),
			kv("ID", id),
		)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("nearload_delete_run",
		gomcp.WithDescription("Delete a run with its call logs and state patches. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}
