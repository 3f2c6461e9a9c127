package mcp

import (
	"context"
	"fmt"
	"math"
	"strconv"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// RegisterTools registers all simulator tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	t := &toolset{client: client}

	s.AddTool(gomcp.NewTool("get_status",
		gomcp.WithDescription("Get the simulator's current state: run status, attempts, successes and failures by category, simulated and wall-clock time, submit latency."),
	), t.status)

	s.AddTool(gomcp.NewTool("get_health",
		gomcp.WithDescription("Check whether the execution client behind the simulator answers JSON-RPC."),
	), t.health)

	s.AddTool(gomcp.NewTool("start_simulation",
		gomcp.WithDescription("Start a simulation run. This is a MUTATING operation. Give exactly one of duration_sec (simulated seconds) or count (number of transfers)."),
		gomcp.WithNumber("duration_sec",
			gomcp.Description("Stop after this many seconds of simulated time"),
		),
		gomcp.WithNumber("count",
			gomcp.Description("Stop after this many transfer attempts"),
		),
		gomcp.WithString("seed",
			gomcp.Description("Random seed as a decimal integer; the same seed replays the same workload (default: configured seed)"),
		),
		gomcp.WithBoolean("realtime",
			gomcp.Description("Sleep the sampled interval between transfers instead of only advancing simulated time"),
		),
	), t.start)

	s.AddTool(gomcp.NewTool("stop_simulation",
		gomcp.WithDescription("Stop the running simulation. This is a MUTATING operation. The run is stored as cancelled."),
	), t.stop)

	s.AddTool(gomcp.NewTool("list_runs",
		gomcp.WithDescription("List stored simulation runs, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), t.listRuns)

	s.AddTool(gomcp.NewTool("get_run",
		gomcp.WithDescription("Get the stored summary of one simulation run."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), t.getRun)

	s.AddTool(gomcp.NewTool("get_run_transactions",
		gomcp.WithDescription("Get the transfer log of one simulation run (paginated)."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max transfers to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	), t.runTransactions)

	s.AddTool(gomcp.NewTool("delete_run",
		gomcp.WithDescription("Delete a stored run and its transfer log. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), t.deleteRun)
}

type toolset struct {
	client *Client
}

func (t *toolset) status(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.client.Get(ctx, "/v1/status")
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Simulator unreachable: %v\n\nIs it running? Try: ethsim serve", err)), nil
	}
	return gomcp.NewToolResultText(formatStatus(raw)), nil
}

func (t *toolset) health(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.client.Get(ctx, "/ready")
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Simulator unhealthy: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHealth(raw)), nil
}

// startRequest builds the API request from the tool arguments.
func startRequest(req gomcp.CallToolRequest) (*types.StartRequest, error) {
	body := &types.StartRequest{
		DurationSeconds: req.GetFloat("duration_sec", 0),
		Count:           req.GetInt("count", 0),
	}
	if (body.DurationSeconds > 0) == (body.Count > 0) {
		return nil, fmt.Errorf("give exactly one positive value of duration_sec and count")
	}

	args := req.GetArguments()
	switch v := args["seed"].(type) {
	case nil:
	case string:
		if v != "" {
			seed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("seed %q is not an unsigned integer", v)
			}
			body.Seed = &seed
		}
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return nil, fmt.Errorf("seed %v is not an unsigned integer", v)
		}
		seed := uint64(v)
		body.Seed = &seed
	default:
		return nil, fmt.Errorf("seed must be a decimal integer")
	}

	if _, ok := args["realtime"]; ok {
		realtime := req.GetBool("realtime", false)
		body.Realtime = &realtime
	}
	return body, nil
}

func (t *toolset) start(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	body, err := startRequest(req)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	raw, err := t.client.Post(ctx, "/v1/start", body)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Start simulation failed: %v", err)), nil
	}
	runID := parseRunID(raw)

	stop := fmt.Sprintf("%s transfers", formatNumber(int64(body.Count)))
	if body.DurationSeconds > 0 {
		stop = fmt.Sprintf("%gs simulated", body.DurationSeconds)
	}
	return gomcp.NewToolResultText(joinLines(
		section("Simulation Started"),
		kv("Run ID", runID),
		kv("Stop", stop),
		"Poll get_status for progress.",
	)), nil
}

func (t *toolset) stop(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	if _, err := t.client.Post(ctx, "/v1/stop", nil); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(joinLines(
		section("Simulation Stopped"),
		"The run has been cancelled. Its results are available in list_runs.",
	)), nil
}

func (t *toolset) listRuns(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	offset := req.GetInt("offset", 0)
	raw, err := t.client.Get(ctx, paged("/v1/history", limit, offset))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("List runs failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHistory(raw)), nil
}

func (t *toolset) getRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	raw, err := t.client.Get(ctx, runPath(id))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Get run failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatRun(raw)), nil
}

func (t *toolset) runTransactions(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	limit := req.GetInt("limit", 50)
	offset := req.GetInt("offset", 0)
	raw, err := t.client.Get(ctx, paged(runPath(id, "transactions"), limit, offset))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Get transfers failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatTxs(raw)), nil
}

func (t *toolset) deleteRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	if err := t.client.Delete(ctx, runPath(id)); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(joinLines(
		section("Run Deleted"),
		kv("ID", id),
	)), nil
}
