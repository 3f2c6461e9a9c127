package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// maxListedTxs caps how many transfers one tool result lists.
const maxListedTxs = 20

// formatNumber adds comma separators to integers.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:18] + "..."
}

func stopBound(mode types.StopMode, bound int64) string {
	switch mode {
	case types.StopByDuration:
		return fmt.Sprintf("%s simulated", time.Duration(bound)*time.Millisecond)
	case types.StopByCount:
		return formatNumber(bound) + " transfers"
	}
	return "-"
}

func formatStatus(raw json.RawMessage) string {
	var st types.SimulationStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Simulator Status"),
		kv("Status", st.Status),
		kv("Run ID", st.RunID),
		kv("Client", st.Client),
		kv("Endpoint", st.Endpoint),
	)
	if st.Status == types.StatusIdle {
		return lines
	}

	lines += "\n" + joinLines(
		kv("Stop", stopBound(st.Mode, st.Bound)),
		kv("Seed", st.Seed),
		kv("Realtime", st.Realtime),
		kv("Accounts", st.Accounts),
		kv("Elapsed", fmt.Sprintf("%.1fs wall / %.1fs simulated", st.ElapsedSeconds, st.SimulatedSeconds)),
		kv("Attempts", formatNumber(st.Attempts)),
		kv("Succeeded", formatNumber(st.Succeeded)),
		kv("Failed", formatNumber(st.Failed)),
		kv("Rate", fmt.Sprintf("%.1f/s", st.AttemptRate)),
		kv("Volume", fmt.Sprintf("%.4f ETH", st.VolumeEther)),
	)
	if st.LastTxHash != "" {
		lines += "\n" + kv("Last TX", st.LastTxHash)
	}
	if st.Error != "" {
		lines += "\n" + kv("Error", st.Error)
	}

	if len(st.ErrorsByCategory) > 0 {
		categories := make([]string, 0, len(st.ErrorsByCategory))
		for c := range st.ErrorsByCategory {
			categories = append(categories, c)
		}
		sort.Strings(categories)

		lines += "\n\n" + section("Errors")
		for _, c := range categories {
			lines += "\n" + kv(c, formatNumber(st.ErrorsByCategory[c]))
		}
		if st.LastError != "" {
			lines += "\n" + kv("Last", st.LastError)
		}
	}

	if lat := st.SubmitLatency; lat != nil {
		lines += "\n\n" + joinLines(
			section("Submit Latency"),
			kv("Min", formatMs(lat.Min)),
			kv("P50", formatMs(lat.P50)),
			kv("P95", formatMs(lat.P95)),
			kv("P99", formatMs(lat.P99)),
			kv("Max", formatMs(lat.Max)),
		)
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}
	lines := section("Simulator Health: " + state)
	for _, c := range m.Checks {
		line := fmt.Sprintf("  %-18s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatRun(raw json.RawMessage) string {
	var run types.RunRecord
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}

	lines := joinLines(
		section("Run: "+run.ID),
		kv("Status", run.Status),
		kv("Client", run.Client),
		kv("Endpoint", run.Endpoint),
		kv("Stop", stopBound(run.Mode, run.Bound)),
		kv("Seed", run.Seed),
		kv("Realtime", run.Realtime),
		kv("Accounts", run.Accounts),
		kv("Started", formatTime(run.StartedAt)),
	)
	if run.CompletedAt != nil {
		lines += "\n" + kv("Completed", formatTime(*run.CompletedAt))
	}
	lines += "\n" + joinLines(
		kv("Wall Time", fmt.Sprintf("%.1fs", run.WallSeconds)),
		kv("Simulated Time", fmt.Sprintf("%.1fs", run.SimulatedSeconds)),
		kv("Attempts", formatNumber(run.Attempts)),
		kv("Succeeded", formatNumber(run.Succeeded)),
		kv("Failed", formatNumber(run.Failed)),
	)
	if run.Error != "" {
		lines += "\n" + kv("Error", run.Error)
	}
	if run.Config != "" {
		lines += "\n\n" + section("Workload") + "\n" + run.Config
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var page types.Page[types.RunRecord]
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(int64(page.Total))),
	) + "\n\n"

	if len(page.Items) == 0 {
		return lines + "No runs found."
	}

	for _, run := range page.Items {
		lines += fmt.Sprintf("### %s\n", run.ID)
		lines += joinLines(
			kv("Status", run.Status),
			kv("Client", run.Client),
			kv("Stop", stopBound(run.Mode, run.Bound)),
			kv("Seed", run.Seed),
			kv("Succeeded", fmt.Sprintf("%s / %s", formatNumber(run.Succeeded), formatNumber(run.Attempts))),
			kv("Started", formatTime(run.StartedAt)),
		)
		lines += "\n\n"
	}
	if shown := page.Offset + len(page.Items); shown < page.Total {
		lines += fmt.Sprintf("%d more, use offset=%d", page.Total-shown, shown)
	}
	return strings.TrimRight(lines, "\n")
}

func formatTxs(raw json.RawMessage) string {
	var page types.Page[types.TxRecord]
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing transactions: %v", err)
	}

	lines := joinLines(
		section("Transfers"),
		kv("Total", formatNumber(int64(page.Total))),
	) + "\n\n"

	if len(page.Items) == 0 {
		return lines + "No transfers found."
	}

	for i, tx := range page.Items {
		if i >= maxListedTxs {
			lines += fmt.Sprintf("... and %d more\n", len(page.Items)-maxListedTxs)
			break
		}
		line := fmt.Sprintf("  [%d] t=%.3fs %s -> %s  %.6f ETH  %s",
			tx.Seq, float64(tx.SimTimeMs)/1000, shortHash(tx.From), shortHash(tx.To), tx.AmountEther, tx.Status)
		if tx.TxHash != "" {
			line += "  " + shortHash(tx.TxHash)
		}
		if tx.Error != "" {
			line += "  (" + tx.Error + ")"
		}
		lines += line + "\n"
	}
	return strings.TrimRight(lines, "\n")
}

func parseRunID(raw json.RawMessage) string {
	var resp types.StartResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.RunID == "" {
		return "unknown"
	}
	return resp.RunID
}
