package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int64:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) > 3 {
		var result strings.Builder
		start := len(s) % 3
		if start > 0 {
			result.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if result.Len() > 0 {
				result.WriteByte(',')
			}
			result.WriteString(s[i : i+3])
		}
		s = result.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

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

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

// formatTime renders an RFC 3339 timestamp in a compact form, or returns it unchanged.
func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

// shortHash trims long hashes for list output.
func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

func formatLatency(lat map[string]any) string {
	return joinLines(
		section("Latency"),
		kv("Count", formatNumber(getNum(lat, "count"))),
		kv("Min", formatMs(getNum(lat, "min"))),
		kv("Avg", formatMs(getNum(lat, "avg"))),
		kv("P50", formatMs(getNum(lat, "p50"))),
		kv("P95", formatMs(getNum(lat, "p95"))),
		kv("P99", formatMs(getNum(lat, "p99"))),
		kv("Max", formatMs(getNum(lat, "max"))),
	)
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	status := getStr(m, "status")
	if status == "idle" && getStr(m, "runId") == "" {
		return joinLines(section("nearload Status"), kv("Status", status), "No run has been started.")
	}

	lines := joinLines(
		section("nearload Status"),
		kv("Status", status),
		kv("Run ID", getStr(m, "runId")),
		kv("Kind", getStr(m, "kind")),
		kv("Contract", getStr(m, "contract")),
		kv("Calls Planned", formatNumber(getNum(m, "callsPlanned"))),
		kv("Submitted", formatNumber(getNum(m, "callsSubmitted"))),
		kv("Succeeded", formatNumber(getNum(m, "callsSucceeded"))),
		kv("Failed", formatNumber(getNum(m, "callsFailed"))),
		kv("Submit Errors", formatNumber(getNum(m, "submitErrors"))),
		kv("Unresolved", formatNumber(getNum(m, "callsUnresolved"))),
		kv("Pending Outcomes", formatNumber(getNum(m, "pendingOutcomes"))),
		kv("In Flight", fmt.Sprintf("%s (peak %s)", formatNumber(getNum(m, "inFlight")), formatNumber(getNum(m, "peakInFlight")))),
		kv("State Patches", formatNumber(getNum(m, "statePatchCount"))),
		kv("Construction", fmt.Sprintf("%.0fms", getNum(m, "constructionMs"))),
		kv("Execution", fmt.Sprintf("%.0fms", getNum(m, "executionMs"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)
	if progress := getStr(m, "verificationProgress"); progress != "" {
		lines += "\n" + kv("Verification", progress)
	}
	if errMsg := getStr(m, "error"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	if lat, ok := m["latency"].(map[string]any); ok {
		lines += "\n\n" + formatLatency(lat)
	}
	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "\nNo runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		title := getStr(run, "id")
		if name := getStr(run, "customName"); name != "" {
			title += " (" + name + ")"
		}
		if fav, _ := run["isFavorite"].(bool); fav {
			title += " *"
		}
		lines += "\n\n### " + title + "\n"
		lines += joinLines(
			kv("Kind", getStr(run, "kind")),
			kv("Status", getStr(run, "status")),
			kv("Calls", formatNumber(getNum(run, "calls"))),
			kv("Succeeded", formatNumber(getNum(run, "succeeded"))),
			kv("Failed", formatNumber(getNum(run, "failed"))),
			kv("Execution", fmt.Sprintf("%.0fms", getNum(run, "executionMs"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Kind", getStr(run, "kind")),
		kv("Status", getStr(run, "status")),
		kv("Contract", getStr(run, "contract")),
		kv("Started", formatTime(getStr(run, "startedAt"))),
		kv("Calls", formatNumber(getNum(run, "calls"))),
		kv("Succeeded", formatNumber(getNum(run, "succeeded"))),
		kv("Failed", formatNumber(getNum(run, "failed"))),
		kv("Submitted", formatNumber(getNum(run, "submitted"))),
		kv("Submit Errors", formatNumber(getNum(run, "submitErrors"))),
		kv("Gas Burnt", formatNumber(getNum(run, "gasBurnt"))),
		kv("Construction", fmt.Sprintf("%.0fms", getNum(run, "constructionMs"))),
		kv("Execution", fmt.Sprintf("%.0fms", getNum(run, "executionMs"))),
	)
	if errMsg := getStr(run, "errorMessage"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	if lat, ok := run["latencyStats"].(map[string]any); ok {
		lines += "\n\n" + formatLatency(lat)
	}

	if reasons, ok := run["failureReasons"].([]any); ok && len(reasons) > 0 {
		lines += "\n\n" + section("Failure Reasons")
		for _, r := range reasons {
			if reason, ok := r.(map[string]any); ok {
				lines += fmt.Sprintf("\n  %sx %s", formatNumber(getNum(reason, "count")), getStr(reason, "reason"))
			}
		}
	}

	if env, ok := run["environment"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Environment"),
			kv("RPC", getStr(env, "rpcUrl")),
			kv("Chain", getStr(env, "chainId")),
			kv("Node", getStr(env, "nodeKind")+" "+getStr(env, "nodeVersion")),
			kv("Protocol", formatNumber(getNum(env, "protocolVersion"))),
			kv("Storage Prefix", getStr(env, "storagePrefix")),
			kv("Concurrency", formatNumber(getNum(env, "concurrency"))),
			kv("Mode", getStr(env, "submitMode")),
		)
		if gas := getNum(env, "chunkGasLimit"); gas > 0 {
			lines += "\n" + kv("Chunk Gas Limit", formatNumber(gas))
		}
	}

	if v, ok := run["verification"].(map[string]any); ok {
		pass, _ := v["allChecksPass"].(bool)
		lines += "\n\n" + joinLines(
			section("Verification"),
			kv("All Checks Pass", pass),
			kv("Outcomes", fmt.Sprintf("%s / %s", formatNumber(getNum(v, "total")), formatNumber(getNum(v, "expected")))),
		)
		if o, ok := v["outcomes"].(map[string]any); ok {
			lines += "\n" + kv("Resampled", fmt.Sprintf("%s confirmed, %s mismatched, %s unavailable",
				formatNumber(getNum(o, "confirmed")), formatNumber(getNum(o, "mismatched")), formatNumber(getNum(o, "unavailable"))))
		}
		if warnings, ok := v["warnings"].([]any); ok {
			for _, w := range warnings {
				lines += fmt.Sprintf("\n  - %v", w)
			}
		}
	}

	if patches, ok := m["patches"].([]any); ok && len(patches) > 0 {
		lines += "\n\n" + section("State Patches")
		for _, p := range patches {
			patch, ok := p.(map[string]any)
			if !ok {
				continue
			}
			state := "applied"
			if applied, _ := patch["applied"].(bool); !applied {
				state = "rejected: " + getStr(patch, "error")
			}
			lines += fmt.Sprintf("\n  %s %s (%s)", getStr(patch, "contract"), getStr(patch, "key"), state)
		}
	}

	return lines
}

const maxListedCalls = 20

func formatRunCalls(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing calls: %v", err)
	}

	lines := joinLines(
		section("Call Logs"),
		kv("Total", formatNumber(getNum(m, "total"))),
		"",
	)

	calls, ok := m["calls"].([]any)
	if !ok || len(calls) == 0 {
		return lines + "\nNo calls found."
	}

	for i, c := range calls {
		if i >= maxListedCalls {
			lines += fmt.Sprintf("\n... and %d more", len(calls)-maxListedCalls)
			break
		}
		call, ok := c.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("\n  [%d] %s  %s  %s  %dms", i, shortHash(getStr(call, "txHash")),
			getStr(call, "callType"), getStr(call, "status"), int64(getNum(call, "latencyMs")))
		if failure := getStr(call, "failure"); failure != "" {
			line += " - " + failure
		}
		lines += line
	}
	return lines
}

func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if ready, _ := m["ready"].(bool); !ready {
		state = "NOT READY"
	}
	lines := section("nearload Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}
	return lines
}
