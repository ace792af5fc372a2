package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/dopejs/bgproxy/internal/web"
)

// RenderPool renders a pool snapshot as a styled one-shot table.
func RenderPool(resp *web.PoolResponse, now time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("pool %s", resp.Name)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  policy=%s", resp.Policy)))
	b.WriteString("\n\n")

	probes := make(map[string]*proxy.ProbeStatus, len(resp.Probes))
	for _, p := range resp.Probes {
		probes[p.Backend] = p
	}

	header := fmt.Sprintf("%-16s %-8s %-7s %-10s %-6s %-14s %s", "BACKEND", "ROLE", "WEIGHT", "STATUS", "FAILS", "RETRY", "ADDRESS")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for _, s := range resp.Backends {
		status := statusStyle(s.Status).Render(fmt.Sprintf("%-10s", s.Status))
		line := fmt.Sprintf("%-16s %-8s %-7d %s %-6d %-14s %s",
			truncate(s.Name, 16), s.Role, s.Weight, status, s.ConsecutiveFailures, retryIn(s, now), s.Address)
		b.WriteString(line)
		if p, ok := probes[s.Name]; ok && p.LastErrorMsg != "" && !p.Healthy {
			b.WriteString(dimStyle.Render("  probe: " + p.LastErrorMsg))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// retryIn describes when a down backend becomes eligible again.
func retryIn(s proxy.BackendSnapshot, now time.Time) string {
	if s.Status != proxy.HealthStatusDown || s.RetryAfter == nil {
		return "-"
	}
	if s.Probing {
		return "probing"
	}
	d := s.RetryAfter.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// formatEvent renders one event as a log line.
func formatEvent(e proxy.Event) string {
	var b strings.Builder
	b.WriteString(e.Time.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(eventStyle(e.Type).Render(fmt.Sprintf("%-17s", e.Type)))
	if e.Backend != "" {
		b.WriteString(" " + e.Backend)
	}
	if e.Next != "" {
		b.WriteString(" -> " + e.Next)
	}
	if e.Reason != "" {
		b.WriteString(dimStyle.Render(" (" + e.Reason + ")"))
	}
	return b.String()
}
