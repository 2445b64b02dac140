package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#28A745")
	warningColor = lipgloss.Color("#FFC107")
	dangerColor  = lipgloss.Color("#DC3545")
	mutedColor   = lipgloss.Color("#666666")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
)

// levelStyle colors a health level.
func levelStyle(level scheduler.HealthLevel) lipgloss.Style {
	switch level {
	case scheduler.Healthy:
		return successStyle
	case scheduler.Degraded:
		return warningStyle
	default:
		return errorStyle
	}
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %v\n", labelStyle.Render(label), value)
}

func renderStatus(w io.Writer, st *replicav1.StatusReport) {
	fmt.Fprintln(w, titleStyle.Render("Replica daemon"))
	field(w, "Source", st.Source)
	for i, d := range st.Destinations {
		label := ""
		if i == 0 {
			label = "Destinations"
		}
		field(w, label, d)
	}
	field(w, "Uptime", formatDuration(time.Duration(st.UptimeSeconds)*time.Second))
	field(w, "Memory", humanize.IBytes(uint64(max(st.MemoryBytes, 0))))

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Queue"))
	q := st.Queue
	field(w, "Queued", q.Queued)
	field(w, "Active", q.Active)
	field(w, "Completed", fmt.Sprintf("%d (total %d)", q.Completed, q.Counters.Completed))
	field(w, "Failed", fmt.Sprintf("%d (total %d)", q.Failed, q.Counters.Failed))
	field(w, "Retried", q.Counters.Retried)
	field(w, "Quarantined", q.Counters.Quarantined)
	field(w, "Skipped", q.Counters.Skipped)
	if q.Stopped {
		field(w, "State", warningStyle.Render("stopped"))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Detector"))
	watching := successStyle.Render("yes")
	if !st.Detector.Watching {
		watching = errorStyle.Render("no")
	}
	field(w, "Watching", watching)
	field(w, "Directories", st.Detector.Watches)
	field(w, "Stabilizing", st.Detector.Pending)
	field(w, "Ready", st.Detector.Queued)
	if st.Detector.Restarts > 0 {
		field(w, "Restarts", st.Detector.Restarts)
	}
	if st.Detector.LastError != "" {
		field(w, "Last error", errorStyle.Render(st.Detector.LastError))
	}

	if len(q.ActiveItems) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-44s  %-10s  %-8s  %s", "ACTIVE", "SIZE", "PROGRESS", "STATE")))
		for _, it := range q.ActiveItems {
			fmt.Fprintf(w, "%-44s  %-10s  %7.1f%%  %s\n",
				truncateString(it.Source, 44),
				humanize.IBytes(uint64(max(it.Size, 0))),
				it.Progress*100,
				it.State,
			)
		}
	}

	if len(st.Pending) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-44s  %-10s  %s", "STABILIZING", "SIZE", "CHECKS")))
		for _, p := range st.Pending {
			fmt.Fprintf(w, "%-44s  %-10s  %d\n",
				truncateString(p.Path, 44),
				humanize.IBytes(uint64(max(p.LastSize, 0))),
				p.StableChecks,
			)
		}
	}
}

func renderHealth(w io.Writer, h *replicav1.HealthReport) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Health:"), levelStyle(h.Status).Render(string(h.Status)))
	if len(h.Issues) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no issues"))
	}
	for _, issue := range h.Issues {
		fmt.Fprintf(w, "  - %s\n", issue)
	}

	fmt.Fprintln(w)
	field(w, "Stalled", h.Scheduler.Stalled)
	field(w, "Backlog", h.Scheduler.Backlog)
	field(w, "Failure ratio", fmt.Sprintf("%.0f%%", h.Scheduler.FailureRatio*100))
	if len(h.Scheduler.OpenBreakers) > 0 {
		field(w, "Open breakers", strings.Join(h.Scheduler.OpenBreakers, ", "))
	}
	field(w, "Errors", h.Errors.Total)
	field(w, "Quarantined", h.Errors.Quarantined)

	if len(h.Errors.Recent) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-14s  %-10s  %-32s  %s", "CATEGORY", "SEVERITY", "FILE", "MESSAGE")))
		for _, r := range h.Errors.Recent {
			fmt.Fprintf(w, "%-14s  %-10s  %-32s  %s\n",
				r.Category, r.Severity, truncateString(filepath.Base(r.FilePath), 32), truncateString(r.Message, 60))
		}
	}
}

func renderHistory(w io.Writer, h *replicav1.HistoryResponse) {
	if !h.Enabled {
		fmt.Fprintln(w, mutedStyle.Render("History is disabled in the daemon configuration."))
		return
	}
	if len(h.Records) == 0 {
		fmt.Fprintln(w, "No replication history yet.")
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-19s  %-10s  %-10s  %-8s  %s", "COMPLETED", "STATE", "SIZE", "ATTEMPTS", "PATH")))
	for _, r := range h.Records {
		state := successStyle.Render(fmt.Sprintf("%-10s", r.State))
		if r.State != "replicated" {
			state = errorStyle.Render(fmt.Sprintf("%-10s", r.State))
		}
		fmt.Fprintf(w, "%-19s  %s  %-10s  %-8d  %s\n",
			r.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			state,
			humanize.IBytes(uint64(max(r.Size, 0))),
			r.Attempts,
			r.Path,
		)
		if r.LastError != "" {
			fmt.Fprintf(w, "%s\n", mutedStyle.Render("    "+r.LastError))
		}
	}
	fmt.Fprintf(w, "\nShowing %d entries. Use --limit to see more.\n", len(h.Records))
}

func renderQuarantine(w io.Writer, reports []classify.Report) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "Quarantine is empty.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-19s  %-14s  %-8s  %s", "QUARANTINED", "CATEGORY", "ATTEMPTS", "ORIGINAL")))
	for _, r := range reports {
		fmt.Fprintf(w, "%-19s  %-14s  %-8d  %s\n",
			r.QuarantinedAt.Local().Format("2006-01-02 15:04:05"),
			r.Error.Category,
			r.Error.AttemptCount,
			r.OriginalPath,
		)
		fmt.Fprintf(w, "%s\n", mutedStyle.Render("    "+r.Error.Message))
		fmt.Fprintf(w, "%s\n", mutedStyle.Render("    -> "+r.QuarantinePath))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// truncateString keeps the tail of s, which is the informative part of a
// path, prefixing "..." when it had to cut.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[len(s)-maxLen:]
	}
	return "..." + s[len(s)-(maxLen-3):]
}
