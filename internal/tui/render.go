package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

var (
	labelStylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7B801"))
)

const previewWidth = 72

func labelStyleForTask(status workflow.TaskStatus) lipgloss.Style {
	switch status {
	case workflow.TaskPending:
		return labelStylePending
	case workflow.TaskRunning:
		return labelStyleRunning
	case workflow.TaskCompleted:
		return labelStyleCompleted
	case workflow.TaskFailed:
		return labelStyleFailed
	default:
		return labelStyleDefault
	}
}

func labelStyleForWorkflow(status workflow.Status) lipgloss.Style {
	switch status {
	case workflow.StatusRunning:
		return labelStyleRunning
	case workflow.StatusCompleted:
		return labelStyleCompleted
	case workflow.StatusFailed:
		return labelStyleFailed
	default:
		return labelStyleDefault
	}
}

// RenderHeader formats the job line shown above task lists.
func RenderHeader(snap workflow.Snapshot) string {
	line := fmt.Sprintf("%s · %s · %s",
		headerStyle.Render(snap.JobID),
		humanizeName(snap.WorkflowName),
		labelStyleForWorkflow(snap.Status).Render(titleCase(string(snap.Status))),
	)
	if snap.Error != "" {
		line += " · " + labelStyleFailed.Render(snap.Error)
	}
	return line
}

// RenderSnapshot formats a snapshot as a static task table, used by
// `kairos steps`.
func RenderSnapshot(snap workflow.Snapshot) string {
	lines := []string{RenderHeader(snap), ""}
	width := nameWidth(snap)
	for _, name := range snap.OrderedTasks() {
		status := snap.TaskStates[name]
		lines = append(lines, fmt.Sprintf("  %-*s  %s", width, name, labelStyleForTask(status).Render(string(status))))
		if msg := snap.TaskErrors[name]; msg != "" {
			lines = append(lines, detailTextStyle.Render("    "+msg))
		}
	}
	if keys := contextKeys(snap.Context); len(keys) > 0 {
		lines = append(lines, "", detailTextStyle.Render("context: "+strings.Join(keys, ", ")))
	}
	return strings.Join(lines, "\n")
}

func nameWidth(snap workflow.Snapshot) int {
	width := 0
	for name := range snap.TaskStates {
		if len(name) > width {
			width = len(name)
		}
	}
	return width
}

func contextKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// preview flattens a partial value to one line of bounded width.
func preview(value any) string {
	var text string
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		text = v
	default:
		text = fmt.Sprint(v)
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > previewWidth {
		// Keep the tail; streamed text grows at the end.
		text = "…" + string(runes[len(runes)-previewWidth+1:])
	}
	return text
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeName(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "Workflow"
	}
	replacer := strings.NewReplacer("-", " ", "_", " ")
	parts := strings.Fields(replacer.Replace(trimmed))
	if len(parts) == 0 {
		return "Workflow"
	}
	for i, part := range parts {
		parts[i] = titleCase(part)
	}
	return strings.Join(parts, " ")
}
