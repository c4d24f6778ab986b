package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/relay/llm"
	"github.com/deepnoodle-ai/relay/workflow"
)

var (
	headerStyle  = color.New(color.FgCyan, color.Bold)
	successStyle = color.New(color.FgGreen)
	warningStyle = color.New(color.FgYellow, color.Bold)
	errorStyle   = color.New(color.FgRed)
	mutedStyle   = color.New(color.FgHiBlack)
	userStyle    = color.New(color.FgCyan, color.Bold)
	agentStyle   = color.New(color.FgMagenta, color.Bold)
	toolStyle    = color.New(color.FgYellow)
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func roleStyle(role llm.Role) *color.Color {
	if role == llm.User {
		return userStyle
	}
	return agentStyle
}

// formatBlock renders one content block as a line of transcript.
func formatBlock(b llm.ContentBlock) string {
	switch b.Type {
	case llm.ContentTypeThinking:
		return mutedStyle.Sprintf("(thinking) %s", b.Content)
	case llm.ContentTypeToolUse:
		return toolStyle.Sprintf("-> %s %s", b.ToolName, truncate(string(b.ToolInput), 80))
	case llm.ContentTypeToolResult:
		return mutedStyle.Sprintf("<- %s", truncate(b.Content, 120))
	default:
		return b.Content
	}
}

func statusStyle(status workflow.Status) *color.Color {
	switch status {
	case workflow.StatusCompleted:
		return successStyle
	case workflow.StatusFailed:
		return errorStyle
	default:
		return warningStyle
	}
}
