package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	Primary   = lipgloss.Color("#F472B6")
	Secondary = lipgloss.Color("#A78BFA")
	Success   = lipgloss.Color("#34D399")
	Warning   = lipgloss.Color("#FBBF24")
	Error     = lipgloss.Color("#F87171")
	Muted     = lipgloss.Color("#9CA3AF")
	Light     = lipgloss.Color("#F9FAFB")
)

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

var (
	TitleStyle   = fg(Primary).Bold(true).MarginBottom(1)
	SuccessStyle = fg(Success).Bold(true)
	ErrorStyle   = fg(Error).Bold(true)
	WarningStyle = fg(Warning)
	MutedStyle   = fg(Muted)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
	SpinnerStyle = fg(Primary)

	// StatusStyle renders the call phase as a badge.
	StatusStyle = fg(Light).Background(Primary).Bold(true).Padding(0, 1)

	SuccessBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(Success).
			Padding(1, 2)

	// PromptBoxStyle frames a pending join request.
	PromptBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(Warning).
			Padding(0, 1)
)

// Overlay comments: AI replies stand out, the local participant's own
// comments are tinted.
var (
	CommentStyle        = fg(Light)
	SpecialCommentStyle = fg(Primary).Bold(true)
	OwnCommentStyle     = fg(Secondary)
	CommentAuthorStyle  = fg(Muted).Width(10)
)

const (
	IconSuccess = "✅"
	IconError   = "❌"
	IconWarning = "⚠️"
	IconRoom    = "🚪"
	IconPeer    = "👤"
	IconCopy    = "📋"
	IconWeb     = "🌐"
	IconComment = "💬"
	IconAI      = "✨"
	IconHangUp  = "📴"
)

// Output is where everything outside the call view is printed.
var Output io.Writer = os.Stdout

func PrintError(msg string) {
	fmt.Fprintln(Output, ErrorStyle.Render(IconError+" "+msg))
}

func PrintSuccessf(format string, args ...any) {
	fmt.Fprintln(Output, SuccessStyle.Render(IconSuccess)+" "+fmt.Sprintf(format, args...))
}
