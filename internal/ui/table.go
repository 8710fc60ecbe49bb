package ui

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// SessionSummary is printed when a call ends.
type SessionSummary struct {
	Room       string
	Role       string
	Peer       string
	Outcome    string
	Duration   string
	Offers     int
	Answers    int
	Candidates string
	Comments   int
	Recording  string
}

func SessionSummaryView(title string, s SessionSummary) string {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"Metric", "Value"})

	peer := s.Peer
	if peer == "" {
		peer = "-"
	}
	t.AppendRows([]table.Row{
		{"Room", s.Room},
		{"Role", s.Role},
		{"Peer", peer},
		{"Outcome", s.Outcome},
		{"Connected for", s.Duration},
		{"Offers / Answers", strconv.Itoa(s.Offers) + " / " + strconv.Itoa(s.Answers)},
		{"ICE candidates", s.Candidates},
		{"Comments", s.Comments},
	})
	if s.Recording != "" {
		t.AppendRow(table.Row{"Recording", s.Recording})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: text.Colors{text.Bold}},
	})
	return t.Render()
}

func RenderSessionSummary(title string, s SessionSummary) {
	fmt.Fprintln(Output, SessionSummaryView(title, s))
}

// RoomInfo is shown to the host after the room is opened.
type RoomInfo struct {
	RoomID    string
	ServerURL string
}

func NewRoomInfo(roomID, serverURL string) *RoomInfo {
	return &RoomInfo{RoomID: roomID, ServerURL: serverURL}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room Created!\n\n%s Room ID:  %s\n%s Server:   %s\n\n%s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.ServerURL),
		MutedStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top, "Join with: aivent join ", r.RoomID)),
	)
	return SuccessBoxStyle.Render(content)
}
