package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	defaultVisibleComments = 8
	noticeDuration         = 4 * time.Second
)

// ErrViewClosed is returned by Ask once the call view has exited.
var ErrViewClosed = errors.New("call view closed")

// CommentLine is one overlay comment as shown in the call view.
type CommentLine struct {
	Author  string
	Text    string
	Special bool
	Own     bool
}

// CallOptions configure a CallView.
type CallOptions struct {
	Title string

	// OnSubmit receives text typed by the user. It runs outside the UI
	// loop and may block.
	OnSubmit func(text string)

	// OnHangUp is called once when the user leaves the call.
	OnHangUp func()

	VisibleComments int
}

type phaseMsg string

type peerMsg string

type commentMsg CommentLine

type noticeMsg string

type clearNoticeMsg struct{ id int }

type askMsg struct {
	question string
	reply    chan bool
}

// CallView is the live view of a call: phase, peer, overlay comments and a
// comment input. Join requests are answered inline with y/n.
type CallView struct {
	program *tea.Program
	model   *callModel

	startOnce sync.Once
	done      chan struct{}
}

type callModel struct {
	title    string
	phase    string
	peer     string
	notice   string
	noticeID int

	comments []CommentLine
	visible  int

	input   textinput.Model
	spinner spinner.Model

	pending  *askMsg
	onSubmit func(string)
	onHangUp func()
	hungUp   bool
}

func newCallModel(opts CallOptions) *callModel {
	ti := textinput.New()
	ti.Placeholder = "say something..."
	ti.CharLimit = 200
	ti.Width = 50
	ti.Prompt = IconComment + " "
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	visible := opts.VisibleComments
	if visible <= 0 {
		visible = defaultVisibleComments
	}

	return &callModel{
		title:    opts.Title,
		phase:    "connecting",
		visible:  visible,
		input:    ti,
		spinner:  s,
		onSubmit: opts.OnSubmit,
		onHangUp: opts.OnHangUp,
	}
}

func NewCallView(opts CallOptions) *CallView {
	model := newCallModel(opts)
	return &CallView{
		program: tea.NewProgram(model),
		model:   model,
		done:    make(chan struct{}),
	}
}

// Start runs the view in the background until the user hangs up or Stop is
// called.
func (v *CallView) Start() {
	v.startOnce.Do(func() {
		go func() {
			defer close(v.done)
			if _, err := v.program.Run(); err != nil {
				fmt.Fprintf(Output, "UI error: %v\n", err)
			}
		}()
	})
}

// Done is closed when the view has exited.
func (v *CallView) Done() <-chan struct{} {
	return v.done
}

// Stop closes the view. The setters below must not be called before
// Start.
func (v *CallView) Stop() {
	started := true
	v.startOnce.Do(func() {
		started = false
		close(v.done)
	})
	if started {
		v.program.Quit()
		<-v.done
	}
}

func (v *CallView) SetPhase(phase string) {
	v.program.Send(phaseMsg(phase))
}

func (v *CallView) SetPeer(peer string) {
	v.program.Send(peerMsg(peer))
}

func (v *CallView) AddComment(c CommentLine) {
	v.program.Send(commentMsg(c))
}

// Notice shows a transient message.
func (v *CallView) Notice(msg string) {
	v.program.Send(noticeMsg(msg))
}

// Ask shows question and waits for y/n. Hanging up answers no.
func (v *CallView) Ask(ctx context.Context, question string) (bool, error) {
	reply := make(chan bool, 1)
	v.program.Send(askMsg{question: question, reply: reply})

	select {
	case ok := <-reply:
		return ok, nil
	case <-v.done:
		return false, ErrViewClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case phaseMsg:
		m.phase = string(msg)

	case peerMsg:
		m.peer = string(msg)

	case commentMsg:
		m.comments = append(m.comments, CommentLine(msg))
		if len(m.comments) > m.visible {
			m.comments = m.comments[len(m.comments)-m.visible:]
		}

	case noticeMsg:
		m.notice = string(msg)
		m.noticeID++
		id := m.noticeID
		return m, tea.Tick(noticeDuration, func(time.Time) tea.Msg {
			return clearNoticeMsg{id: id}
		})

	case clearNoticeMsg:
		if msg.id == m.noticeID {
			m.notice = ""
		}

	case askMsg:
		if m.pending != nil || m.hungUp {
			msg.reply <- false
			return m, nil
		}
		m.pending = &msg

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *callModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pending != nil {
		switch msg.String() {
		case "y", "Y":
			m.answer(true)
		case "n", "N", "esc":
			m.answer(false)
		case "ctrl+c":
			return m, m.hangUp()
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "esc":
		return m, m.hangUp()

	case "q":
		if m.input.Value() == "" {
			return m, m.hangUp()
		}

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if text == "" || m.onSubmit == nil {
			return m, nil
		}
		submit := m.onSubmit
		return m, func() tea.Msg {
			submit(text)
			return nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *callModel) answer(ok bool) {
	m.pending.reply <- ok
	m.pending = nil
}

func (m *callModel) hangUp() tea.Cmd {
	if m.pending != nil {
		m.answer(false)
	}
	if !m.hungUp {
		m.hungUp = true
		if m.onHangUp != nil {
			m.onHangUp()
		}
	}
	return tea.Quit
}

func (m *callModel) View() string {
	if m.hungUp {
		return ""
	}

	var b strings.Builder

	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n")

	status := StatusStyle.Render(strings.ToUpper(m.phase))
	if m.phase == "connecting" || m.phase == "awaiting-approval" {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(status)
	if m.peer != "" {
		b.WriteString("  " + IconPeer + " " + MutedStyle.Render(m.peer))
	}
	b.WriteString("\n\n")

	if m.notice != "" {
		b.WriteString(WarningStyle.Render(IconWarning+" "+m.notice) + "\n\n")
	}

	if m.pending != nil {
		b.WriteString(PromptBoxStyle.Render(m.pending.question+"  "+BoldStyle.Render("[y/n]")) + "\n\n")
	}

	if len(m.comments) == 0 {
		b.WriteString(MutedStyle.Render("No comments yet") + "\n")
	}
	for _, c := range m.comments {
		text := CommentStyle.Render(c.Text)
		switch {
		case c.Own:
			text = OwnCommentStyle.Render(c.Text)
		case c.Special:
			text = SpecialCommentStyle.Render(IconAI + " " + c.Text)
		}
		b.WriteString(CommentAuthorStyle.Render(c.Author) + " " + text + "\n")
	}

	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(MutedStyle.Render("enter to comment • " + IconHangUp + " q (empty input) or esc to hang up"))
	return b.String()
}
