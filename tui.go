package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scribe/capture"
	"scribe/clipboard"
	"scribe/config"
	"scribe/hotkey"
	"scribe/session"
	"scribe/transport"
)

// TUI message types
type StateMsg struct{ State session.State }
type NoticeMsg struct{ Text string }
type toggledMsg struct{ err error }
type copiedMsg struct{ err error }
type tickMsg time.Time

// Actions is the part of the session controller the overlay drives.
type Actions interface {
	ToggleRecording(ctx context.Context) error
	Reconnect(ctx context.Context)
}

type tuiModel struct {
	ctx     context.Context
	actions Actions
	copy    func(string) error

	state         session.State
	now           time.Time
	recStart      time.Time
	toggling      bool
	notice        string
	hotkey        bool
	statusLine    string // "mic: ... | fallback audio/wav"
	backend       string
	width, height int
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	recStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	standbyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	openStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldHelpStyle = helpStyle.Bold(true)
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	titleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	textStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	insightStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	questionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
)

func newTUIModel(ctx context.Context, actions Actions, initial session.State, cfg *config.Config, hotkey bool, notice string) tuiModel {
	return tuiModel{
		ctx:        ctx,
		actions:    actions,
		copy:       clipboard.Copy,
		state:      initial,
		now:        time.Now(),
		notice:     notice,
		hotkey:     hotkey,
		statusLine: deviceLabel(cfg) + " | " + fallbackLabel(cfg.Format()),
		backend:    cfg.BackendURL,
	}
}

func NewTUIProgram(ctx context.Context, ctrl *session.Controller, cfg *config.Config, hotkey bool, notice string) *tea.Program {
	m := newTUIModel(ctx, ctrl, ctrl.Snapshot(), cfg, hotkey, notice)
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.now = time.Time(msg)
		return m, tuiTick()

	case StateMsg:
		if msg.State.Recording && !m.state.Recording {
			m.recStart = m.now
		}
		m.state = msg.State

	case NoticeMsg:
		m.notice = msg.Text

	case toggledMsg:
		m.toggling = false
		if msg.err != nil {
			m.notice = msg.err.Error()
		}

	case copiedMsg:
		if msg.err != nil {
			m.notice = "copy failed: " + msg.err.Error()
		} else {
			m.notice = "transcript copied to clipboard"
		}
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit

	case " ", "space", "r":
		if m.toggling {
			return m, nil
		}
		m.toggling = true
		m.notice = ""
		ctx, actions := m.ctx, m.actions
		return m, func() tea.Msg {
			return toggledMsg{err: actions.ToggleRecording(ctx)}
		}

	case "R":
		m.notice = "reconnecting..."
		ctx, actions := m.ctx, m.actions
		return m, func() tea.Msg {
			actions.Reconnect(ctx)
			return nil
		}

	case "c":
		text := m.state.Text
		if text == "" {
			m.notice = "nothing to copy yet"
			return m, nil
		}
		copyFn := m.copy
		return m, func() tea.Msg {
			return copiedMsg{err: copyFn(text)}
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	wrapWidth := max(m.width-2, 20)

	var b strings.Builder
	b.WriteString(m.statusView() + "\n")
	b.WriteString(dimStyle.Render(m.statusLine) + "\n")
	if m.state.Err != nil {
		b.WriteString(errStyle.Render(errorText(m.state.Err)) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(titleStyle.Render("Transcript") + "\n")
	if m.state.Text == "" {
		b.WriteString(dimStyle.Render("Waiting for speech...") + "\n")
	} else {
		for _, line := range wrapText(m.state.Text, wrapWidth) {
			b.WriteString(textStyle.Render(line) + "\n")
		}
	}

	writeList(&b, "Insights", m.state.Insights, insightStyle, wrapWidth)
	writeList(&b, "Questions", m.state.Questions, questionStyle, wrapWidth)

	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice) + "\n")
	}
	b.WriteString(m.helpView() + "\n")
	b.WriteString(helpStyle.Render("scribe " + version))

	return lipgloss.NewStyle().
		Width(m.width).
		MaxHeight(m.height).
		PaddingLeft(1).
		Render(b.String())
}

func (m tuiModel) statusView() string {
	var rec string
	if m.state.Recording {
		rec = recStyle.Render(fmt.Sprintf("● REC %.1fs", m.now.Sub(m.recStart).Seconds()))
		if m.state.Strategy == capture.StrategyFallback {
			rec += dimStyle.Render(" (compatibility mode)")
		}
	} else {
		rec = standbyStyle.Render("○ STANDBY")
	}

	var conn string
	switch m.state.Connection {
	case transport.StateOpen:
		conn = openStyle.Render("● connected")
	case transport.StateConnecting:
		conn = pendingStyle.Render("◌ connecting")
	default:
		conn = standbyStyle.Render("○ disconnected")
	}
	return rec + "   " + conn + dimStyle.Render(" "+m.backend)
}

func (m tuiModel) helpView() string {
	parts := []string{
		boldHelpStyle.Render("space") + helpStyle.Render(" record"),
		boldHelpStyle.Render("c") + helpStyle.Render(" copy"),
		boldHelpStyle.Render("R") + helpStyle.Render(" reconnect"),
		boldHelpStyle.Render("q") + helpStyle.Render(" quit"),
	}
	if m.hotkey {
		parts = append([]string{boldHelpStyle.Render(hotkey.Combo) + helpStyle.Render(" record")}, parts...)
	}
	return strings.Join(parts, helpStyle.Render(" · "))
}

func errorText(err error) string {
	if errors.Is(err, transport.ErrBudgetExhausted) {
		return "Connection lost: " + err.Error() + " (press R to reconnect)"
	}
	return "Error: " + err.Error()
}

func writeList(b *strings.Builder, title string, items []string, style lipgloss.Style, width int) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n" + titleStyle.Render(title) + "\n")
	for _, item := range items {
		for i, line := range wrapText(item, width-2) {
			prefix := "  "
			if i == 0 {
				prefix = "• "
			}
			b.WriteString(style.Render(prefix+line) + "\n")
		}
	}
}

// wrapText breaks text on spaces so no line exceeds width runes. Words
// longer than width are split.
func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 1
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	var cur []rune
	for _, w := range words {
		word := []rune(w)
		for len(word) > width {
			if len(cur) > 0 {
				lines = append(lines, string(cur))
				cur = nil
			}
			lines = append(lines, string(word[:width]))
			word = word[width:]
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, word...)
		case len(cur)+1+len(word) <= width:
			cur = append(cur, ' ')
			cur = append(cur, word...)
		default:
			lines = append(lines, string(cur))
			cur = append([]rune(nil), word...)
		}
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}
