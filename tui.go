package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nlustream/config"
	"nlustream/engine"
	"nlustream/log"
)

type tickMsg time.Time

type startMsg struct{}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	levelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// tuiModel is both the Bubble Tea model and the session's EventSink. The engine
// queue is drained from Update, so sink methods run on the program goroutine.
type tuiModel struct {
	ctx      context.Context
	eng      *engine.Engine
	cfg      *config.Config
	src      source
	copyText bool
	sess     *session

	width, height int
	id            string
	mode          string
	streaming     bool
	level         float64
	partial       string
	final         string
	intents       []string
	notice        string
	last          *Summary
	count         int
	err           error
}

func newTUIModel(ctx context.Context, eng *engine.Engine, cfg *config.Config, src source, copyText bool) *tuiModel {
	return &tuiModel{ctx: ctx, eng: eng, cfg: cfg, src: src, copyText: copyText}
}

func tuiTick() tea.Cmd {
	return tea.Tick(loopInterval*3, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(func() tea.Msg { return startMsg{} }, tuiTick())
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case startMsg:
		m.begin()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.sess != nil {
				m.sess.cancel("quit")
			}
			return m, tea.Quit
		case " ", "enter":
			if m.sess != nil {
				m.sess.stop()
			}
		case "c":
			if m.sess != nil {
				m.sess.cancel("canceled by user")
			}
		case "r":
			if m.sess == nil || m.sess.done {
				m.begin()
			}
		}

	case tickMsg:
		m.eng.Drain()
		if m.sess != nil {
			m.sess.tick(time.Time(msg))
		}
		return m, tuiTick()
	}
	return m, nil
}

func (m *tuiModel) begin() {
	m.partial, m.final, m.intents, m.notice, m.err = "", "", nil, "", nil
	m.streaming, m.level = false, 0
	m.sess = newSession(m.eng, m.cfg, m.src, m, m.copyText)
	if err := m.sess.start(m.ctx); err != nil {
		log.Warnf("session start: %v", err)
		m.err = err
	}
}

func (m *tuiModel) RequestStart(id, mode string) {
	m.id, m.mode = id, mode
}

func (m *tuiModel) StreamReady() { m.streaming = true }

func (m *tuiModel) AudioLevel(level float64) {
	m.level = m.level*0.6 + level*0.4
}

func (m *tuiModel) Transcription(text string, final bool) {
	if final {
		m.final = text
		m.partial = ""
		return
	}
	m.partial = text
}

func (m *tuiModel) Understanding(intents []string, final bool) {
	m.intents = intents
}

func (m *tuiModel) Notice(text string) { m.notice = text }

func (m *tuiModel) Finished(s Summary) {
	m.count++
	m.last = &s
	m.streaming = false
	m.level = 0
}

func (m *tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	wrapWidth := max(m.width-2, 10)
	var lines []string

	running := m.sess != nil && !m.sess.done
	switch {
	case running && m.streaming && !m.sess.stopped:
		lines = append(lines, recStyle.Render("● STREAMING")+" "+levelBar(m.level, 20))
	case running:
		lines = append(lines, warnStyle.Render("◐ WAITING"))
	default:
		lines = append(lines, idleStyle.Render("○ IDLE"))
	}
	if m.id != "" {
		lines = append(lines, idleStyle.Render(fmt.Sprintf("%s  [%s]  %s", m.id, m.mode, m.cfg.Endpoint.URL)))
	}
	if m.notice != "" {
		lines = append(lines, warnStyle.Render("  ⚠ "+m.notice))
	}
	if m.err != nil {
		lines = append(lines, warnStyle.Render(m.err.Error()))
	}
	lines = append(lines, "")

	if m.final != "" {
		lines = append(lines, titleStyle.Render("Transcription"))
		for _, l := range wrapText(m.final, wrapWidth) {
			lines = append(lines, textStyle.Render(l))
		}
	} else if m.partial != "" {
		for _, l := range wrapText(m.partial, wrapWidth) {
			lines = append(lines, partialStyle.Render(l))
		}
	}
	if len(m.intents) > 0 {
		lines = append(lines, "", titleStyle.Render("Intents"))
		for _, in := range m.intents {
			lines = append(lines, "  "+in)
		}
	}

	if s := m.last; s != nil && !running {
		lines = append(lines, "")
		out := fmt.Sprintf("#%d %s in %s", m.count, s.Outcome, s.Elapsed.Round(time.Millisecond))
		if s.AudioMs > 0 {
			out += fmt.Sprintf(" · %.0fms audio", s.AudioMs)
		}
		if s.Succeeded {
			lines = append(lines, okStyle.Render(out))
		} else {
			lines = append(lines, warnStyle.Render(out))
			if s.Message != "" {
				lines = append(lines, warnStyle.Render(fmt.Sprintf("%s (%d)", s.Message, s.Status)))
			}
		}
		if s.Copied {
			lines = append(lines, okStyle.Render("[✓ copied]"))
		}
	}

	lines = append(lines, "")
	help := boldHelp.Render("space") + helpStyle.Render(" stop  ") +
		boldHelp.Render("c") + helpStyle.Render(" cancel  ") +
		boldHelp.Render("r") + helpStyle.Render(" resend  ") +
		boldHelp.Render("q") + helpStyle.Render(" quit")
	lines = append(lines, help, helpStyle.Render("nlustream "+version))

	return lipgloss.NewStyle().Width(m.width).Height(m.height).PaddingLeft(1).
		Render(strings.Join(lines, "\n"))
}

func levelBar(level float64, width int) string {
	n := min(int(level*4*float64(width)), width)
	return levelStyle.Render(strings.Repeat("▮", n)) + idleStyle.Render(strings.Repeat("▯", width-n))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
