// Package tui is a terminal chat client for one consultd channel. It talks to
// a running daemon over the gateway websockets.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

type replyMsg struct {
	res TurnResult
	err error
}

type eventMsg struct {
	ev EventFrame
}

type eventsClosedMsg struct{}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	youStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type chatModel struct {
	ctx        context.Context
	turner     Turner
	events     <-chan EventFrame
	channelKey string
	now        func() time.Time

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int
	lastTotal  int

	input  []rune
	cursor int

	inputHistory []string
	histIdx      int
	histSaved    string

	feed *ActivityFeed
}

func newChatModel(ctx context.Context, turner Turner, events <-chan EventFrame, channelKey string) chatModel {
	m := chatModel{
		ctx:        ctx,
		turner:     turner,
		events:     events,
		channelKey: channelKey,
		now:        time.Now,
		feed:       NewActivityFeed(),
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: fmt.Sprintf("Connected to %s. Type /help for commands.", channelKey),
	})
	return m
}

// Config is what Run needs to reach the daemon.
type Config struct {
	BaseURL    string
	ChannelKey string
	Token      string
}

// Run dials the gateway and runs the chat until the user quits or ctx ends.
func Run(ctx context.Context, cfg Config) error {
	client, err := Dial(ctx, cfg.BaseURL, cfg.ChannelKey, cfg.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	defer bestEffortResetTTY()
	m := newChatModel(ctx, client, client.Events(), cfg.ChannelKey)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err = p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx)}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForEvent(ch <-chan EventFrame) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

func sendCmd(ctx context.Context, t Turner, text string) tea.Cmd {
	return func() tea.Msg {
		res, err := t.Turn(ctx, text)
		return replyMsg{res: res, err: err}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case eventMsg:
		m.feed.AddEvent(msg.ev, m.now())
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.events = nil
		return m, nil

	case replyMsg:
		m.thinking = false
		if msg.err != nil {
			if m.ctx.Err() != nil {
				return m, tea.Quit
			}
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: fmt.Sprintf("Error: %v", msg.err)})
			return m, nil
		}
		res := msg.res
		switch {
		case res.Error != "":
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: fmt.Sprintf("Error (%s): %s", res.ErrorKind, res.Error)})
		case res.Duplicate:
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Duplicate message ignored."})
		default:
			m.history = append(m.history, chatEntry{role: chatRoleAssistant, text: res.Reply})
			m.lastTotal = res.Total
			if res.Degraded {
				m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Reply stored without its summary; history may be incomplete."})
			}
		}
		return m, nil

	case spinnerTickMsg:
		if m.thinking {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		if m.thinking {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		if line == "" {
			m.histIdx = len(m.inputHistory)
			return m, nil
		}
		m.inputHistory = append(m.inputHistory, line)
		m.histIdx = len(m.inputHistory)
		m.histSaved = ""

		if strings.HasPrefix(line, "/") {
			return m.handleCommand(line)
		}
		m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
		m.thinking = true
		return m, tea.Batch(sendCmd(m.ctx, m.turner, line), waitForSpinner())

	case "up", "ctrl+p":
		return m.historyPrev(), nil
	case "down", "ctrl+n":
		return m.historyNext(), nil

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil
	case "delete":
		m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
		return m, nil
	case " ":
		m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
		return m, nil
	case "left", "ctrl+b":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right", "ctrl+f":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home", "ctrl+a":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case "ctrl+k":
		if m.cursor < len(m.input) {
			m.input = append([]rune(nil), m.input[:m.cursor]...)
		}
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	case "ctrl+w", "alt+backspace":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
		return m, nil
	}

	if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
		filtered := make([]rune, 0, len(msg.Runes))
		for _, r := range msg.Runes {
			// Some terminals report Enter as '\r' runes.
			if r == '\r' || r == '\n' || (r < 0x20 && r != '\t') {
				continue
			}
			filtered = append(filtered, r)
		}
		if len(filtered) > 0 {
			m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
		}
	}
	return m, nil
}

const helpText = `Commands:
  /help       show this help
  /activity   expand or collapse the memory event panel
  /clear      clear the transcript (stored history is kept)
  /quit       leave the chat`

func (m chatModel) handleCommand(line string) (tea.Model, tea.Cmd) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/help":
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: helpText})
	case "/activity":
		m.feed.Toggle()
	case "/clear":
		m.history = nil
	default:
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: fmt.Sprintf("Unknown command %s. Type /help.", line)})
	}
	return m, nil
}

func (m chatModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf("consultd · %s", m.channelKey)
	if m.lastTotal > 0 {
		header += fmt.Sprintf(" · %d messages", m.lastTotal)
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n\n")

	feed := m.feed.View()
	feedLines := strings.Count(feed, "\n")

	hLines := m.renderHistoryLines()
	available := m.height - 6 - feedLines
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(feed)
	b.WriteString("> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s thinking...\n", spin))
	} else {
		b.WriteString("\n")
	}
	return b.String()
}

func (m chatModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		var wrapped []string
		switch e.role {
		case chatRoleUser:
			wrapped = m.wrapWithPrefix(e.text, "You: ")
			for i := range wrapped {
				wrapped[i] = youStyle.Render(wrapped[i])
			}
		case chatRoleAssistant:
			wrapped = m.wrapWithPrefix(e.text, m.channelKey+": ")
		default:
			style := systemStyle
			if strings.HasPrefix(e.text, "Error") {
				style = errStyle
			}
			wrapped = m.wrapWithPrefix(e.text, "")
			for i := range wrapped {
				wrapped[i] = style.Render(wrapped[i])
			}
		}
		lines = append(lines, wrapped...)
	}
	return lines
}

func (m chatModel) wrapWithPrefix(text, prefix string) []string {
	if m.width <= 0 {
		var out []string
		for _, line := range strings.Split(text, "\n") {
			out = append(out, prefix+line)
		}
		return out
	}
	width := m.width - len([]rune(prefix))
	if width < 10 {
		width = 10
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		for len(r) > width {
			out = append(out, prefix+string(r[:width]))
			r = r[width:]
		}
		out = append(out, prefix+string(r))
	}
	return out
}

func (m chatModel) historyPrev() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m chatModel) historyNext() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func renderCursor(s string, cursor int) string {
	r := []rune(s)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(r) {
		return s + "█"
	}
	return string(r[:cursor]) + "█" + string(r[cursor+1:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 {
		return in, 0
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}
	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
