package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textarea"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"

	"github.com/go-authgate/chat-cli/chat"
	"github.com/go-authgate/chat-cli/client"
	"github.com/go-authgate/chat-cli/sse"
)

const (
	inputHeight    = 3
	maxStatusLines = 3
	minViewport    = 5
)

// Conversation is the part of *chat.Conversation the chat screen drives.
type Conversation interface {
	Send(ctx context.Context, text string) (chat.Message, error)
	Cancel()
	Reset()
	Messages() []chat.Message
	State() chat.State
}

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the chat screen.
type Model struct {
	conv     Conversation
	ctx      context.Context
	title    string
	markdown bool

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	rendered map[int]string
	width    int
	height   int

	// pending is the text of the outstanding or last failed send, offered
	// again after re-login.
	pending string
	expired bool

	// Scrolling status log shown below the conversation
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUser      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	styleAssistant = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithContext sets the context requests are sent with.
func WithContext(ctx context.Context) ModelOption {
	return func(m *Model) { m.ctx = ctx }
}

// WithTitle sets the header text, usually the signed-in email.
func WithTitle(title string) ModelOption {
	return func(m *Model) { m.title = title }
}

// WithMarkdown renders finished assistant replies as markdown.
func WithMarkdown(enabled bool) ModelOption {
	return func(m *Model) { m.markdown = enabled }
}

// WithInput pre-fills the input box.
func WithInput(text string) ModelOption {
	return func(m *Model) { m.textarea.SetValue(text) }
}

// NewModel creates the chat screen for conv.
func NewModel(conv Conversation, opts ...ModelOption) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message... (Enter to send)"
	ta.CharLimit = 5000
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline = key.NewBinding(
		key.WithKeys("shift+enter", "ctrl+j"),
		key.WithHelp("shift+enter", "new line"),
	)
	ta.Focus()

	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)

	m := Model{
		conv:     conv,
		ctx:      context.Background(),
		title:    "Chat",
		textarea: ta,
		viewport: viewport.New(viewport.WithWidth(80), viewport.WithHeight(minViewport)),
		spinner:  s,
		rendered: make(map[int]string),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.refresh()
	return m
}

// SessionExpired reports whether the screen quit because the session ended.
func (m Model) SessionExpired() bool {
	return m.expired
}

// PendingInput returns the message that was being sent when the screen quit.
func (m Model) PendingInput() string {
	return m.pending
}

// Init starts the cursor blink and the spinner animation.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.conv.State().Busy() {
			m.refresh()
		}
		return m, cmd

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	// ── Conversation messages ────────────────────────────────────────────────

	case MsgConversation:
		if msg.Event.Kind == chat.EventDone {
			switch msg.Event.Outcome {
			case sse.Truncated:
				m.addStatus(statusWarn, "Reply ended early")
			case sse.Interrupted:
				m.addStatus(statusWarn, "Reply interrupted by the server")
			}
		}
		m.refresh()
		return m, nil

	case MsgSendResult:
		return m.handleSendResult(msg)

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgAuthStatus:
		if msg.Authenticated {
			m.addStatus(statusOK, "Authenticated as "+msg.Email)
		} else {
			m.addStatus(statusWarn, "Not authenticated")
		}
		return m, nil

	case MsgStatusLine:
		kind := statusInfo
		if msg.Warn {
			kind = statusWarn
		}
		m.addStatus(kind, msg.Text)
		return m, nil

	case MsgSessionExpired:
		if m.expired {
			return m, nil
		}
		m.expired = true
		m.conv.Cancel()
		m.addStatus(statusWarn, SessionExpiredText)
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.conv.Cancel()
		return m, tea.Quit

	case "esc":
		if m.conv.State().Busy() {
			m.conv.Cancel()
			m.addStatus(statusInfo, "Reply cancelled")
			m.refresh()
		}
		return m, nil

	case "ctrl+n":
		m.conv.Reset()
		m.rendered = make(map[int]string)
		m.pending = ""
		m.addStatus(statusInfo, "Started a new chat")
		m.refresh()
		return m, nil

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case "enter":
		text := strings.TrimSpace(m.textarea.Value())
		if text == "" {
			return m, nil
		}
		if m.conv.State().Busy() {
			m.addStatus(statusWarn, "Wait for the reply or press Esc to cancel it")
			return m, nil
		}
		m.textarea.Reset()
		m.pending = text
		return m, m.sendCmd(text)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m Model) handleSendResult(msg MsgSendResult) (tea.Model, tea.Cmd) {
	switch {
	case msg.Err == nil:
		m.pending = ""
	case errors.Is(msg.Err, client.ErrSessionExpired):
		if m.expired {
			return m, nil
		}
		m.expired = true
		m.addStatus(statusWarn, SessionExpiredText)
		return m, tea.Quit
	case errors.Is(msg.Err, chat.ErrCancelled):
		m.pending = ""
	default:
		m.addStatus(statusWarn, fmt.Sprintf("Request failed: %v", msg.Err))
	}
	m.refresh()
	return m, nil
}

// sendCmd runs the request off the UI loop. Progress arrives as
// MsgConversation through the conversation observer.
func (m Model) sendCmd(text string) tea.Cmd {
	conv, ctx := m.conv, m.ctx
	return func() tea.Msg {
		reply, err := conv.Send(ctx, text)
		return MsgSendResult{Message: reply, Err: err}
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	return tea.NewView(m.viewMain())
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString(styleTitleBox.Render("  " + m.title + "  "))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.viewStatusLog())
	b.WriteString(m.textarea.View())
	b.WriteString("\n")
	b.WriteString(styleDim.Render("enter send · esc cancel reply · ctrl+n new chat · ctrl+c quit"))
	return b.String()
}

// viewStatusLog renders the most recent status lines.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	lines := m.statusLines[max(len(m.statusLines)-maxStatusLines, 0):]
	for _, line := range lines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	// title box (3), input, help line, status log
	vpHeight := max(height-inputHeight-maxStatusLines-6, minViewport)
	m.viewport.SetWidth(width)
	m.viewport.SetHeight(vpHeight)
	m.textarea.SetWidth(width)

	if m.markdown {
		// glamour cannot rewrap, so cached renders are stale
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(max(width-4, 20)),
		)
		m.rendered = make(map[int]string)
	}
	m.refresh()
}

// refresh re-renders the conversation into the viewport.
func (m *Model) refresh() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessages() string {
	msgs := m.conv.Messages()
	if len(msgs) == 0 {
		return styleDim.Render("No messages yet. Say hello!")
	}

	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Author {
		case chat.User:
			b.WriteString(styleUser.Render("You"))
			b.WriteString("\n")
			b.WriteString(msg.Text)
		default:
			b.WriteString(styleAssistant.Render("Assistant"))
			b.WriteString("\n")
			b.WriteString(m.renderReply(msg))
		}
		b.WriteString("\n\n")
	}

	if state := m.conv.State(); state.Busy() {
		b.WriteString(m.spinner.View())
		if state == chat.Sending {
			b.WriteString(" Thinking...")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderReply(msg chat.Message) string {
	switch {
	case msg.Failed:
		return styleErr.Render(msg.Text)
	case !msg.Final || m.renderer == nil:
		return msg.Text
	}

	if out, ok := m.rendered[msg.ID]; ok {
		return out
	}
	out, err := m.renderer.Render(msg.Text)
	if err != nil {
		return msg.Text
	}
	out = strings.Trim(out, "\n")
	m.rendered[msg.ID] = out
	return out
}
