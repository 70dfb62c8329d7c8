// cli/chat_ui.go
// Package cli provides the interactive terminal interfaces for loom: the
// streaming chat view defined in this file and the pipeline view in
// pipeline_ui.go.
package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/chat"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/remote"
)

// Config represents the shared application configuration for the CLI.
type Config = appconfig.Config

// chatViewState represents the current view within chat mode.
type chatViewState int

const (
	// viewConversation is the main streaming conversation view.
	viewConversation chatViewState = iota
	// viewSessionPicker is the named-session switcher list.
	viewSessionPicker
)

var (
	chatHeaderStyle  = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230")).Padding(0, 1)
	chatModeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("255")).Foreground(lipgloss.Color("0")).Padding(0, 1).MarginLeft(1)
	chatUserStyle    = lipgloss.NewStyle().Bold(true)
	chatAnswerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	chatSourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	chatPickedSource = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Bold(true)
	chatErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(1)
)

// sessionItem renders one stored session inside the picker list.
type sessionItem struct {
	entry chat.DirectoryEntry
}

// Title returns the session's derived title.
func (i sessionItem) Title() string { return i.entry.Title }

// Description summarizes the session for the picker.
func (i sessionItem) Description() string {
	return fmt.Sprintf("%d messages • %s", i.entry.MessageCount, i.entry.LastUpdated.Format("15:04:05"))
}

// FilterValue returns the title, used for filtering.
func (i sessionItem) FilterValue() string { return i.entry.Title }

// chatDeltaMsg carries the running accumulated answer text.
type chatDeltaMsg string

// chatMetaMsg carries stream metadata records.
type chatMetaMsg map[string]any

// chatDoneMsg is sent when the exchange completed with a structured response.
type chatDoneMsg backend.ChatResponse

// chatSettledMsg is sent after the send call returns, error or not.
type chatSettledMsg struct{ err error }

// chatTickMsg drives the elapsed-time display while streaming.
type chatTickMsg time.Time

// chatModel is the Bubble Tea model for the chat view.
type chatModel struct {
	ctx     context.Context
	config  *Config
	engine  *chat.Engine
	program *tea.Program

	state            chatViewState
	isStreaming      bool
	err              error
	textArea         textarea.Model
	viewport         viewport.Model
	spinner          spinner.Model
	sessionList      list.Model
	width, height    int
	requestStartTime time.Time
}

// initialChatModel creates and initializes a chat model with default values.
func initialChatModel(ctx context.Context, cfg *Config, engine *chat.Engine) *chatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ta := textarea.New()
	ta.Placeholder = "Ask the project..."
	ta.Focus()
	ta.Prompt = "You: "
	ta.ShowLineNumbers = false
	ta.CharLimit = -1
	ta.SetHeight(1)
	ta.KeyMap.InsertNewline.SetEnabled(false)

	picker := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	picker.Title = "Select a Session"

	return &chatModel{
		ctx:         ctx,
		config:      cfg,
		engine:      engine,
		state:       viewConversation,
		spinner:     s,
		textArea:    ta,
		viewport:    viewport.New(100, 5),
		sessionList: picker,
	}
}

// sendChatCmd starts one streaming exchange, forwarding progress into the
// program's message loop.
func sendChatCmd(ctx context.Context, p *tea.Program, engine *chat.Engine, draft string) tea.Cmd {
	return func() tea.Msg {
		go func() {
			err := engine.Send(ctx, draft, chat.Callbacks{
				OnMeta: func(meta map[string]any) {
					p.Send(chatMetaMsg(meta))
				},
				OnDelta: func(accumulated string) {
					p.Send(chatDeltaMsg(accumulated))
				},
				OnDone: func(resp backend.ChatResponse) {
					p.Send(chatDoneMsg(resp))
				},
			})
			p.Send(chatSettledMsg{err: err})
		}()
		return nil
	}
}

// chatTickCmd sends a chatTickMsg at a regular interval.
func chatTickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return chatTickMsg(t)
	})
}

// Init starts the spinner animation.
func (m *chatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update is the central update function for the chat model.
func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.state == viewSessionPicker {
				m.state = viewConversation
				m.textArea.Focus()
				return m, nil
			}
			return m, tea.Quit
		case "ctrl+x":
			if m.isStreaming {
				m.engine.Cancel()
			}
			return m, nil
		case "ctrl+t":
			if err := m.engine.SetSessionMode(!m.engine.SessionMode()); err != nil {
				m.err = err
			} else {
				m.err = nil
			}
			return m, nil
		case "ctrl+n":
			if _, err := m.engine.NewSession(); err != nil {
				m.err = err
			} else {
				m.err = nil
			}
			return m, nil
		case "ctrl+s":
			if m.state == viewConversation && m.engine.SessionMode() {
				m.refreshSessionList()
				m.state = viewSessionPicker
			}
			return m, nil
		case "ctrl+l":
			if err := m.engine.Clear(); err != nil {
				m.err = err
			} else {
				m.err = nil
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.sessionList.SetSize(msg.Width-2, msg.Height-4)
		m.textArea.SetWidth(msg.Width - 3)
		headerHeight := 3
		footerHeight := 6
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - headerHeight - footerHeight

	case chatDeltaMsg:
		m.viewport.GotoBottom()
		return m, nil

	case chatMetaMsg:
		return m, nil

	case chatDoneMsg:
		m.viewport.GotoBottom()
		return m, nil

	case chatSettledMsg:
		m.isStreaming = false
		m.err = msg.err
		m.textArea.Focus()
		m.viewport.GotoBottom()
		return m, nil

	case chatTickMsg:
		if m.isStreaming {
			return m, chatTickCmd()
		}
		return m, nil
	}

	switch m.state {
	case viewSessionPicker:
		m.sessionList, cmd = m.sessionList.Update(msg)
		cmds = append(cmds, cmd)
		if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "enter" {
			if picked, ok := m.sessionList.SelectedItem().(sessionItem); ok {
				if err := m.engine.SwitchSession(picked.entry.ID); err != nil {
					m.err = err
				} else {
					m.err = nil
				}
				m.state = viewConversation
				m.textArea.Focus()
			}
		}

	case viewConversation:
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

		m.textArea, cmd = m.textArea.Update(msg)
		cmds = append(cmds, cmd)

		if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "enter" {
			draft := strings.TrimSpace(m.textArea.Value())
			if draft != "" && !m.isStreaming {
				m.textArea.Reset()
				m.isStreaming = true
				m.err = nil
				m.requestStartTime = time.Now()
				cmds = append(cmds, m.spinner.Tick, sendChatCmd(m.ctx, m.program, m.engine, draft), chatTickCmd())
			}
		}
	}

	if m.isStreaming {
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// refreshSessionList rebuilds the picker items from the session directory.
func (m *chatModel) refreshSessionList() {
	entries := m.engine.Sessions()
	items := make([]list.Item, len(entries))
	for i, entry := range entries {
		items[i] = sessionItem{entry: entry}
	}
	m.sessionList.SetItems(items)
}

// View renders the chat UI based on the current state.
func (m *chatModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	if m.state == viewSessionPicker {
		return lipgloss.NewStyle().Margin(1, 2).Render(m.sessionList.View())
	}

	return m.conversationView()
}

// conversationView renders the header, message log, source list, and input.
func (m *chatModel) conversationView() string {
	var builder strings.Builder
	session := m.engine.Snapshot()

	mode := "stateless"
	if m.engine.SessionMode() {
		mode = "session"
	}
	title := session.Title
	if title == "" {
		title = chat.DeriveTitle(session.Messages)
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		chatHeaderStyle.Render(fmt.Sprintf("Project: %s", m.config.ProjectID)),
		chatModeStyle.Render(fmt.Sprintf("Mode: %s", mode)),
		chatModeStyle.Render(title),
	)
	help := lipgloss.NewStyle().Faint(true).Render(" (ctrl+t mode, ctrl+s sessions, ctrl+n new, ctrl+x interrupt, esc quit)")
	builder.WriteString(header + help + "\n\n")

	var historyBuilder strings.Builder
	for _, message := range session.Messages {
		var role string
		if message.Role == chat.RoleAssistant {
			role = chatAnswerStyle.Render("Assistant: ")
		} else {
			role = chatUserStyle.Render("You: ")
		}
		content := message.Content
		if message.IsStreaming && content == "" {
			content = "…"
		}
		wrapped := lipgloss.NewStyle().Width(m.width - lipgloss.Width(role) - 2).Render(content)
		historyBuilder.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, role, wrapped) + "\n")
	}
	m.viewport.SetContent(historyBuilder.String())
	builder.WriteString(m.viewport.View())

	if resp := session.LatestResponse; resp != nil && len(resp.Sources) > 0 {
		builder.WriteString("\n" + m.renderSources(resp, session.SelectedSourceID))
	}

	if m.isStreaming {
		timer := fmt.Sprintf("%.1f", time.Since(m.requestStartTime).Seconds())
		builder.WriteString("\n" + m.spinner.View() + fmt.Sprintf(" Assistant is answering... %ss", timer))
	} else {
		builder.WriteString("\n" + m.textArea.View())
	}

	if m.err != nil {
		builder.WriteString("\n" + chatErrorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}

	return builder.String()
}

// renderSources lists the top ranked sources of the latest answer, marking
// the selected one.
func (m *chatModel) renderSources(resp *backend.ChatResponse, selectedID string) string {
	var builder strings.Builder
	limit := len(resp.Sources)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit; i++ {
		source := resp.Sources[i]
		line := fmt.Sprintf("[%d] %s (hybrid %.3f)", source.Rank, source.DocumentName, source.HybridScore)
		if source.RerankScore != nil {
			line += fmt.Sprintf(" (rerank %.3f)", *source.RerankScore)
		}
		if source.ID == selectedID {
			builder.WriteString(chatPickedSource.Render("> "+line) + "\n")
		} else {
			builder.WriteString(chatSourceStyle.Render("  "+line) + "\n")
		}
	}
	return strings.TrimRight(builder.String(), "\n")
}

// StartChatUI initializes and runs the interactive chat TUI.
func StartChatUI(ctx context.Context, cfg *appconfig.Config, cancel context.CancelFunc) {
	if cfg == nil {
		log.Fatalf("Failed to start: configuration is not loaded")
	}

	f, err := tea.LogToFile(cfg.LogFilePath(), "debug")
	if err != nil {
		log.Fatalf("could not open log file: %v", err)
	}
	defer f.Close()
	defer func() {
		log.Println("Cancelling all running requests...")
		cancel()
	}()

	client := backend.New(cfg)
	slots := remote.NewSlotTable(func(operationID string) {
		if err := client.CancelOperation(context.Background(), operationID); err != nil {
			logging.LogEvent("abandon notification for %s failed: %v", operationID, err)
		}
	})
	engine := chat.NewEngine(client, slots, chat.NewStore(), cfg)

	m := initialChatModel(ctx, cfg, engine)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	m.program = p

	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
