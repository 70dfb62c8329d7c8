// cli/pipeline_ui.go
package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/extract"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/remote"
	"github.com/loomworks/loom/internal/util"
)

const pipelinePreviewRunes = 120

var (
	stageTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	stageDetailStyle = lipgloss.NewStyle().Faint(true)
	stageStateStyles = map[pipeline.StageState]lipgloss.Style{
		pipeline.StageIdle:        lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Background(lipgloss.Color("235")).Padding(0, 1),
		pipeline.StageRunning:     lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("33")).Padding(0, 1),
		pipeline.StageSucceeded:   lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("34")).Padding(0, 1),
		pipeline.StageFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Padding(0, 1),
		pipeline.StageInterrupted: lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("172")).Padding(0, 1),
	}
	focusedColumn = lipgloss.NewStyle().Border(lipgloss.ThickBorder()).BorderForeground(lipgloss.Color("135")).Padding(0, 1)
	normalColumn  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	bannerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("124")).Padding(0, 1)
)

// visibleStages are the columns rendered by the pipeline view, in order.
var visibleStages = []pipeline.Stage{
	pipeline.StageNormalize,
	pipeline.StageChunk,
	pipeline.StageContext,
	pipeline.StageIngest,
}

// stageSettledMsg is sent when a stage call returns.
type stageSettledMsg struct {
	stage pipeline.Stage
	err   error
}

// ingestSettledMsg is sent when an ingest call returns.
type ingestSettledMsg struct {
	result backend.IngestResult
	err    error
}

// pipeTickMsg refreshes the view while a stage is running.
type pipeTickMsg time.Time

// pipelineModel is the Bubble Tea model for the pipeline view.
type pipelineModel struct {
	ctx    context.Context
	config *Config
	orch   *pipeline.Orchestrator

	focused       int
	chunkModes    []string
	contextModes  []string
	spinner       spinner.Model
	viewport      viewport.Model
	banner        string
	width, height int
}

// initialPipelineModel creates a pipeline model over a prepared orchestrator.
func initialPipelineModel(ctx context.Context, cfg *Config, orch *pipeline.Orchestrator) *pipelineModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &pipelineModel{
		ctx:          ctx,
		config:       cfg,
		orch:         orch,
		chunkModes:   []string{pipeline.ChunkModeDeterministic, pipeline.ChunkModeAgentic},
		contextModes: []string{pipeline.ContextModeDisabled, pipeline.ContextModeTemplate, pipeline.ContextModeLLM},
		spinner:      s,
		viewport:     viewport.New(100, 8),
	}
}

// runStageCmd runs one stage call off the update loop.
func runStageCmd(ctx context.Context, orch *pipeline.Orchestrator, stage pipeline.Stage) tea.Cmd {
	return func() tea.Msg {
		var err error
		switch stage {
		case pipeline.StageNormalize:
			err = orch.ToggleNormalize(ctx)
		case pipeline.StageChunk:
			err = orch.RunChunk(ctx)
		case pipeline.StageContext:
			err = orch.RunContext(ctx)
		case pipeline.StagePreview:
			err = orch.Preview(ctx)
		}
		return stageSettledMsg{stage: stage, err: err}
	}
}

// runIngestCmd runs a manual or automatic ingest off the update loop.
func runIngestCmd(ctx context.Context, orch *pipeline.Orchestrator, automatic bool) tea.Cmd {
	return func() tea.Msg {
		var result backend.IngestResult
		var err error
		if automatic {
			result, err = orch.IngestAutomatic(ctx)
		} else {
			result, err = orch.IngestManual(ctx)
		}
		return ingestSettledMsg{result: result, err: err}
	}
}

// pipeTickCmd sends a pipeTickMsg at a regular interval.
func pipeTickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return pipeTickMsg(t)
	})
}

// Init starts the spinner animation.
func (m *pipelineModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update is the central update function for the pipeline model.
func (m *pipelineModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "left":
			if m.focused > 0 {
				m.focused--
			}
			return m, nil
		case "right":
			if m.focused < len(visibleStages)-1 {
				m.focused++
			}
			return m, nil
		case "m":
			m.banner = ""
			m.cycleChunkMode()
			return m, nil
		case "c":
			m.banner = ""
			m.cycleContextMode()
			return m, nil
		case "enter", "r":
			stage := visibleStages[m.focused]
			if stage == pipeline.StageIngest {
				return m, tea.Batch(m.spinner.Tick, runIngestCmd(m.ctx, m.orch, false), pipeTickCmd())
			}
			return m, tea.Batch(m.spinner.Tick, runStageCmd(m.ctx, m.orch, stage), pipeTickCmd())
		case "i":
			m.orch.Interrupt(visibleStages[m.focused])
			return m, nil
		case "a":
			return m, tea.Batch(m.spinner.Tick, runIngestCmd(m.ctx, m.orch, true), pipeTickCmd())
		case "p":
			return m, tea.Batch(m.spinner.Tick, runStageCmd(m.ctx, m.orch, pipeline.StagePreview), pipeTickCmd())
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = util.Max(4, msg.Height-16)

	case stageSettledMsg:
		if msg.err != nil {
			m.banner = msg.err.Error()
		} else {
			m.banner = ""
		}
		return m, nil

	case ingestSettledMsg:
		if msg.err != nil {
			m.banner = msg.err.Error()
		} else if msg.result.StoredChunkCount > 0 {
			m.banner = fmt.Sprintf("stored %d chunks in %s", msg.result.StoredChunkCount, msg.result.Namespace)
		}
		return m, nil

	case pipeTickMsg:
		if m.orch.Busy() {
			return m, pipeTickCmd()
		}
		return m, nil
	}

	if m.orch.Busy() {
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// cycleChunkMode advances the chunk mode selection.
func (m *pipelineModel) cycleChunkMode() {
	run := m.orch.Snapshot()
	next := m.chunkModes[0]
	for i, mode := range m.chunkModes {
		if mode == run.ChunkMode {
			next = m.chunkModes[(i+1)%len(m.chunkModes)]
			break
		}
	}
	if err := m.orch.SetChunkMode(next); err != nil {
		m.banner = err.Error()
	}
}

// cycleContextMode advances the context mode selection.
func (m *pipelineModel) cycleContextMode() {
	run := m.orch.Snapshot()
	next := m.contextModes[0]
	for i, mode := range m.contextModes {
		if mode == run.ContextMode {
			next = m.contextModes[(i+1)%len(m.contextModes)]
			break
		}
	}
	if err := m.orch.SetContextMode(next); err != nil {
		m.banner = err.Error()
	}
}

// View renders the stage columns, detail panel, and status lines.
func (m *pipelineModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	run := m.orch.Snapshot()
	var parts []string

	header := stageTitleStyle.Render(fmt.Sprintf("Pipeline: %s", run.DocumentName))
	if m.orch.Busy() {
		header += "  " + m.spinner.View()
	}
	parts = append(parts, header)

	var columns []string
	for i, stage := range visibleStages {
		column := m.stageColumn(stage, run)
		if i == m.focused {
			columns = append(columns, focusedColumn.Render(column))
		} else {
			columns = append(columns, normalColumn.Render(column))
		}
	}
	parts = append(parts, lipgloss.JoinHorizontal(lipgloss.Top, columns...))

	m.viewport.SetContent(m.detailPanel(run))
	parts = append(parts, m.viewport.View())

	if run.Status != "" {
		parts = append(parts, stageDetailStyle.Render(run.Status))
	}
	if m.banner != "" {
		parts = append(parts, bannerStyle.Render(m.banner))
	} else if run.Err != "" {
		parts = append(parts, bannerStyle.Render(run.Err))
	}

	help := "←/→ stage  enter run  i interrupt  m chunk mode  c context mode  a auto ingest  p preview  q quit"
	parts = append(parts, stageDetailStyle.Render(help))

	return lipgloss.NewStyle().Margin(1, 2).Render(strings.Join(parts, "\n\n"))
}

// stageColumn renders one stage's title, status chip, and detail line.
func (m *pipelineModel) stageColumn(stage pipeline.Stage, run pipeline.Run) string {
	state := m.orch.State(stage)
	chip := stageStateStyles[state].Render(state.String())

	var detail string
	switch stage {
	case pipeline.StageNormalize:
		if run.NormalizeEnabled {
			detail = "enabled"
		} else {
			detail = "disabled"
		}
	case pipeline.StageChunk:
		mode := run.ChunkMode
		if mode == "" {
			mode = "(no mode)"
		}
		detail = fmt.Sprintf("%s • %d chunks", mode, len(run.Chunks))
	case pipeline.StageContext:
		mode := run.ContextMode
		if mode == "" {
			mode = "(no mode)"
		}
		detail = fmt.Sprintf("%s • %d chunks", mode, len(run.ContextChunks))
	case pipeline.StageIngest:
		if run.ProjectID != "" {
			detail = run.ProjectID
		} else {
			detail = "(no project)"
		}
	}

	return strings.Join([]string{
		stageTitleStyle.Render(stageLabel(stage)),
		chip,
		stageDetailStyle.Render(detail),
	}, "\n")
}

// stageLabel capitalizes a stage name for the column header.
func stageLabel(stage pipeline.Stage) string {
	name := string(stage)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// detailPanel previews the focused stage's data.
func (m *pipelineModel) detailPanel(run pipeline.Run) string {
	switch visibleStages[m.focused] {
	case pipeline.StageNormalize:
		if run.NormalizeEnabled && run.NormalizedText != "" {
			return fmt.Sprintf("removed %d repeated lines, collapsed %d whitespace runs\n\n%s",
				run.RemovedRepeatedLineCount, run.CollapsedWhitespaceCount,
				util.TruncateRunes(run.NormalizedText, pipelinePreviewRunes*4))
		}
		return util.TruncateRunes(run.RawText, pipelinePreviewRunes*4)
	case pipeline.StageChunk:
		var builder strings.Builder
		for _, chunk := range run.Chunks {
			builder.WriteString(fmt.Sprintf("#%d [%d:%d] %s\n",
				chunk.Index, chunk.StartOffset, chunk.EndOffset,
				util.TruncateRunes(util.FirstLine(chunk.Text), pipelinePreviewRunes)))
		}
		return builder.String()
	case pipeline.StageContext:
		var builder strings.Builder
		for _, chunk := range run.ContextChunks {
			header := chunk.ContextHeader
			if header == "" {
				header = "(passthrough)"
			}
			builder.WriteString(fmt.Sprintf("#%d %s\n", chunk.Index,
				util.TruncateRunes(util.FirstLine(header), pipelinePreviewRunes)))
		}
		return builder.String()
	default:
		return fmt.Sprintf("%d contextualized chunks ready for project %s", len(run.ContextChunks), run.ProjectID)
	}
}

// StartPipelineUI extracts the document and runs the interactive pipeline TUI.
func StartPipelineUI(ctx context.Context, cfg *appconfig.Config, cancel context.CancelFunc, documentPath string) {
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

	text, err := extract.NewExtractor().File(documentPath)
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}

	client := backend.New(cfg)
	slots := remote.NewSlotTable(func(operationID string) {
		if err := client.CancelOperation(context.Background(), operationID); err != nil {
			logging.LogEvent("abandon notification for %s failed: %v", operationID, err)
		}
	})
	orch := pipeline.New(client, slots, cfg)
	orch.SetDocument(documentPath, text)

	m := initialPipelineModel(ctx, cfg, orch)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
