package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-inparallel/internal/stats"
)

// refreshInterval is how often the dashboard polls its source.
const refreshInterval = 500 * time.Millisecond

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// DoneMsg reports that every batch has been drained.
type DoneMsg struct {
	Err error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// SnapshotSource provides task statistics.
type SnapshotSource interface {
	Snapshot() *stats.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	// Title names the run in the header, usually the batch file
	Title string

	// TotalTasks is the number of planned tasks, 0 if unknown
	TotalTasks int

	MetricsAddr string
	Source      SnapshotSource

	// OnQuit runs when the user quits before the run is done
	OnQuit func()
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	title       string
	totalTasks  int
	metricsAddr string
	source      SnapshotSource
	onQuit      func()

	// Current state
	snap       *stats.Snapshot
	startTime  time.Time
	lastUpdate time.Time
	done       bool
	doneErr    error
	showRecent bool

	// Display options
	width  int
	height int

	// Quit flag
	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		title:       cfg.Title,
		totalTasks:  cfg.TotalTasks,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		onQuit:      cfg.OnQuit,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		showRecent:  true,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if !m.done && m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "t":
			m.showRecent = !m.showRecent
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case DoneMsg:
		m.done = true
		m.doneErr = msg.Err
		m.refresh()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.source != nil {
		m.snap = m.source.Snapshot()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Running returns the current running task count.
func (m Model) Running() int {
	if m.snap == nil {
		return 0
	}
	return m.snap.Running
}

// Finished returns the number of tasks that reached a terminal state.
func (m Model) Finished() int64 {
	if m.snap == nil {
		return 0
	}
	return m.snap.Finished()
}

// Progress returns finished over planned tasks (0.0 to 1.0). Without a plan
// it compares against the tasks started so far.
func (m Model) Progress() float64 {
	total := int64(m.totalTasks)
	if total == 0 && m.snap != nil {
		total = m.snap.Started
	}
	if total == 0 {
		return 0
	}
	p := float64(m.Finished()) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}

// FailureRate returns the share of finished tasks that failed.
func (m Model) FailureRate() float64 {
	finished := m.Finished()
	if finished == 0 {
		return 0
	}
	return float64(m.snap.Failed) / float64(finished)
}

// Done reports whether the run has finished.
func (m Model) Done() bool {
	return m.done
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendDone tells the TUI that the run is over.
func SendDone(p *tea.Program, err error) {
	if p != nil {
		p.Send(DoneMsg{Err: err})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
