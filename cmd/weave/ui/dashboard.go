package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taskweave/internal/types"
	"taskweave/internal/usage"
)

// Source is everything the dashboard reads. It never writes.
type Source interface {
	Workloads() []types.WorkerProfile
	Sessions(ctx context.Context) ([]types.WorkflowSession, error)
	Executions(ctx context.Context) ([]types.Execution, error)
	Savings() usage.AggregatedStats
}

// Snapshot is one refresh of the dashboard data.
type Snapshot struct {
	Workers    []types.WorkerProfile
	Sessions   []types.WorkflowSession
	Executions []types.Execution
	Savings    usage.AggregatedStats
	Err        error
	At         time.Time
}

type snapshotMsg Snapshot

type refreshMsg time.Time

var tabNames = []string{"Workers", "Workflows", "Executions", "Savings"}

// Dashboard is a bubbletea model showing live engine state.
type Dashboard struct {
	source   Source
	styles   Styles
	viewport viewport.Model
	refresh  time.Duration
	tab      int
	width    int
	height   int
	snap     Snapshot
	loaded   bool
}

// NewDashboard creates a dashboard polling source every refresh.
func NewDashboard(source Source, styles Styles, refresh time.Duration) Dashboard {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return Dashboard{
		source:   source,
		styles:   styles,
		viewport: viewport.New(80, 20),
		refresh:  refresh,
		width:    80,
		height:   24,
	}
}

// Init starts the first fetch and the refresh timer.
func (m Dashboard) Init() tea.Cmd {
	return tea.Batch(m.Fetch(), m.scheduleRefresh())
}

// Fetch reads a snapshot from the source.
func (m Dashboard) Fetch() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap := Snapshot{Workers: src.Workloads(), Savings: src.Savings(), At: time.Now()}
		var err error
		if snap.Sessions, err = src.Sessions(ctx); err != nil {
			snap.Err = err
		}
		if snap.Executions, err = src.Executions(ctx); err != nil {
			snap.Err = err
		}
		return snapshotMsg(snap)
	}
}

func (m Dashboard) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update handles messages.
func (m Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "right", "l":
			m.tab = (m.tab + 1) % len(tabNames)
		case "shift+tab", "left", "h":
			m.tab = (m.tab + len(tabNames) - 1) % len(tabNames)
		case "1", "2", "3", "4":
			m.tab = int(msg.String()[0] - '1')
		case "r":
			return m, m.Fetch()
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		m.renderContent()
		m.viewport.GotoTop()
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1) // header, tabs, footer
		m.renderContent()
		return m, nil

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.loaded = true
		m.renderContent()
		return m, nil

	case refreshMsg:
		return m, tea.Batch(m.Fetch(), m.scheduleRefresh())
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Dashboard) View() string {
	var tabs []string
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if i == m.tab {
			tabs = append(tabs, m.styles.TabOn.Render(label))
		} else {
			tabs = append(tabs, m.styles.Tab.Render(label))
		}
	}

	footer := "tab/←→ switch · r refresh · q quit"
	if m.loaded {
		footer = fmt.Sprintf("updated %s · %s", m.snap.At.Format(time.TimeOnly), footer)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render("taskweave"),
		lipgloss.JoinHorizontal(lipgloss.Top, tabs...),
		m.viewport.View(),
		m.styles.Footer.Render(footer),
	)
}

func (m *Dashboard) renderContent() {
	if !m.loaded {
		m.viewport.SetContent(m.styles.Muted.Render("Loading..."))
		return
	}
	var sb strings.Builder
	if m.snap.Err != nil {
		sb.WriteString(m.styles.Error.Render("refresh failed: " + m.snap.Err.Error()))
		sb.WriteString("\n\n")
	}
	switch m.tab {
	case 0:
		sb.WriteString(m.workersView())
	case 1:
		sb.WriteString(m.sessionsView())
	case 2:
		sb.WriteString(m.executionsView())
	case 3:
		sb.WriteString(m.savingsView())
	}
	m.viewport.SetContent(sb.String())
}

func (m Dashboard) workersView() string {
	if len(m.snap.Workers) == 0 {
		return m.styles.Muted.Render("No workers registered.")
	}
	var sb strings.Builder
	sb.WriteString(WorkerTable(m.snap.Workers).View(m.styles))
	for _, w := range m.snap.Workers {
		ratio := 0.0
		if w.MaxCapacity > 0 {
			ratio = float64(w.CurrentTaskCount) / float64(w.MaxCapacity)
		}
		style := m.styles.ProgressBar
		if ratio >= 1 {
			style = m.styles.Warning
		}
		fmt.Fprintf(&sb, "%-12s %s\n", Truncate(w.WorkerID, 12), style.Render(ProgressBar(ratio, 20)))
	}
	return sb.String()
}

func (m Dashboard) sessionsView() string {
	if len(m.snap.Sessions) == 0 {
		return m.styles.Muted.Render("No workflow sessions.")
	}
	t := NewSimpleTable("Workflows", []string{"ID", "Name", "Status", "Coordinator", "Updated"})
	for _, s := range m.snap.Sessions {
		t.AddRow(s.SessionID, Truncate(s.Name, 24), string(s.Status), s.CoordinatorWorker, s.UpdatedAt.Format(time.DateTime))
	}
	return t.View(m.styles)
}

func (m Dashboard) executionsView() string {
	if len(m.snap.Executions) == 0 {
		return m.styles.Muted.Render("No executions.")
	}
	var sb strings.Builder
	sb.WriteString(ExecutionTable(m.snap.Executions).View(m.styles))
	for _, e := range m.snap.Executions {
		if e.State != types.ExecutionActive {
			continue
		}
		fmt.Fprintf(&sb, "%s %s\n", Truncate(e.ID, 8), m.styles.ProgressBar.Render(ProgressBar(e.Progress(), 30)))
	}
	return sb.String()
}

func (m Dashboard) savingsView() string {
	s := m.snap.Savings
	var sb strings.Builder
	sb.WriteString(m.styles.Title.Render("Resolution savings"))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Requests:      %d\n", s.Total.Requests)
	fmt.Fprintf(&sb, "Tokens saved:  %d\n", s.Total.TokensSaved)
	fmt.Fprintf(&sb, "Tokens used:   %d\n", s.Total.TokensUsed)
	fmt.Fprintf(&sb, "Handled local: %s\n\n", ProgressBar(s.LocalRatio(), 20))

	for _, group := range []struct {
		title string
		data  map[string]usage.Counts
	}{
		{"By outcome", s.ByOutcome},
		{"By worker", s.ByWorker},
		{"By category", s.ByCategory},
	} {
		if len(group.data) == 0 {
			continue
		}
		keys := make([]string, 0, len(group.data))
		for k := range group.data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := NewSimpleTable(group.title, []string{"Name", "Requests", "Saved", "Used"})
		for _, k := range keys {
			c := group.data[k]
			t.AddRow(Truncate(k, 20), fmt.Sprint(c.Requests), fmt.Sprint(c.TokensSaved), fmt.Sprint(c.TokensUsed))
		}
		sb.WriteString(t.View(m.styles))
	}
	return sb.String()
}
