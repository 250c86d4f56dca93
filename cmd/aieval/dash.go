package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"aieval/pkg/protocol"
	"aieval/pkg/server"
)

// dashRefresh is the status polling interval.
const dashRefresh = 2 * time.Second

// Theme defines the dashboard colors.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default dashboard theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// statusFetcher returns the daemon's status snapshot.
type statusFetcher func(ctx context.Context) (protocol.StatusSnapshot, error)

// tickMsg triggers a refresh.
type tickMsg time.Time

// statusMsg carries one fetch result.
type statusMsg struct {
	snap protocol.StatusSnapshot
	err  error
}

// dashModel is the Bubble Tea model of `aieval dash`.
type dashModel struct {
	fetch   statusFetcher
	theme   Theme
	spinner spinner.Model
	changes table.Model

	snap    protocol.StatusSnapshot
	err     error
	loaded  bool
	updated time.Time
	width   int
}

func newDashModel(fetch statusFetcher) dashModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 8},
			{Title: "Kind", Width: 7},
			{Title: "Path", Width: 40},
			{Title: "+/-/~", Width: 14},
			{Title: "AI", Width: 3},
		}),
		table.WithHeight(8),
	)
	return dashModel{fetch: fetch, theme: DefaultTheme(), spinner: sp, changes: tbl}
}

func (m dashModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashRefresh)
		defer cancel()
		snap, err := m.fetch(ctx)
		return statusMsg{snap: snap, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd(), tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
		var cmd tea.Cmd
		m.changes, cmd = m.changes.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case statusMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.updated = time.Now()
			m.changes.SetRows(changeRows(msg.snap.RecentChanges))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func changeRows(changes []protocol.CodeChange) []table.Row {
	rows := make([]table.Row, 0, len(changes))
	for _, c := range changes {
		ai := ""
		if c.AIGenerated {
			ai = "yes"
		}
		rows = append(rows, table.Row{
			c.Timestamp.Local().Format("15:04:05"),
			string(c.Kind),
			c.Path,
			fmt.Sprintf("+%d -%d ~%d", c.Delta.Added, c.Delta.Deleted, c.Delta.Modified),
			ai,
		})
	}
	return rows
}

// View implements tea.Model.
func (m dashModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(m.theme.Muted).Padding(0, 1)

	var b strings.Builder
	b.WriteString(title.Render("aieval dash") + "\n\n")

	switch {
	case !m.loaded:
		b.WriteString(m.spinner.View() + " connecting to daemon...\n")
	case m.err != nil:
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Error).Render("daemon unreachable: "+m.err.Error()) + "\n")
	case m.snap.Session == nil:
		b.WriteString(muted.Render("no active session") + "\n")
	default:
		b.WriteString(box.Render(m.sessionPanel()) + "\n")
		if len(m.snap.RecentChanges) > 0 {
			b.WriteString("\n" + m.changes.View() + "\n")
		}
	}

	footer := "q quit  r refresh"
	if !m.updated.IsZero() {
		footer += "  updated " + m.updated.Format("15:04:05")
	}
	b.WriteString("\n" + muted.Render(footer))
	return b.String()
}

func (m dashModel) sessionPanel() string {
	s := m.snap.Session
	label := lipgloss.NewStyle().Foreground(m.theme.Muted).Width(10)
	warn := lipgloss.NewStyle().Foreground(m.theme.Warning)
	ok := lipgloss.NewStyle().Foreground(m.theme.Success)

	lines := []string{
		label.Render("Session") + lipgloss.NewStyle().Bold(true).Render(s.Name) + " " + s.ID,
		label.Render("Tool") + s.Tool + " / " + string(s.TestCaseType),
		label.Render("Elapsed") + fmt.Sprintf("%.1f min", m.snap.ElapsedMinutes),
	}
	if ph := m.snap.OpenPhase; ph != nil {
		lines = append(lines, label.Render("Phase")+warn.Render(string(ph.Name))+" since "+ph.StartedAt.Local().Format("15:04:05"))
	} else {
		lines = append(lines, label.Render("Phase")+"none")
	}
	lines = append(lines, label.Render("Logged")+fmt.Sprintf("%d interactions  %d changes  %d milestones",
		m.snap.Interactions, m.snap.Changes, m.snap.Milestones))

	mon := m.snap.Monitor
	if mon.Running {
		lines = append(lines, label.Render("Monitor")+ok.Render("watching ")+mon.WatchPath+
			fmt.Sprintf(" (%d commits)", mon.Commits))
	} else {
		lines = append(lines, label.Render("Monitor")+"off")
	}
	if mon.Warning != "" {
		lines = append(lines, label.Render("")+warn.Render(mon.Warning))
	}
	return strings.Join(lines, "\n")
}

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := server.NewClient(cfg.SocketPath)
			fetch := func(ctx context.Context) (protocol.StatusSnapshot, error) {
				var snap protocol.StatusSnapshot
				err := client.Call(ctx, protocol.OpStatus, nil, &snap)
				return snap, err
			}
			p := tea.NewProgram(newDashModel(fetch), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}
