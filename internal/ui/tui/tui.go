package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/orbi-tal/glaze-autotiler/internal/control/client"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
)

const (
	defaultRefresh = 500 * time.Millisecond
	cycleRows      = 8
	idWidth        = 14
)

// Source is what the dashboard polls and drives.
type Source interface {
	Inspect(ctx context.Context) (client.Inspection, error)
	Layouts(ctx context.Context) ([]client.LayoutInfo, error)
	SetLayout(ctx context.Context, workspace, layout string, persist bool) (client.SetLayoutResult, error)
	Resync(ctx context.Context) error
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cursorStyle  = lipgloss.NewStyle().Reverse(true)
	sectionStyle = lipgloss.NewStyle().MarginTop(1)
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Apply   key.Binding
	Default key.Binding
	Resync  key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Apply, k.Default, k.Resync, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "prev layout")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next layout")),
		Apply:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply to active workspace")),
		Default: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "make default")),
		Resync:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resync")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type (
	tickMsg     time.Time
	snapshotMsg struct {
		inspection client.Inspection
		layouts    []client.LayoutInfo
		err        error
	}
	actionMsg struct {
		status string
		err    error
	}
)

type model struct {
	ctx     context.Context
	src     Source
	refresh time.Duration
	keys    keyMap
	help    help.Model

	inspection *client.Inspection
	layouts    []client.LayoutInfo
	cursor     int
	err        error
	status     string
	width      int
}

func newModel(ctx context.Context, src Source, refresh time.Duration) model {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return model{ctx: ctx, src: src, refresh: refresh, keys: defaultKeys(), help: help.New()}
}

// Run starts the interactive dashboard until the context is cancelled or the
// user quits.
func Run(ctx context.Context, src Source, refresh time.Duration, in io.Reader, out io.Writer) error {
	if src == nil {
		return errors.New("dashboard requires a control client")
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	_, err := tea.NewProgram(newModel(ctx, src, refresh), opts...).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// RenderOnce polls src a single time and returns the plain-text dashboard.
func RenderOnce(ctx context.Context, src Source) (string, error) {
	msg := fetch(ctx, src)().(snapshotMsg)
	if msg.err != nil {
		return "", msg.err
	}
	return Render(msg.inspection, msg.layouts, -1), nil
}

func fetch(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		insp, err := src.Inspect(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		layouts, err := src.Layouts(ctx)
		return snapshotMsg{inspection: insp, layouts: layouts, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return tea.Batch(fetch(m.ctx, m.src), m.tick())
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetch(m.ctx, m.src), m.tick())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			insp := msg.inspection
			m.inspection = &insp
			m.layouts = msg.layouts
			if m.cursor >= len(m.layouts) {
				m.cursor = len(m.layouts) - 1
			}
			if m.cursor < 0 {
				m.cursor = 0
			}
		}
		return m, nil
	case actionMsg:
		if msg.err != nil {
			m.status = errStyle.Render(msg.err.Error())
		} else {
			m.status = okStyle.Render(msg.status)
		}
		return m, fetch(m.ctx, m.src)
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.layouts)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Apply), key.Matches(msg, m.keys.Default):
		if len(m.layouts) == 0 {
			return m, nil
		}
		name := m.layouts[m.cursor].Name
		persist := key.Matches(msg, m.keys.Default)
		ctx, src := m.ctx, m.src
		return m, func() tea.Msg {
			res, err := src.SetLayout(ctx, "", name, persist)
			if err != nil {
				return actionMsg{err: err}
			}
			if res.Default && res.Workspace == "" {
				return actionMsg{status: "default layout set to " + res.Layout}
			}
			return actionMsg{status: fmt.Sprintf("workspace %s now uses %s", res.Workspace, res.Layout)}
		}
	case key.Matches(msg, m.keys.Resync):
		ctx, src := m.ctx, m.src
		return m, func() tea.Msg {
			return actionMsg{status: "resync complete", err: src.Resync(ctx)}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("glaze-autotiler"))
	b.WriteString("  ")
	b.WriteString(time.Now().Format(time.TimeOnly))
	b.WriteByte('\n')
	switch {
	case m.err != nil:
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteByte('\n')
	case m.inspection == nil:
		b.WriteString("Waiting for daemon...\n")
	default:
		b.WriteString(Render(*m.inspection, m.layouts, m.cursor))
	}
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// Render draws the dashboard body. cursor marks a layout row, or none when
// negative.
func Render(insp client.Inspection, layouts []client.LayoutInfo, cursor int) string {
	var b strings.Builder
	b.WriteString(connectionLine(insp))
	b.WriteByte('\n')
	t := insp.Metrics.Totals
	fmt.Fprintf(&b, "events %d  recomputes %d  commands %d (failed %d)  echoes %d  rejections %d  resyncs %d\n",
		t.Events, t.Recomputes, t.CommandsSent, t.CommandsFailed, t.EchoesSuppressed, t.Rejections, t.Resyncs)

	if insp.World != nil {
		b.WriteString(sectionStyle.Render(headerStyle.Render("Workspaces")))
		b.WriteByte('\n')
		b.WriteString(renderWorkspaces(insp.World, insp.LastGood))
		b.WriteString(sectionStyle.Render(headerStyle.Render("Windows")))
		b.WriteByte('\n')
		b.WriteString(renderWindows(insp.World))
	}
	b.WriteString(sectionStyle.Render(headerStyle.Render("Layouts")))
	b.WriteByte('\n')
	b.WriteString(renderLayouts(layouts, cursor))
	if len(insp.Cycles) > 0 {
		b.WriteString(sectionStyle.Render(headerStyle.Render("Recent recomputes")))
		b.WriteByte('\n')
		b.WriteString(renderCycles(insp.Cycles))
	}
	return b.String()
}

func connectionLine(insp client.Inspection) string {
	switch {
	case !insp.Connected:
		return errStyle.Render("disconnected")
	case insp.Stale:
		return warnStyle.Render("connected, resyncing")
	default:
		return okStyle.Render("connected") + fmt.Sprintf(", %d echo(es) pending", insp.PendingEchoes)
	}
}

func renderWorkspaces(world *state.World, lastGood map[string]string) string {
	ids := world.WorkspaceIDs()
	if len(ids) == 0 {
		return "  (none)\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMonitor\tLayout\tTiled\tLast good")
	for _, id := range ids {
		ws := world.Workspaces[id]
		label := id
		if id == world.ActiveWorkspaceID {
			label += "*"
		}
		strategy := ws.Strategy
		if ws.StrategyExplicit {
			strategy += " (set)"
		}
		good := lastGood[id]
		if good == "" {
			good = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", label, ws.MonitorID, strategy, len(world.TiledWindows(id)), good)
	}
	tw.Flush()
	return b.String()
}

func renderWindows(world *state.World) string {
	if len(world.Windows) == 0 {
		return "  (none)\n"
	}
	windows := make([]state.Window, 0, len(world.Windows))
	for _, win := range world.Windows {
		windows = append(windows, win)
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].WorkspaceID == windows[j].WorkspaceID {
			return windows[i].ID < windows[j].ID
		}
		return windows[i].WorkspaceID < windows[j].WorkspaceID
	})
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWorkspace\tMode\tGeometry\tGen")
	for _, win := range windows {
		id := truncate(win.ID, idWidth)
		if win.ID == world.FocusedWindowID {
			id = "*" + id
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", id, win.WorkspaceID, win.Mode, formatRect(win.Geometry), win.Generation)
	}
	tw.Flush()
	return b.String()
}

func renderLayouts(layouts []client.LayoutInfo, cursor int) string {
	if len(layouts) == 0 {
		return "  (none)\n"
	}
	var b strings.Builder
	for i, info := range layouts {
		var flags []string
		if info.Default {
			flags = append(flags, "default")
		}
		if len(info.Workspaces) > 0 {
			flags = append(flags, "ws "+strings.Join(info.Workspaces, ","))
		}
		line := fmt.Sprintf("%-14s %-20s %-7s %s", info.Name, info.DisplayName, info.Kind, strings.Join(flags, "; "))
		if i == cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderCycles(cycles []client.Cycle) string {
	start := 0
	if len(cycles) > cycleRows {
		start = len(cycles) - cycleRows
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time\tWS\tLayout\tStatus\tCmds\tTook")
	for i := len(cycles) - 1; i >= start; i-- {
		c := cycles[i]
		strategy := c.Strategy
		if c.Fallback != "" {
			strategy += "→" + c.Fallback
		}
		status := string(c.Status)
		if c.Error != "" {
			status += ": " + truncate(c.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", c.Timestamp.Local().Format(time.TimeOnly), c.Workspace, strategy, status, len(c.Commands), c.Duration.Round(time.Microsecond))
	}
	tw.Flush()
	return b.String()
}

func formatRect(rect layout.Rect) string {
	return fmt.Sprintf("%.0fx%.0f @ %.0f,%.0f", rect.Width, rect.Height, rect.X, rect.Y)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
