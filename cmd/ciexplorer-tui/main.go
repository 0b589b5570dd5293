package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/ciexplorer/pkg/graph"
	cimodel "github.com/rmax-ai/ciexplorer/pkg/model"
)

const (
	defaultDaemonURL = "http://localhost:8090"
	detailHeight     = 10
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	cursorStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	levelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Bold(true).MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)
)

type resultMsg struct {
	action string
	res    result
	err    error
}

type closedMsg struct {
	err error
}

type model struct {
	client   *daemonClient
	spinner  spinner.Model
	detail   viewport.Model
	input    textinput.Model
	rootID   int64
	snap     graph.Snapshot
	nodes    []cimodel.CINode
	cursor   int
	warnings []graph.Warning
	status   string
	err      error
	busy     bool
	typing   bool
}

func initialModel(c *daemonClient, rootID int64) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	vp := viewport.New(100, detailHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	ti := textinput.New()
	ti.Placeholder = "CI public id"
	ti.CharLimit = 19
	ti.Width = 20

	return model{
		client:  c,
		spinner: s,
		detail:  vp,
		input:   ti,
		rootID:  rootID,
	}
}

func (m model) Init() tea.Cmd {
	if m.rootID > 0 {
		return tea.Batch(m.spinner.Tick, openCmd(m.client, m.rootID))
	}
	return tea.Batch(m.spinner.Tick, graphCmd(m.client))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.typing {
			return m.updateInput(msg)
		}
		return m.updateKeys(msg)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case resultMsg:
		m.busy = false
		m.err = msg.err
		m.warnings = msg.res.Warnings
		if msg.err == nil {
			m.status = fmt.Sprintf("%s done", msg.action)
		} else {
			m.status = fmt.Sprintf("%s failed", msg.action)
		}
		// Failed calls still carry the daemon's graph; transport failures carry none.
		if msg.err == nil || msg.res.Graph.Nodes != nil {
			m.setSnapshot(msg.res.Graph)
		}

	case closedMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.status = "closed"
			m.setSnapshot(graph.Snapshot{})
		}

	case tea.WindowSizeMsg:
		m.detail.Width = msg.Width
		headerStyle = headerStyle.Width(msg.Width)
		paneStyle = paneStyle.Width(msg.Width - 2)
	}

	return m, nil
}

func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.typing = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		m.typing = false
		m.input.Blur()
		id, err := strconv.ParseInt(strings.TrimSpace(m.input.Value()), 10, 64)
		if err != nil || id <= 0 {
			m.err = fmt.Errorf("not a CI id: %q", m.input.Value())
			return m, nil
		}
		m.busy = true
		return m, openCmd(m.client, id)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
			m.refreshDetail()
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.nodes)-1 {
			m.cursor++
			m.refreshDetail()
		}
		return m, nil
	case "o":
		m.typing = true
		m.input.SetValue("")
		return m, m.input.Focus()
	case "g":
		return m, graphCmd(m.client)
	case "x":
		m.busy = true
		return m, closeCmd(m.client)
	}

	// The remaining keys act on the selected node.
	node, ok := m.selected()
	if !ok || m.busy {
		return m, nil
	}
	switch msg.String() {
	case "c":
		m.busy = true
		return m, expandCmd(m.client, node.PublicID(), "children")
	case "p":
		m.busy = true
		return m, expandCmd(m.client, node.PublicID(), "parents")
	case "r":
		m.busy = true
		return m, openCmd(m.client, node.PublicID())
	}

	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m model) selected() (cimodel.CINode, bool) {
	if m.cursor < 0 || m.cursor >= len(m.nodes) {
		return cimodel.CINode{}, false
	}
	return m.nodes[m.cursor], true
}

// setSnapshot replaces the graph and keeps the cursor on the same CI when it
// is still present.
func (m *model) setSnapshot(snap graph.Snapshot) {
	prev, hadPrev := m.selected()
	m.snap = snap
	m.nodes = snap.OrderedNodes()
	m.cursor = 0
	if hadPrev {
		for i, n := range m.nodes {
			if n.PublicID() == prev.PublicID() {
				m.cursor = i
				break
			}
		}
	}
	m.refreshDetail()
}

func (m *model) refreshDetail() {
	node, ok := m.selected()
	if !ok {
		m.detail.SetContent(subtleStyle.Render("Nothing selected."))
		return
	}
	m.detail.SetContent(renderDetail(m.snap, node))
	m.detail.GotoTop()
}

func (m model) View() string {
	title := "CI Explorer"
	if m.snap.RootID != 0 {
		title = fmt.Sprintf("CI Explorer • root %d", m.snap.RootID)
	}
	spin := " "
	if m.busy {
		spin = m.spinner.View()
	}
	header := headerStyle.Render(fmt.Sprintf("%s %s", spin, title))

	var body string
	if len(m.nodes) == 0 {
		body = paneStyle.Render(subtleStyle.Render("No graph. Press o to open a CI."))
	} else {
		body = paneStyle.Render(renderNodes(m.nodes, m.cursor))
	}

	var status string
	switch {
	case m.err != nil:
		status = errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	case len(m.warnings) > 0:
		status = warnStyle.Render(fmt.Sprintf("%s • %d integrity warnings (first: %s)", m.status, len(m.warnings), m.warnings[0].Error()))
	default:
		status = okStyle.Render(fmt.Sprintf("%s • %d CIs • %d relations", m.status, len(m.snap.Nodes), len(m.snap.Edges)))
	}

	help := "↑/↓ select • c children • p parents • r re-root • o open • x close • g refresh • q quit"
	if m.typing {
		help = "Open CI: " + m.input.View() + "  (enter to open, esc to cancel)"
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\n%s", status, help))

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.detail.View(), footer)
}

// renderNodes lists nodes grouped under their level, each colored by the
// direction it was discovered in. nodes must already be ordered by level.
func renderNodes(nodes []cimodel.CINode, cursor int) string {
	var sb strings.Builder
	level, first := 0, true
	for i, n := range nodes {
		if first || n.Level != level {
			level, first = n.Level, false
			sb.WriteString(levelStyle.Render(levelLabel(level)) + "\n")
		}
		dot := lipgloss.NewStyle().Foreground(lipgloss.Color(n.Color)).Render("●")
		line := fmt.Sprintf("%s %s", dot, n.Title)
		if i == cursor {
			line = dot + " " + cursorStyle.Render(n.Title)
		}
		sb.WriteString("  " + line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func levelLabel(level int) string {
	switch {
	case level == 0:
		return "Root"
	case level < 0:
		return fmt.Sprintf("Parents %d", level)
	default:
		return fmt.Sprintf("Children +%d", level)
	}
}

// renderDetail shows a node's fields and every relation touching it.
func renderDetail(snap graph.Snapshot, node cimodel.CINode) string {
	var sb strings.Builder
	id := node.PublicID()
	fmt.Fprintf(&sb, "%s  type %d  level %d  %s\n", node.Title, node.LinkedObject.TypeID, node.Level, node.Direction)

	for _, f := range node.LinkedObject.Fields {
		fmt.Fprintf(&sb, "  %s: %s\n", f.Name, f.Text())
	}

	for _, e := range snap.Edges {
		var other int64
		var arrow string
		switch id {
		case e.From:
			other, arrow = e.To, "→"
		case e.To:
			other, arrow = e.From, "←"
		default:
			continue
		}
		name := fmt.Sprintf("CI #%d", other)
		if n, ok := snap.Node(other); ok {
			name = n.Title
		}
		fmt.Fprintf(&sb, "  %s %s [%s]\n", arrow, name, relationNames(e))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func relationNames(e cimodel.CIEdge) string {
	names := make([]string, 0, len(e.Metadata))
	for _, m := range e.Metadata {
		if m.RelationLabel != "" {
			names = append(names, m.RelationLabel)
		} else {
			names = append(names, m.RelationName)
		}
	}
	return strings.Join(names, ", ")
}

// Commands

func openCmd(c *daemonClient, rootID int64) tea.Cmd {
	return func() tea.Msg {
		res, err := c.open(rootID)
		return resultMsg{action: fmt.Sprintf("open %d", rootID), res: res, err: err}
	}
}

func expandCmd(c *daemonClient, nodeID int64, direction string) tea.Cmd {
	return func() tea.Msg {
		res, err := c.expand(nodeID, direction)
		return resultMsg{action: fmt.Sprintf("expand %s of %d", direction, nodeID), res: res, err: err}
	}
}

func graphCmd(c *daemonClient) tea.Cmd {
	return func() tea.Msg {
		res, err := c.graph()
		return resultMsg{action: "refresh", res: res, err: err}
	}
}

func closeCmd(c *daemonClient) tea.Cmd {
	return func() tea.Msg {
		return closedMsg{err: c.close()}
	}
}

func main() {
	daemonURL := os.Getenv("CIEXPLORER_DAEMON_URL")
	if daemonURL == "" {
		daemonURL = defaultDaemonURL
	}

	fs := flag.NewFlagSet("ciexplorer-tui", flag.ExitOnError)
	flagURL := fs.String("daemon", daemonURL, "ciexplorer-d base URL")
	flagToken := fs.String("token", os.Getenv("CIEXPLORER_API_TOKEN"), "API bearer token")
	flagRoot := fs.Int64("root", 0, "CI to open on start")
	fs.Parse(os.Args[1:])

	c := newDaemonClient(*flagURL, *flagToken)
	p := tea.NewProgram(initialModel(c, *flagRoot), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
