package peers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	nodedto "chorus/internal/modules/node/dto"
	"chorus/internal/ui/theme"
)

type Port interface {
	Status(ctx context.Context) (nodedto.StatusOutput, error)
	PeerList(ctx context.Context) ([]nodedto.PeerOutput, error)
	PeerConnect(ctx context.Context, peerID string) error
	PeerDisconnect(ctx context.Context, peerID string) error
	ActivityTail(ctx context.Context, since time.Time, limit int) ([]nodedto.ActivityOutput, error)
}

type StatusMsg struct {
	Status nodedto.StatusOutput
	Err    error
}

type PeersMsg struct {
	Peers []nodedto.PeerOutput
	Err   error
}

type ActivityMsg struct {
	Events []nodedto.ActivityOutput
	Err    error
}

type ActionMsg struct {
	Action string
	PeerID string
	Err    error
}

type subTab int

const (
	subTabPeers subTab = iota
	subTabActivity
)

type peerItem struct{ p nodedto.PeerOutput }

func (i peerItem) Title() string {
	name := i.p.Name
	if name == "" {
		name = i.p.ID
	}
	return name + " (" + i.p.State + ")"
}
func (i peerItem) Description() string { return i.p.ID }
func (i peerItem) FilterValue() string { return i.p.ID + " " + i.p.Name }

type activityItem struct{ a nodedto.ActivityOutput }

func (i activityItem) Title() string       { return i.a.Type + ": " + i.a.Message }
func (i activityItem) Description() string { return i.a.OccurredAt.Local().Format("15:04:05") }
func (i activityItem) FilterValue() string { return i.a.Message }

type Model struct {
	port       Port
	activeTab  subTab
	list       list.Model
	detail     viewport.Model
	spinner    spinner.Model
	status     nodedto.StatusOutput
	peers      []nodedto.PeerOutput
	activity   []nodedto.ActivityOutput
	loading    bool
	statusLine string
	width      int
	height     int
}

func New(port Port) Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(theme.Peach).BorderForeground(theme.Peach)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(theme.Sapphire).BorderForeground(theme.Peach)

	l := list.New(nil, delegate, 0, 0)
	l.Title = "Peers"
	l.Styles.Title = theme.Title
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Background(theme.Mantle).Foreground(theme.Text).Padding(1)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Peach)

	return Model{
		port:    port,
		list:    l,
		detail:  vp,
		spinner: sp,
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadStatusCmd(), m.loadPeersCmd(), m.spinner.Tick)
}

// Refresh reloads the status and the visible list.
func (m Model) Refresh() tea.Cmd {
	if m.activeTab == subTabActivity {
		return tea.Batch(m.loadStatusCmd(), m.loadActivityCmd())
	}
	return tea.Batch(m.loadStatusCmd(), m.loadPeersCmd())
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case StatusMsg:
		if msg.Err == nil {
			m.status = msg.Status
		}
		m.detail.SetContent(m.renderDetail())

	case PeersMsg:
		m.loading = false
		if msg.Err != nil {
			m.statusLine = "peers load failed: " + msg.Err.Error()
			return m, nil
		}
		m.peers = msg.Peers
		if m.activeTab == subTabPeers {
			cmds = append(cmds, m.list.SetItems(peersToItems(m.peers)))
		}
		m.detail.SetContent(m.renderDetail())

	case ActivityMsg:
		m.loading = false
		if msg.Err != nil {
			m.statusLine = "activity load failed: " + msg.Err.Error()
			return m, nil
		}
		m.activity = msg.Events
		if m.activeTab == subTabActivity {
			cmds = append(cmds, m.list.SetItems(activityToItems(m.activity)))
		}

	case ActionMsg:
		if msg.Err != nil {
			m.statusLine = msg.Action + " failed: " + msg.Err.Error()
		} else {
			m.statusLine = msg.Action + ": " + msg.PeerID
		}
		m.detail.SetContent(m.renderDetail())
		cmds = append(cmds, m.loadPeersCmd())

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.KeyMsg:
		if m.Filtering() {
			break
		}
		switch msg.String() {
		case "1":
			m.activeTab = subTabPeers
			m.list.Title = "Peers"
			cmds = append(cmds, m.loadPeersCmd())
		case "2":
			m.activeTab = subTabActivity
			m.list.Title = "Activity"
			cmds = append(cmds, m.loadActivityCmd())
		case "c":
			if id, ok := m.SelectedPeerID(); ok {
				cmds = append(cmds, m.actionCmd("connect", id))
			}
		case "x":
			if id, ok := m.SelectedPeerID(); ok {
				cmds = append(cmds, m.actionCmd("disconnect", id))
			}
		}
	}

	if !m.loading {
		var lCmd tea.Cmd
		m.list, lCmd = m.list.Update(msg)
		cmds = append(cmds, lCmd)

		var vCmd tea.Cmd
		m.detail, vCmd = m.detail.Update(msg)
		cmds = append(cmds, vCmd)
	}

	return m, tea.Batch(cmds...)
}

// Filtering reports whether the list's search filter is currently active.
func (m Model) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// SelectedPeerID returns the highlighted peer on the peers tab.
func (m Model) SelectedPeerID() (string, bool) {
	if m.activeTab != subTabPeers {
		return "", false
	}
	if item, ok := m.list.SelectedItem().(peerItem); ok {
		return item.p.ID, true
	}
	return "", false
}

func (m Model) View() string {
	if m.loading {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			m.spinner.View()+" Loading peers…")
	}

	tabs := m.renderSubTabs()
	bodyH := m.height - lipgloss.Height(tabs)
	if bodyH < 1 {
		bodyH = 1
	}

	listW := m.width * 4 / 10
	detailW := m.width - listW

	listPane := lipgloss.NewStyle().Width(listW).Height(bodyH).Render(m.list.View())
	detailPane := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.Surface1).
		Background(theme.Mantle).
		Width(detailW - 2).
		Height(bodyH - 2).
		Render(m.detail.View())

	body := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)
	return lipgloss.JoinVertical(lipgloss.Left, tabs, body)
}

func (m *Model) resize() {
	listW := m.width * 4 / 10
	detailW := m.width - listW
	contentH := m.height - 4
	if contentH < 1 {
		contentH = 1
	}
	m.list.SetSize(listW, contentH)
	m.detail.Width = detailW - 4
	m.detail.Height = contentH - 2
}

func (m Model) renderSubTabs() string {
	labels := []string{"1:Peers", "2:Activity"}
	var parts []string
	for i, label := range labels {
		if subTab(i) == m.activeTab {
			parts = append(parts, theme.Hot.Render(" "+label+" "))
		} else {
			parts = append(parts, theme.Muted.Render(" "+label+" "))
		}
	}
	hint := theme.Muted.Render("  c:connect  x:disconnect")
	return lipgloss.JoinHorizontal(lipgloss.Center, parts...) + hint + "\n"
}

func (m Model) renderDetail() string {
	s := m.status
	var sb strings.Builder
	sb.WriteString(theme.Title.Render(s.Node) + "\n\n")
	sb.WriteString("origin:       " + s.Origin + "\n")
	sb.WriteString(fmt.Sprintf("peers:        %d (%d online, %d active)\n", s.Peers, s.OnlinePeers, s.ActivePeers))
	if s.PendingAuth > 0 {
		sb.WriteString(theme.Warn.Render(fmt.Sprintf("pending auth: %d", s.PendingAuth)) + "\n")
	}
	for _, t := range s.Transports {
		sb.WriteString(fmt.Sprintf("transport:    %s %s\n", t.Name, theme.Muted.Render(t.LocalID)))
	}
	if !s.StartedAt.IsZero() {
		sb.WriteString("uptime:       " + time.Since(s.StartedAt).Round(time.Second).String() + "\n")
	}
	if id, ok := m.SelectedPeerID(); ok {
		for _, p := range m.peers {
			if p.ID != id {
				continue
			}
			sb.WriteString("\n" + theme.Title.Render("Selected peer") + "\n")
			sb.WriteString("state:        " + theme.State(p.State) + "\n")
			if p.Fingerprint != "" {
				sb.WriteString("fingerprint:  " + p.Fingerprint + "\n")
			}
			if !p.LastSeen.IsZero() {
				sb.WriteString("last seen:    " + p.LastSeen.Local().Format(time.DateTime) + "\n")
			}
			if p.Incompatible {
				sb.WriteString(theme.Bad.Render("incompatible protocol") + "\n")
			}
		}
	}
	if m.statusLine != "" {
		sb.WriteString("\n" + theme.Hot.Render(m.statusLine) + "\n")
	}
	return sb.String()
}

func peersToItems(peers []nodedto.PeerOutput) []list.Item {
	items := make([]list.Item, len(peers))
	for i, p := range peers {
		items[i] = peerItem{p: p}
	}
	return items
}

func activityToItems(events []nodedto.ActivityOutput) []list.Item {
	items := make([]list.Item, len(events))
	for i, a := range events {
		items[len(events)-1-i] = activityItem{a: a}
	}
	return items
}

func (m Model) loadStatusCmd() tea.Cmd {
	return func() tea.Msg {
		status, err := m.port.Status(context.Background())
		return StatusMsg{Status: status, Err: err}
	}
}

func (m Model) loadPeersCmd() tea.Cmd {
	return func() tea.Msg {
		peers, err := m.port.PeerList(context.Background())
		return PeersMsg{Peers: peers, Err: err}
	}
}

func (m Model) loadActivityCmd() tea.Cmd {
	return func() tea.Msg {
		events, err := m.port.ActivityTail(context.Background(), time.Time{}, 100)
		return ActivityMsg{Events: events, Err: err}
	}
}

func (m Model) actionCmd(action, peerID string) tea.Cmd {
	return func() tea.Msg {
		var err error
		if action == "connect" {
			err = m.port.PeerConnect(context.Background(), peerID)
		} else {
			err = m.port.PeerDisconnect(context.Background(), peerID)
		}
		return ActionMsg{Action: action, PeerID: peerID, Err: err}
	}
}
