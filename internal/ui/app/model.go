package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	nodedto "chorus/internal/modules/node/dto"
	"chorus/internal/ui/components"
	"chorus/internal/ui/theme"
	authview "chorus/internal/ui/views/auth"
	collectionview "chorus/internal/ui/views/collection"
	peersview "chorus/internal/ui/views/peers"
)

// ─── ports ───────────────────────────────────────────────────────────────────
// nodePort is everything the console reaches on the daemon. Sub-views narrow
// it further through their own Port interfaces.

type nodePort interface {
	Status(ctx context.Context) (nodedto.StatusOutput, error)
	PeerList(ctx context.Context) ([]nodedto.PeerOutput, error)
	PeerConnect(ctx context.Context, peerID string) error
	PeerDisconnect(ctx context.Context, peerID string) error
	ActivityTail(ctx context.Context, since time.Time, limit int) ([]nodedto.ActivityOutput, error)

	AuthPending(ctx context.Context) ([]nodedto.AuthRequestOutput, error)
	AuthDecide(ctx context.Context, requestID, choice string) (nodedto.ACLEntryOutput, error)
	ACLList(ctx context.Context) ([]nodedto.ACLEntryOutput, error)
	ACLSet(ctx context.Context, input nodedto.ACLSetInput) (nodedto.ACLEntryOutput, error)
	ACLRemove(ctx context.Context, peerID string) error

	TrackAdd(ctx context.Context, input nodedto.TrackInput) (nodedto.ChangeOutput, error)
	TrackRemove(ctx context.Context, trackID string) (nodedto.ChangeOutput, error)
	PlaylistCreate(ctx context.Context, name string) (nodedto.ChangeOutput, error)
	PlaylistRename(ctx context.Context, playlistID, name string) (nodedto.ChangeOutput, error)
	PlaylistDelete(ctx context.Context, playlistID string) (nodedto.ChangeOutput, error)
	PlaylistAdd(ctx context.Context, playlistID, trackID, after string) (nodedto.ChangeOutput, error)
	PlaylistRemove(ctx context.Context, playlistID, entryID string) (nodedto.ChangeOutput, error)
	PlayLog(ctx context.Context, trackID string, at time.Time) (nodedto.ChangeOutput, error)

	Collection(ctx context.Context, origin string) (nodedto.CollectionOutput, error)
	Resolve(ctx context.Context, input nodedto.ResolveInput) (<-chan nodedto.ResolveOutput, error)
	Watch(ctx context.Context) (<-chan nodedto.WatchOutput, error)
	Compact(ctx context.Context) (int, error)
}

// ─── tab index ───────────────────────────────────────────────────────────────

type tabID int

const (
	tabPeers tabID = iota
	tabAuth
	tabCollection
	tabCount
)

var tabLabels = [tabCount]string{
	"Peers", "Auth", "Collection",
}

const resolveWait = 5 * time.Second

// ─── async messages ───────────────────────────────────────────────────────────

type watchStartedMsg struct {
	events <-chan nodedto.WatchOutput
	err    error
}

type watchMsg struct{ event nodedto.WatchOutput }

type watchClosedMsg struct{}

type commandDoneMsg struct {
	status string
	err    error
}

type resolvedMsg struct {
	query   string
	results []nodedto.ResolveOutput
	err     error
}

// ─── key bindings ─────────────────────────────────────────────────────────────

type keyMap struct {
	Tab        key.Binding
	Help       key.Binding
	Palette    key.Binding
	Quit       key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Allow      key.Binding
	Deny       key.Binding
	Always     key.Binding
	Never      key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Tab:        key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next tab")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Palette:    key.NewBinding(key.WithKeys(":"), key.WithHelp(":", "palette")),
		Quit:       key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
		Connect:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect peer")),
		Disconnect: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "disconnect peer")),
		Allow:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "allow once")),
		Deny:       key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deny once")),
		Always:     key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "always allow")),
		Never:      key.NewBinding(key.WithKeys("D"), key.WithHelp("D", "always deny")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Help, k.Palette, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.Connect, k.Disconnect},
		{k.Allow, k.Deny, k.Always, k.Never},
		{k.Help, k.Palette, k.Quit},
	}
}

// ─── model ───────────────────────────────────────────────────────────────────

// Model is the root Bubble Tea model of the console. It owns tab routing, the
// daemon's watch stream, the help overlay and the command palette.
type Model struct {
	node   nodePort
	ctx    context.Context
	cancel context.CancelFunc
	events <-chan nodedto.WatchOutput

	peersView peersview.Model
	authView  authview.Model
	collView  collectionview.Model

	activeTab tabID
	keys      keyMap
	help      help.Model
	showHelp  bool
	palette   components.Palette
	status    string
	width     int
	height    int
}

// ─── constructor ─────────────────────────────────────────────────────────────

func NewModel(node nodePort) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		node:      node,
		ctx:       ctx,
		cancel:    cancel,
		peersView: peersview.New(node),
		authView:  authview.New(node),
		collView:  collectionview.New(node),
		activeTab: tabPeers,
		keys:      defaultKeys(),
		help:      help.New(),
		palette:   components.NewPalette(),
		status:    "ready",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.peersView.Init(),
		m.authView.Init(),
		m.collView.Init(),
		m.startWatchCmd(),
	)
}

// ─── update ───────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	// Results owned by a sub-view go to it whichever tab is showing.
	if routed, cmd, ok := m.routeOwned(msg); ok {
		return routed, cmd
	}

	// The palette intercepts all input while open.
	if _, isKey := msg.(tea.KeyMsg); isKey && m.palette.Visible() {
		var cmd tea.Cmd
		m.palette, cmd = m.palette.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.palette.SetWidth(min(m.width-4, 80))
		m.help.Width = m.width
		m.propagateSize()
		return m, nil

	case watchStartedMsg:
		if msg.err != nil {
			m.status = "watch: " + msg.err.Error()
			return m, nil
		}
		m.events = msg.events
		return m, waitForEvent(m.events)

	case watchMsg:
		return m.handleEvent(msg.event)

	case watchClosedMsg:
		m.events = nil
		if m.ctx.Err() == nil {
			m.status = "daemon stream closed"
		}
		return m, nil

	case commandDoneMsg:
		if msg.err != nil {
			m.status = msg.status + ": " + msg.err.Error()
		} else {
			m.status = msg.status
		}
		return m, nil

	case resolvedMsg:
		m.status = renderResolved(msg)
		return m, nil

	case components.PaletteSubmitMsg:
		return m.executePalette(msg)

	case components.PaletteCancelMsg:
		m.status = "ready"
		return m, nil

	case tea.KeyMsg:
		if m.showHelp {
			if msg.String() == "?" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		// Yield to sub-view when its search filter is active.
		if m.subViewFiltering() {
			break
		}

		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			return m, nil
		case "?":
			m.showHelp = !m.showHelp
			return m, nil
		case ":":
			cmds = append(cmds, m.palette.Open())
			return m, tea.Batch(cmds...)
		}
	}

	if m.palette.Visible() {
		var cmd tea.Cmd
		m.palette, cmd = m.palette.Update(msg)
		cmds = append(cmds, cmd)
	}

	// Propagate the message to the active tab's sub-view.
	var tabCmd tea.Cmd
	switch m.activeTab {
	case tabPeers:
		m.peersView, tabCmd = m.peersView.Update(msg)
	case tabAuth:
		m.authView, tabCmd = m.authView.Update(msg)
	case tabCollection:
		m.collView, tabCmd = m.collView.Update(msg)
	}
	cmds = append(cmds, tabCmd)

	return m, tea.Batch(cmds...)
}

func (m Model) routeOwned(msg tea.Msg) (Model, tea.Cmd, bool) {
	var cmd tea.Cmd
	switch msg.(type) {
	case peersview.StatusMsg, peersview.PeersMsg, peersview.ActivityMsg, peersview.ActionMsg:
		m.peersView, cmd = m.peersView.Update(msg)
		if action, ok := msg.(peersview.ActionMsg); ok {
			m.status = renderAction(action)
		}
	case authview.PendingMsg, authview.DecidedMsg:
		m.authView, cmd = m.authView.Update(msg)
	case collectionview.OriginsLoadedMsg, collectionview.DetailLoadedMsg:
		m.collView, cmd = m.collView.Update(msg)
	case spinner.TickMsg:
		// Each spinner ignores ticks carrying another spinner's id.
		var peersCmd, collCmd tea.Cmd
		m.peersView, peersCmd = m.peersView.Update(msg)
		m.collView, collCmd = m.collView.Update(msg)
		cmd = tea.Batch(peersCmd, collCmd)
	default:
		return m, nil, false
	}
	return m, cmd, true
}

func (m Model) handleEvent(ev nodedto.WatchOutput) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{waitForEvent(m.events)}
	m.status = ev.Summary
	switch ev.Kind {
	case "auth":
		cmds = append(cmds, m.authView.Refresh())
		// A new request needs an answer before its deadline.
		if strings.HasPrefix(ev.Summary, "request_opened") {
			m.activeTab = tabAuth
		}
	case "peer":
		cmds = append(cmds, m.peersView.Refresh())
	case "collection":
		cmds = append(cmds, m.collView.Refresh(), m.peersView.Refresh())
	}
	return m, tea.Batch(cmds...)
}

// ─── view ────────────────────────────────────────────────────────────────────

func (m Model) View() string {
	tabBar := m.renderTabBar()
	statusBar := m.renderStatusBar()
	tabBarH := lipgloss.Height(tabBar)
	statusBarH := lipgloss.Height(statusBar)

	contentH := m.height - tabBarH - statusBarH
	if contentH < 1 {
		contentH = 1
	}

	var content string
	switch {
	case m.showHelp:
		content = lipgloss.NewStyle().Width(m.width).Height(contentH).
			Render(m.help.View(m.keys))
	case m.palette.Visible():
		content = lipgloss.Place(m.width, contentH,
			lipgloss.Center, lipgloss.Center, m.palette.View())
	default:
		content = m.activeView()
	}

	return lipgloss.JoinVertical(lipgloss.Left, tabBar, content, statusBar)
}

func (m Model) activeView() string {
	switch m.activeTab {
	case tabPeers:
		return m.peersView.View()
	case tabAuth:
		return m.authView.View()
	case tabCollection:
		return m.collView.View()
	}
	return ""
}

func (m Model) renderTabBar() string {
	parts := make([]string, tabCount)
	for i := tabID(0); i < tabCount; i++ {
		label := tabLabels[i]
		if i == tabAuth && m.authView.Pending() > 0 {
			label = fmt.Sprintf("%s (%d)", label, m.authView.Pending())
		}
		if i == m.activeTab {
			parts[i] = theme.Hot.Render(" " + label + " ")
		} else {
			parts[i] = theme.Muted.Render(" " + label + " ")
		}
	}
	sep := theme.Muted.Render(" │ ")
	bar := "chorus  " + strings.Join(parts, sep)
	return lipgloss.NewStyle().Background(theme.Mantle).Width(m.width).Render(bar) + "\n"
}

func (m Model) renderStatusBar() string {
	left := m.status
	if n := m.authView.Pending(); n > 0 {
		left = theme.Warn.Render(fmt.Sprintf("● %d waiting", n)) + "  " + left
	}
	right := theme.Muted.Render("?:help  tab:switch  :::palette  q:quit")
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	bar := left + strings.Repeat(" ", gap) + right
	return "\n" + lipgloss.NewStyle().Background(theme.Mantle).Width(m.width).Render(bar)
}

// ─── palette execution ────────────────────────────────────────────────────────

func (m Model) executePalette(msg components.PaletteSubmitMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.status = msg.Err.Error()
		return m, nil
	}
	c := msg.Command

	switch c.Name() {
	case "peer:connect", "peer:disconnect":
		peerID := c.Arg(0)
		if peerID == "" {
			if id, ok := m.peersView.SelectedPeerID(); ok {
				peerID = id
			}
		}
		if peerID == "" {
			m.status = "usage: " + c.Name() + " <peer>, or select a peer first"
			return m, nil
		}
		m.activeTab = tabPeers
		if c.Verb == "connect" {
			return m, m.runCmd("connecting "+peerID, func(ctx context.Context) error {
				return m.node.PeerConnect(ctx, peerID)
			})
		}
		return m, m.runCmd("disconnected "+peerID, func(ctx context.Context) error {
			return m.node.PeerDisconnect(ctx, peerID)
		})

	case "auth:decide":
		requestID, choice := c.Arg(0), c.Arg(1)
		return m, func() tea.Msg {
			entry, err := m.node.AuthDecide(context.Background(), requestID, choice)
			return authview.DecidedMsg{RequestID: requestID, Entry: entry, Err: err}
		}

	case "acl:set":
		in := nodedto.ACLSetInput{PeerID: c.Arg(0), Decision: c.Arg(1), Scope: c.Arg(2)}
		return m, tea.Sequence(m.runCmd("acl "+in.Decision+" "+in.PeerID, func(ctx context.Context) error {
			_, err := m.node.ACLSet(ctx, in)
			return err
		}), m.authView.Refresh())

	case "acl:remove":
		peerID := c.Arg(0)
		return m, tea.Sequence(m.runCmd("acl removed "+peerID, func(ctx context.Context) error {
			return m.node.ACLRemove(ctx, peerID)
		}), m.authView.Refresh())

	case "track:add":
		artist, title, ok := splitArtistTitle(c.Arg(0))
		if !ok {
			m.status = "usage: track:add <artist> - <title>"
			return m, nil
		}
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.TrackAdd(ctx, nodedto.TrackInput{Artist: artist, Title: title})
		})

	case "track:remove":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.TrackRemove(ctx, c.Arg(0))
		})

	case "playlist:create":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlaylistCreate(ctx, c.Arg(0))
		})

	case "playlist:rename":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlaylistRename(ctx, c.Arg(0), c.Arg(1))
		})

	case "playlist:delete":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlaylistDelete(ctx, c.Arg(0))
		})

	case "playlist:add":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlaylistAdd(ctx, c.Arg(0), c.Arg(1), c.Arg(2))
		})

	case "playlist:remove":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlaylistRemove(ctx, c.Arg(0), c.Arg(1))
		})

	case "play:log":
		return m, m.changeCmd(func(ctx context.Context) (nodedto.ChangeOutput, error) {
			return m.node.PlayLog(ctx, c.Arg(0), time.Time{})
		})

	case "resolve":
		query := c.Arg(0)
		artist, title, ok := splitArtistTitle(query)
		if !ok {
			title = query
		}
		m.status = "resolving " + query + "…"
		return m, m.resolveCmd(query, nodedto.ResolveInput{Artist: artist, Title: title})

	case "compact":
		return m, func() tea.Msg {
			n, err := m.node.Compact(context.Background())
			return commandDoneMsg{status: fmt.Sprintf("compacted %d entries", n), err: err}
		}
	}
	m.status = "unhandled command: " + c.Name()
	return m, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// subViewFiltering reports whether the active tab's list filter is open,
// in which case global key bindings must yield to allow free typing.
func (m Model) subViewFiltering() bool {
	switch m.activeTab {
	case tabPeers:
		return m.peersView.Filtering()
	case tabCollection:
		return m.collView.Filtering()
	}
	return false
}

func (m *Model) propagateSize() {
	sz := tea.WindowSizeMsg{Width: m.width, Height: m.height - 3}
	m.peersView, _ = m.peersView.Update(sz)
	m.authView, _ = m.authView.Update(sz)
	m.collView, _ = m.collView.Update(sz)
}

// splitArtistTitle parses "artist - title".
func splitArtistTitle(s string) (string, string, bool) {
	artist, title, ok := strings.Cut(s, " - ")
	artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
	if !ok || artist == "" || title == "" {
		return "", "", false
	}
	return artist, title, true
}

func renderAction(msg peersview.ActionMsg) string {
	if msg.Err != nil {
		return msg.Action + " " + msg.PeerID + ": " + msg.Err.Error()
	}
	return msg.Action + " " + msg.PeerID
}

func renderResolved(msg resolvedMsg) string {
	if msg.err != nil {
		return "resolve " + msg.query + ": " + msg.err.Error()
	}
	if len(msg.results) == 0 {
		return "no source for " + msg.query
	}
	best := msg.results[0]
	for _, r := range msg.results[1:] {
		if r.Score > best.Score {
			best = r
		}
	}
	return fmt.Sprintf("%d sources for %s, best %s – %s on %s (%.2f)",
		len(msg.results), msg.query, best.Track.Artist, best.Track.Title, best.Origin, best.Score)
}

// ─── async commands ───────────────────────────────────────────────────────────

func (m Model) startWatchCmd() tea.Cmd {
	return func() tea.Msg {
		events, err := m.node.Watch(m.ctx)
		return watchStartedMsg{events: events, err: err}
	}
}

func waitForEvent(events <-chan nodedto.WatchOutput) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return watchClosedMsg{}
		}
		return watchMsg{event: ev}
	}
}

func (m Model) runCmd(status string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return commandDoneMsg{status: status, err: fn(context.Background())}
	}
}

func (m Model) changeCmd(fn func(ctx context.Context) (nodedto.ChangeOutput, error)) tea.Cmd {
	return func() tea.Msg {
		out, err := fn(context.Background())
		if err != nil {
			return commandDoneMsg{status: "edit failed", err: err}
		}
		status := fmt.Sprintf("%s #%d %s %s", out.Origin, out.Seq, out.Kind, out.Entity)
		if out.Created != "" {
			status += " created " + out.Created
		}
		return commandDoneMsg{status: status}
	}
}

func (m Model) resolveCmd(query string, in nodedto.ResolveInput) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, resolveWait)
		defer cancel()
		results, err := m.node.Resolve(ctx, in)
		if err != nil {
			return resolvedMsg{query: query, err: err}
		}
		var out []nodedto.ResolveOutput
		for {
			select {
			case r, ok := <-results:
				if !ok {
					return resolvedMsg{query: query, results: out}
				}
				out = append(out, r)
			case <-ctx.Done():
				return resolvedMsg{query: query, results: out}
			}
		}
	}
}
