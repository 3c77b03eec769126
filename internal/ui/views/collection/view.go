package collection

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
	Collection(ctx context.Context, origin string) (nodedto.CollectionOutput, error)
}

type OriginsLoadedMsg struct {
	Origins []nodedto.OriginOutput
	Err     error
}

type DetailLoadedMsg struct {
	Detail nodedto.CollectionOutput
	Err    error
}

type originItem struct {
	origin nodedto.OriginOutput
}

func (i originItem) Title() string { return i.origin.Origin }
func (i originItem) Description() string {
	desc := fmt.Sprintf("%d tracks  %d playlists", i.origin.Tracks, i.origin.Playlists)
	if i.origin.Partial {
		desc += "  partial"
	}
	return desc
}
func (i originItem) FilterValue() string { return i.origin.Origin }

type Model struct {
	port    Port
	list    list.Model
	detail  nodedto.CollectionOutput
	preview viewport.Model
	spinner spinner.Model
	loading bool
	width   int
	height  int
}

func New(port Port) Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(theme.Lavender).BorderForeground(theme.Lavender)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(theme.Sapphire).BorderForeground(theme.Lavender)

	l := list.New(nil, delegate, 0, 0)
	l.Title = "Collections"
	l.Styles.Title = theme.Title
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().
		Background(theme.Mantle).
		Foreground(theme.Text).
		Padding(1)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Lavender)

	return Model{
		port:    port,
		list:    l,
		preview: vp,
		spinner: sp,
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadOriginsCmd(), m.spinner.Tick)
}

// Refresh reloads the origin list and the selected collection.
func (m Model) Refresh() tea.Cmd {
	cmds := []tea.Cmd{m.loadOriginsCmd()}
	if origin, ok := m.SelectedOrigin(); ok {
		cmds = append(cmds, m.loadDetailCmd(origin))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case OriginsLoadedMsg:
		wasLoading := m.loading
		m.loading = false
		if msg.Err != nil {
			m.list.Title = "Collections: " + msg.Err.Error()
			return m, nil
		}
		items := make([]list.Item, len(msg.Origins))
		for i, o := range msg.Origins {
			items[i] = originItem{origin: o}
		}
		cmds = append(cmds, m.list.SetItems(items))
		if wasLoading && len(msg.Origins) > 0 {
			cmds = append(cmds, m.loadDetailCmd(msg.Origins[0].Origin))
		}

	case DetailLoadedMsg:
		if msg.Err == nil {
			m.detail = msg.Detail
			m.preview.SetContent(m.renderDetail())
		}

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	if !m.loading {
		var lCmd tea.Cmd
		prevIdx := m.list.Index()
		m.list, lCmd = m.list.Update(msg)
		cmds = append(cmds, lCmd)
		if m.list.Index() != prevIdx {
			if item, ok := m.list.SelectedItem().(originItem); ok {
				cmds = append(cmds, m.loadDetailCmd(item.origin.Origin))
			}
		}

		var vCmd tea.Cmd
		m.preview, vCmd = m.preview.Update(msg)
		cmds = append(cmds, vCmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.loading {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			m.spinner.View()+" Loading collections…")
	}

	listW := m.width * 3 / 10
	detailW := m.width - listW

	listPane := lipgloss.NewStyle().
		Width(listW).
		Height(m.height).
		Render(m.list.View())

	detailPane := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.Surface1).
		Background(theme.Mantle).
		Width(detailW - 2).
		Height(m.height - 2).
		Render(m.preview.View())

	return lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)
}

// SelectedOrigin returns the highlighted origin, if any.
func (m Model) SelectedOrigin() (string, bool) {
	if item, ok := m.list.SelectedItem().(originItem); ok {
		return item.origin.Origin, true
	}
	return "", false
}

// Filtering reports whether the list's search filter is currently active.
func (m Model) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

func (m *Model) resize() {
	listW := m.width * 3 / 10
	detailW := m.width - listW
	m.list.SetSize(listW, m.height)
	m.preview.Width = detailW - 4
	m.preview.Height = m.height - 4
}

func (m Model) renderDetail() string {
	d := m.detail
	if d.Origin == "" {
		return theme.Muted.Render("Select a collection to browse it")
	}
	var sb strings.Builder
	title := d.Origin
	if d.Partial {
		title += theme.Warn.Render("  partial")
	}
	sb.WriteString(theme.Title.Render(title) + "\n\n")
	sb.WriteString(theme.Title.Render(fmt.Sprintf("Tracks (%d)", len(d.Tracks))) + "\n")
	for _, t := range d.Tracks {
		line := fmt.Sprintf("%s – %s", t.Artist, t.Title)
		if t.Album != "" {
			line += theme.Muted.Render("  " + t.Album)
		}
		if t.DurationMS > 0 {
			line += theme.Muted.Render("  " + (time.Duration(t.DurationMS) * time.Millisecond).Round(time.Second).String())
		}
		if t.Plays > 0 {
			line += theme.Muted.Render(fmt.Sprintf("  ▶%d", t.Plays))
		}
		sb.WriteString(line + "\n")
	}
	titles := map[string]string{}
	for _, t := range d.Tracks {
		titles[t.ID] = t.Title
	}
	if len(d.Playlists) > 0 {
		sb.WriteString("\n" + theme.Title.Render(fmt.Sprintf("Playlists (%d)", len(d.Playlists))) + "\n")
	}
	for _, p := range d.Playlists {
		sb.WriteString(theme.Hot.Render(p.Name) + "\n")
		for i, e := range p.Entries {
			name := titles[e.Track]
			if name == "" {
				name = theme.Muted.Render(e.Track + " (removed)")
			}
			sb.WriteString(fmt.Sprintf("  %2d. %s\n", i+1, name))
		}
	}
	if d.Digest != "" {
		sb.WriteString("\n" + theme.Muted.Render("digest "+d.Digest))
	}
	return sb.String()
}

func (m Model) loadOriginsCmd() tea.Cmd {
	return func() tea.Msg {
		out, err := m.port.Collection(context.Background(), "")
		return OriginsLoadedMsg{Origins: out.Origins, Err: err}
	}
}

func (m Model) loadDetailCmd(origin string) tea.Cmd {
	return func() tea.Msg {
		detail, err := m.port.Collection(context.Background(), origin)
		return DetailLoadedMsg{Detail: detail, Err: err}
	}
}
