package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	nodedto "chorus/internal/modules/node/dto"
	"chorus/internal/ui/theme"
)

type Port interface {
	AuthPending(ctx context.Context) ([]nodedto.AuthRequestOutput, error)
	AuthDecide(ctx context.Context, requestID, choice string) (nodedto.ACLEntryOutput, error)
	ACLList(ctx context.Context) ([]nodedto.ACLEntryOutput, error)
}

type PendingMsg struct {
	Requests []nodedto.AuthRequestOutput
	Entries  []nodedto.ACLEntryOutput
	Err      error
}

type DecidedMsg struct {
	RequestID string
	Entry     nodedto.ACLEntryOutput
	Err       error
}

var choices = map[string]string{
	"a": "allow",
	"d": "deny",
	"A": "always_allow",
	"D": "always_deny",
}

type requestItem struct{ r nodedto.AuthRequestOutput }

func (i requestItem) Title() string {
	if i.r.PeerName != "" {
		return i.r.PeerName
	}
	return i.r.PeerID
}
func (i requestItem) Description() string { return i.r.PeerID }
func (i requestItem) FilterValue() string { return i.r.PeerID + " " + i.r.PeerName }

// Model lists pending authorization requests and answers them.
type Model struct {
	port       Port
	list       list.Model
	requests   []nodedto.AuthRequestOutput
	entries    []nodedto.ACLEntryOutput
	statusLine string
	width      int
	height     int
}

func New(port Port) Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(theme.Yellow).BorderForeground(theme.Yellow)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(theme.Sapphire).BorderForeground(theme.Yellow)

	l := list.New(nil, delegate, 0, 0)
	l.Title = "Authorization requests"
	l.Styles.Title = theme.Title
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	return Model{port: port, list: l}
}

func (m Model) Init() tea.Cmd {
	return m.Refresh()
}

func (m Model) Refresh() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		requests, err := m.port.AuthPending(ctx)
		if err != nil {
			return PendingMsg{Err: err}
		}
		entries, err := m.port.ACLList(ctx)
		return PendingMsg{Requests: requests, Entries: entries, Err: err}
	}
}

// Pending reports how many requests wait for an answer.
func (m Model) Pending() int {
	return len(m.requests)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(m.width*5/10, m.height-2)

	case PendingMsg:
		if msg.Err != nil {
			m.statusLine = "load failed: " + msg.Err.Error()
			return m, nil
		}
		m.requests = msg.Requests
		m.entries = msg.Entries
		items := make([]list.Item, len(m.requests))
		for i, r := range m.requests {
			items[i] = requestItem{r: r}
		}
		cmds = append(cmds, m.list.SetItems(items))

	case DecidedMsg:
		if msg.Err != nil {
			m.statusLine = "decision failed: " + msg.Err.Error()
		} else {
			m.statusLine = fmt.Sprintf("%s %s (%s)", msg.Entry.Decision, msg.Entry.PeerID, msg.Entry.Scope)
		}
		cmds = append(cmds, m.Refresh())

	case tea.KeyMsg:
		if choice, ok := choices[msg.String()]; ok {
			if item, ok := m.list.SelectedItem().(requestItem); ok {
				cmds = append(cmds, m.decideCmd(item.r.ID, choice))
			}
			return m, tea.Batch(cmds...)
		}
	}

	var lCmd tea.Cmd
	m.list, lCmd = m.list.Update(msg)
	cmds = append(cmds, lCmd)
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	listW := m.width * 5 / 10
	left := m.list.View()
	if len(m.requests) == 0 {
		left = theme.Title.Render("Authorization requests") + "\n\n" + theme.Muted.Render("Nobody is waiting.")
	}
	listPane := lipgloss.NewStyle().Width(listW).Height(m.height).Render(left)
	return lipgloss.JoinHorizontal(lipgloss.Top, listPane, m.renderPrompt(m.width-listW))
}

func (m Model) renderPrompt(width int) string {
	var sb strings.Builder
	if item, ok := m.list.SelectedItem().(requestItem); ok && len(m.requests) > 0 {
		r := item.r
		sb.WriteString(theme.Warn.Render("Allow this peer to connect?") + "\n\n")
		sb.WriteString("peer:         " + r.PeerID + "\n")
		if r.PeerName != "" {
			sb.WriteString("name:         " + r.PeerName + "\n")
		}
		if r.Fingerprint != "" {
			sb.WriteString("fingerprint:  " + r.Fingerprint + "\n")
		}
		sb.WriteString("waiting:      " + time.Since(r.OpenedAt).Round(time.Second).String() + "\n")
		if !r.Deadline.IsZero() {
			sb.WriteString("expires in:   " + time.Until(r.Deadline).Round(time.Second).String() + "\n")
		}
		sb.WriteString("\n" + theme.Good.Render("a") + " allow   " + theme.Bad.Render("d") + " deny\n")
		sb.WriteString(theme.Good.Render("A") + " always allow   " + theme.Bad.Render("D") + " always deny\n")
	}
	if len(m.entries) > 0 {
		sb.WriteString("\n" + theme.Title.Render("Access list") + "\n")
		for _, e := range m.entries {
			decision := theme.Good.Render(e.Decision)
			if e.Decision != "allow" {
				decision = theme.Bad.Render(e.Decision)
			}
			sb.WriteString(fmt.Sprintf("%s  %s  %s\n", decision, e.PeerID, theme.Muted.Render(e.Scope)))
		}
	}
	if m.statusLine != "" {
		sb.WriteString("\n" + theme.Hot.Render(m.statusLine) + "\n")
	}
	w := width - 2
	if w < 10 {
		w = 10
	}
	return theme.Prompt.Width(w).Render(sb.String())
}

func (m Model) decideCmd(requestID, choice string) tea.Cmd {
	return func() tea.Msg {
		entry, err := m.port.AuthDecide(context.Background(), requestID, choice)
		return DecidedMsg{RequestID: requestID, Entry: entry, Err: err}
	}
}
