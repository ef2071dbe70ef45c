package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/cache/view"
)

type itemsMsg []schema.HistoryItem

type refreshingMsg bool

type lastErrorMsg struct{ err error }

type closedMsg struct{}

// WatchModel is a live history screen over a view.
type WatchModel struct {
	title   string
	items   <-chan []schema.HistoryItem
	refresh <-chan bool
	errs    <-chan error
	trigger func()

	history     []schema.HistoryItem
	refreshing  bool
	lastErr     error
	lastUpdated time.Time

	spinner   spinner.Model
	search    textinput.Model
	searching bool
	width     int
	height    int
	styles    Styles
	now       func() time.Time
}

// NewWatchModel follows v until ctx is done. "r" refreshes, "/" searches
// and "q" quits.
func NewWatchModel(ctx context.Context, title string, v *view.View[[]schema.HistoryItem]) WatchModel {
	return newWatchModel(title,
		v.Items.Subscribe(ctx),
		v.Refreshing.Subscribe(ctx),
		v.LastError.Subscribe(ctx),
		func() { v.Refresh() },
	)
}

func newWatchModel(title string, items <-chan []schema.HistoryItem, refresh <-chan bool, errs <-chan error, trigger func()) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	search := textinput.New()
	search.Placeholder = "search messages"
	search.Prompt = "/ "

	r := lipgloss.DefaultRenderer()
	return WatchModel{
		title:   title,
		items:   items,
		refresh: refresh,
		errs:    errs,
		trigger: trigger,
		spinner: sp,
		search:  search,
		styles:  DefaultTheme.Styles(r),
		now:     time.Now,
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitItems(m.items),
		waitRefreshing(m.refresh),
		waitError(m.errs),
	)
}

func waitItems(ch <-chan []schema.HistoryItem) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return itemsMsg(v)
	}
}

func waitRefreshing(ch <-chan bool) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return refreshingMsg(v)
	}
}

func waitError(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return lastErrorMsg{err: v}
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case itemsMsg:
		m.history = msg
		m.lastUpdated = m.now()
		return m, waitItems(m.items)

	case refreshingMsg:
		m.refreshing = bool(msg)
		return m, waitRefreshing(m.refresh)

	case lastErrorMsg:
		m.lastErr = msg.err
		return m, waitError(m.errs)

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searching {
		switch msg.String() {
		case "enter":
			m.searching = false
			m.search.Blur()
			return m, nil
		case "esc":
			m.searching = false
			m.search.Blur()
			m.search.SetValue("")
			return m, nil
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		if m.trigger != nil {
			m.trigger()
		}
		return m, nil
	case "/":
		m.searching = true
		cmd := m.search.Focus()
		return m, cmd
	case "esc":
		m.search.SetValue("")
		return m, nil
	}
	return m, nil
}

// Visible returns the items matching the current search, newest first.
func (m WatchModel) Visible() []schema.HistoryItem {
	q := strings.ToLower(strings.TrimSpace(m.search.Value()))
	if q == "" {
		return m.history
	}
	out := make([]schema.HistoryItem, 0, len(m.history))
	for _, it := range m.history {
		if strings.Contains(strings.ToLower(it.Message), q) {
			out = append(out, it)
		}
	}
	return out
}

// View implements tea.Model.
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Header.Render(m.title))
	b.WriteString("  ")
	b.WriteString(m.status())
	b.WriteString("\n")

	if m.searching || m.search.Value() != "" {
		b.WriteString(m.search.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	items := m.Visible()
	limit := len(items)
	if m.height > 0 {
		limit = min(limit, max(m.height-5, 1))
	}
	if len(items) == 0 {
		b.WriteString(m.styles.Muted.Render("No history yet."))
		b.WriteString("\n")
	}
	width := m.width
	if width <= 0 {
		width = 100
	}
	now := m.now()
	for _, it := range items[:limit] {
		age := fmt.Sprintf("%-8s", HumanizeAge(now.Sub(it.Timestamp)))
		b.WriteString(m.styles.Muted.Render(age))
		b.WriteString(" ")
		b.WriteString(Truncate(it.Message, max(width-10, 10)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("r refresh • / search • q quit"))
	return b.String()
}

func (m WatchModel) status() string {
	switch {
	case m.refreshing:
		return m.spinner.View() + " refreshing"
	case m.lastErr != nil:
		return m.styles.Danger.Render("refresh failed: " + m.lastErr.Error())
	case !m.lastUpdated.IsZero():
		return m.styles.Muted.Render(fmt.Sprintf("%d items", len(m.history)))
	default:
		return ""
	}
}
