package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/dopejs/bgproxy/internal/web"
)

// poolSource is what the dashboard polls.
type poolSource interface {
	Pool(ctx context.Context) (*web.PoolResponse, error)
	Events(ctx context.Context) ([]proxy.Event, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	pool   *web.PoolResponse
	events []proxy.Event
	err    error
	at     time.Time
}

type topModel struct {
	source   poolSource
	interval time.Duration
	now      func() time.Time

	table     table.Model
	filter    textinput.Model
	filtering bool

	pool       *web.PoolResponse
	events     []proxy.Event
	err        error
	lastUpdate time.Time
	width      int
	height     int
}

var backendColumns = []table.Column{
	{Title: "BACKEND", Width: 16},
	{Title: "ROLE", Width: 8},
	{Title: "W", Width: 3},
	{Title: "STATUS", Width: 10},
	{Title: "FAILS", Width: 5},
	{Title: "LAST FAILURE", Width: 16},
	{Title: "RETRY", Width: 10},
	{Title: "PROBE", Width: 8},
}

func newTopModel(source poolSource, interval time.Duration) topModel {
	t := table.New(
		table.WithColumns(backendColumns),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	t.SetStyles(table.DefaultStyles())

	fi := textinput.New()
	fi.Prompt = "filter: "
	fi.Placeholder = "backend, event type or reason"
	fi.CharLimit = 64

	return topModel{
		source:   source,
		interval: interval,
		now:      time.Now,
		table:    t,
		filter:   fi,
	}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m topModel) fetch() tea.Cmd {
	source, now := m.source, m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool, err := source.Pool(ctx)
		if err != nil {
			return snapshotMsg{err: err, at: now()}
		}
		events, err := source.Events(ctx)
		return snapshotMsg{pool: pool, events: events, err: err, at: now()}
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		m.lastUpdate = msg.at
		if msg.pool != nil {
			m.pool = msg.pool
			m.table.SetRows(backendRows(msg.pool, msg.at))
		}
		if msg.events != nil {
			m.events = msg.events
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "/":
			m.filtering = true
			m.table.Blur()
			cmd := m.filter.Focus()
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m topModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.filtering = false
		m.filter.Blur()
		m.table.Focus()
		return m, nil
	case "esc":
		m.filtering = false
		m.filter.SetValue("")
		m.filter.Blur()
		m.table.Focus()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return m, cmd
}

func (m topModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  bgproxy top"))
	if m.pool != nil {
		down, suspected := 0, 0
		for _, s := range m.pool.Backends {
			switch s.Status {
			case proxy.HealthStatusDown:
				down++
			case proxy.HealthStatusSuspected:
				suspected++
			}
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  pool=%s policy=%s backends=%d ", m.pool.Name, m.pool.Policy, len(m.pool.Backends))))
		if down > 0 {
			b.WriteString(errorStyle.Render(fmt.Sprintf("down=%d ", down)))
		}
		if suspected > 0 {
			b.WriteString(warnStyle.Render(fmt.Sprintf("suspected=%d", suspected)))
		}
	}
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(m.table.View()))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("  Recent events"))
	b.WriteString("\n")
	events := m.visibleEvents()
	if len(events) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		b.WriteString("\n")
	}
	for _, e := range events {
		b.WriteString("  " + formatEvent(e) + "\n")
	}

	b.WriteString("\n")
	if m.filtering || m.filter.Value() != "" {
		b.WriteString("  " + m.filter.View() + "\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render("  " + m.err.Error()))
		b.WriteString("\n")
	}
	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(helpStyle.Render(fmt.Sprintf("  ↑/↓:select  /:filter events  r:refresh  q:quit   updated %s", updated)))
	return b.String()
}

// visibleEvents returns the newest events matching the filter, newest first,
// limited to what fits on screen.
func (m topModel) visibleEvents() []proxy.Event {
	limit := 10
	if m.height > 0 {
		limit = max(3, m.height-18)
	}
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))

	var out []proxy.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if q != "" && !eventMatches(e, q) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func eventMatches(e proxy.Event, q string) bool {
	for _, f := range []string{string(e.Type), e.Backend, e.Next, e.Reason, e.RequestID} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func backendRows(resp *web.PoolResponse, now time.Time) []table.Row {
	probes := make(map[string]*proxy.ProbeStatus, len(resp.Probes))
	for _, p := range resp.Probes {
		probes[p.Backend] = p
	}

	rows := make([]table.Row, 0, len(resp.Backends))
	for _, s := range resp.Backends {
		lastFailure := string(s.LastFailure)
		if lastFailure == "" {
			lastFailure = "-"
		}
		probe := "-"
		if p, ok := probes[s.Name]; ok {
			probe = fmt.Sprintf("%.0f%%", p.SuccessRate)
		}
		rows = append(rows, table.Row{
			s.Name,
			string(s.Role),
			fmt.Sprint(s.Weight),
			string(s.Status),
			fmt.Sprint(s.ConsecutiveFailures),
			lastFailure,
			retryIn(s, now),
			probe,
		})
	}
	return rows
}

// RunTop starts the live dashboard against the admin API at baseURL.
func RunTop(baseURL string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	p := tea.NewProgram(newTopModel(web.NewClient(baseURL), interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
