package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
	"github.com/mattjoyce/critvals/internal/client"
	"github.com/mattjoyce/critvals/internal/events"
)

// Model is the BubbleTea model for the alert monitor.
type Model struct {
	client *client.Client
	user   string

	width  int
	height int

	health   HealthState
	metrics  *alert.Metrics
	book     *alertBook
	view     []*alert.Alert
	table    table.Model
	eventLog []events.Event
	lastID   int64

	tick  int
	pulse Pulse
	now   func() time.Time
	theme Theme

	hubEvents chan events.Event

	lastError string
	notice    string
}

// New creates a monitor for the server behind c. user is recorded as the
// acknowledger when an alert is acked from the table.
func New(c *client.Client, user string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:    c,
		user:      user,
		book:      newAlertBook(),
		table:     newAlertTable(theme),
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
		theme:     theme,
	}
}

// Run starts the monitor in the terminal's alternate screen.
func Run(c *client.Client, user string) error {
	_, err := tea.NewProgram(New(c, user), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchMetrics(m.client),
		fetchAlerts(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if a := m.selected(); a != nil && a.Status == alert.StatusOpen {
				m.notice = fmt.Sprintf("acknowledging %s...", shortID(a.ID))
				return m, acknowledge(m.client, a.ID, m.user)
			}
			return m, nil
		case "r":
			return m, tea.Batch(fetchAlerts(m.client), fetchMetrics(m.client))
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, msg.Height-24))

	case tickMsg:
		m.tick++
		m.refreshRows()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID = max(m.lastID, e.ID)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.Hit(m.now())
		if a, ok := alertFromEvent(e); ok {
			m.book.upsert(a)
			m.refreshRows()
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case alertsMsg:
		for _, a := range msg {
			m.book.upsert(a)
		}
		m.refreshRows()

	case ackedMsg:
		m.book.upsert(msg.alert)
		m.notice = fmt.Sprintf("acknowledged %s", shortID(msg.alert.ID))
		m.refreshRows()
		return m, fetchMetrics(m.client)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })

	case metricsMsg:
		mm := alert.Metrics(msg)
		m.metrics = &mm

	case pollMsg:
		return m, tea.Batch(fetchHealth(m.client), fetchMetrics(m.client))

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// the pending receiveNextEvent keeps reading the shared channel
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
	}

	return m, nil
}

func (m *Model) refreshRows() {
	m.view = m.book.sorted()
	now := m.now()
	m.table.SetRows(alertRows(m.view, func(a *alert.Alert) string {
		return formatDuration(now.Sub(a.CreatedAt).Round(time.Second))
	}))
}

func (m Model) selected() *alert.Alert {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.view) {
		return nil
	}
	return m.view[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to critvals..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.metrics, m.tick, m.pulse, m.theme, m.width, now),
		renderAlerts(m.table, m.book.open(), len(m.view), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select • [a] Acknowledge • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
