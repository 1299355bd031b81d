package watch

import (
	"bufio"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
	"github.com/mattjoyce/critvals/internal/client"
	"github.com/mattjoyce/critvals/internal/events"
)

const (
	pollInterval      = 5 * time.Second
	reconnectDelay    = 3 * time.Second
	requestTimeout    = 2 * time.Second
	initialAlertLimit = 200
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type metricsMsg alert.Metrics

type alertsMsg []*alert.Alert

type ackedMsg struct{ alert *alert.Alert }

type tickMsg time.Time

type errMsg struct{ err error }

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

type pollMsg struct{}

// subscribeToEvents streams /events into ch until the connection drops.
// lastID resumes the stream after a reconnect.
func subscribeToEvents(c *client.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.NewRequest(context.Background(), http.MethodGet, "/events", nil)
		if err != nil {
			return errMsg{err}
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{&client.APIError{StatusCode: resp.StatusCode, Message: "event stream refused"}}
		}

		readEvents(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readEvents parses SSE frames. Comment lines such as keep-alives are
// ignored.
func readEvents(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = []byte(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				ch <- cur
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(*h)
	}
}

func fetchMetrics(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		m, err := c.Metrics(ctx)
		if err != nil {
			return errMsg{err}
		}
		return metricsMsg(*m)
	}
}

func fetchAlerts(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		list, err := c.Alerts(ctx, "", initialAlertLimit)
		if err != nil {
			return errMsg{err}
		}
		return alertsMsg(list.Alerts)
	}
}

func acknowledge(c *client.Client, id, by string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		a, err := c.Acknowledge(ctx, id, by, "acknowledged from watch")
		if err != nil {
			return errMsg{err}
		}
		return ackedMsg{alert: a}
	}
}
