package watch

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/client"
	"github.com/mattjoyce/critvals/internal/events"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		"id: 4",
		"event: alert.created",
		`data: {"id":"a1"}`,
		"",
		": keep-alive",
		"",
		"id: 5",
		"event: result.normal",
		`data: {"patient_id":"P9"}`,
		"",
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readEvents(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, "alert.created", got[0].Type)
	assert.JSONEq(t, `{"id":"a1"}`, string(got[0].Data))
	assert.Equal(t, "result.normal", got[1].Type)
}

func TestReadEventsDropsUnterminatedEvent(t *testing.T) {
	stream := strings.Join([]string{
		"id: 4",
		"event: alert.created",
		`data: {"id":"a1"}`,
		"",
		"id: 5",
		"event: alert.escalated",
		`data: {"id":"a1"}`,
	}, "\n")

	ch := make(chan events.Event, 4)
	readEvents(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ID)
}

func TestAlertBookOrdering(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	b := newAlertBook()
	b.upsert(&alert.Alert{ID: "acked", Severity: thresholds.SeverityCritical, Status: alert.StatusAcknowledged, CreatedAt: base.Add(3 * time.Minute)})
	b.upsert(&alert.Alert{ID: "high-old", Severity: thresholds.SeverityHigh, Status: alert.StatusOpen, CreatedAt: base})
	b.upsert(&alert.Alert{ID: "high-new", Severity: thresholds.SeverityHigh, Status: alert.StatusOpen, CreatedAt: base.Add(time.Minute)})
	b.upsert(&alert.Alert{ID: "crit", Severity: thresholds.SeverityCritical, Status: alert.StatusOpen, CreatedAt: base})
	b.upsert(nil)

	var ids []string
	for _, a := range b.sorted() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"crit", "high-new", "high-old", "acked"}, ids)
	assert.Equal(t, 3, b.open())
}

func TestAlertBookEvictsOldest(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	b := newAlertBook()
	for i := 0; i <= maxTrackedAlerts; i++ {
		b.upsert(&alert.Alert{ID: string(rune('A'+i%26)) + time.Duration(i).String(), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, b.byID, maxTrackedAlerts)
	_, ok := b.byID["A0s"]
	assert.False(t, ok, "oldest alert should be evicted")
}

func TestPulseFades(t *testing.T) {
	var p Pulse
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, p.Lit(now))

	p.Hit(now)
	assert.Equal(t, 5, p.Lit(now))
	assert.Equal(t, 4, p.Lit(now.Add(2*time.Second)))
	assert.Equal(t, 0, p.Lit(now.Add(time.Minute)))
}

func newTestModel() Model {
	m := New(client.New("http://127.0.0.1:1", "", nil), "rn.jones")
	fixed := time.Date(2026, 1, 1, 8, 5, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	return *m
}

func alertEvent(t *testing.T, id int64, typ string, a alert.Alert) eventMsg {
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return eventMsg(events.Event{ID: id, Type: typ, At: time.Now(), Data: data})
}

func TestUpdateTracksAlertEvents(t *testing.T) {
	m := newTestModel()
	created := alert.Alert{
		ID: "a1b2c3d4e5", PatientID: "MRN100001", Test: "potassium", Value: 6.8, Unit: "mEq/L",
		Severity: thresholds.SeverityHigh, Status: alert.StatusOpen,
		CreatedAt: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}

	next, cmd := m.Update(alertEvent(t, 7, alert.EventAlertCreated, created))
	require.NotNil(t, cmd, "the model keeps listening for events")
	m = next.(Model)

	assert.Equal(t, int64(7), m.lastID)
	require.Len(t, m.view, 1)
	assert.Equal(t, 1, m.book.open())
	row := m.table.Rows()[0]
	assert.Equal(t, "HIGH", row[0])
	assert.Equal(t, "6.8 mEq/L", row[3])
	assert.Equal(t, "5m 0s", row[6])
	assert.Equal(t, "a1b2c3d4", row[7])

	acked := created
	acked.Status = alert.StatusAcknowledged
	acked.AcknowledgedBy = "dr.smith"
	next, _ = m.Update(alertEvent(t, 8, alert.EventAlertAcknowledged, acked))
	m = next.(Model)
	assert.Equal(t, 0, m.book.open())
	assert.Equal(t, "ack:dr.smith", m.table.Rows()[0][4])
	assert.Len(t, m.eventLog, 2)
	assert.Equal(t, alert.EventAlertAcknowledged, m.eventLog[0].Type)
}

func TestAckKeyOnlyForOpenAlerts(t *testing.T) {
	m := newTestModel()
	next, _ := m.Update(alertsMsg{{ID: "a1", Severity: thresholds.SeverityCritical, Status: alert.StatusOpen}})
	m = next.(Model)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.notice, "acknowledging a1")

	next, _ = m.Update(ackedMsg{alert: &alert.Alert{ID: "a1", Severity: thresholds.SeverityCritical, Status: alert.StatusAcknowledged}})
	m = next.(Model)
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	assert.Nil(t, cmd, "acknowledged alerts cannot be acked again")
}

func TestViewRendersSections(t *testing.T) {
	m := newTestModel()
	assert.Equal(t, "Connecting to critvals...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)
	next, _ = m.Update(metricsMsg(alert.Metrics{Total: 4, Critical: 1}))
	m = next.(Model)

	out := m.View()
	assert.Contains(t, out, "CRITVALS WATCH")
	assert.Contains(t, out, "ALERTS")
	assert.Contains(t, out, "EVENT STREAM")
	assert.Contains(t, out, "total 4")
}
