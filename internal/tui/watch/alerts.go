package watch

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

const maxTrackedAlerts = 500

// alertBook holds the alerts currently shown, keyed by ID.
type alertBook struct {
	byID map[string]*alert.Alert
}

func newAlertBook() *alertBook {
	return &alertBook{byID: make(map[string]*alert.Alert)}
}

func (b *alertBook) upsert(a *alert.Alert) {
	if a == nil || a.ID == "" {
		return
	}
	b.byID[a.ID] = a
	if len(b.byID) > maxTrackedAlerts {
		b.evictOldest()
	}
}

func (b *alertBook) evictOldest() {
	var oldest *alert.Alert
	for _, a := range b.byID {
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	delete(b.byID, oldest.ID)
}

// sorted puts open alerts first, then most urgent, then newest.
func (b *alertBook) sorted() []*alert.Alert {
	out := make([]*alert.Alert, 0, len(b.byID))
	for _, a := range b.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i], out[j]
		if oi, oj := ai.Status == alert.StatusOpen, aj.Status == alert.StatusOpen; oi != oj {
			return oi
		}
		if ri, rj := ai.Severity.Rank(), aj.Severity.Rank(); ri != rj {
			return ri < rj
		}
		if !ai.CreatedAt.Equal(aj.CreatedAt) {
			return ai.CreatedAt.After(aj.CreatedAt)
		}
		return ai.ID < aj.ID
	})
	return out
}

func (b *alertBook) open() int {
	n := 0
	for _, a := range b.byID {
		if a.Status == alert.StatusOpen {
			n++
		}
	}
	return n
}

func alertColumns() []table.Column {
	return []table.Column{
		{Title: "Severity", Width: 9},
		{Title: "Patient", Width: 12},
		{Title: "Test", Width: 14},
		{Title: "Value", Width: 10},
		{Title: "Status", Width: 13},
		{Title: "Tier", Width: 4},
		{Title: "Age", Width: 8},
		{Title: "ID", Width: 8},
	}
}

func newAlertTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(alertColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Foreground(theme.Header.GetForeground()).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#3E2F6B")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// alertRows renders the book. The last column carries the ID prefix the
// ack key resolves against, so rows and IDs stay aligned.
func alertRows(list []*alert.Alert, ageOf func(*alert.Alert) string) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, a := range list {
		value := thresholds.FormatValue(a.Value)
		if a.Unit != "" {
			value += " " + a.Unit
		}
		status := string(a.Status)
		if a.Status == alert.StatusAcknowledged && a.AcknowledgedBy != "" {
			status = "ack:" + a.AcknowledgedBy
		}
		rows = append(rows, table.Row{
			string(a.Severity),
			a.PatientID,
			a.Test,
			value,
			status,
			fmt.Sprintf("%d", a.EscalationLevel),
			ageOf(a),
			shortID(a.ID),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderAlerts(t table.Model, open, total int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("ALERTS  %d open / %d shown", open, total))
	body := t.View()
	if total == 0 {
		body = theme.Dim.Render("  No alerts yet.")
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}
