package watch

import (
	"strings"
	"time"
)

const pulseDots = 5

// Pulse lights up when an event arrives and fades one dot every two
// seconds of silence.
type Pulse struct {
	last time.Time
}

func (p *Pulse) Hit(at time.Time) { p.last = at }

func (p Pulse) Last() time.Time { return p.last }

// Lit reports how many dots are on at now.
func (p Pulse) Lit(now time.Time) int {
	if p.last.IsZero() {
		return 0
	}
	n := pulseDots - int(now.Sub(p.last)/(2*time.Second))
	return max(0, min(pulseDots, n))
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	lit := p.Lit(now)
	var b strings.Builder
	for i := range pulseDots {
		if i < lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

// frames rotate once per tick so a frozen UI is visible.
var frames = []string{"⟲", "⟳"}

func frame(tick int) string { return frames[tick%len(frames)] }
