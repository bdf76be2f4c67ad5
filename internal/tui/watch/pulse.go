package watch

import (
	"strings"
	"time"
)

// Pulse lights up when a notification arrives and fades over the next few
// seconds.
type Pulse struct {
	level int
	last  time.Time
}

const pulseWidth = 5

func (p *Pulse) Hit(now time.Time) {
	p.level = pulseWidth
	p.last = now
}

// Fade drops one dot for every two seconds of silence.
func (p *Pulse) Fade(now time.Time) {
	if p.level == 0 {
		return
	}
	idle := int(now.Sub(p.last) / (2 * time.Second))
	p.level = max(pulseWidth-idle, 0)
}

func (p Pulse) Last() time.Time { return p.last }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
