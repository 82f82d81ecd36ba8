package session

import (
	"time"

	"depthwatch/config"
)

type window struct {
	start, end int // minutes since UTC midnight
}

// Guard answers whether the trading session is open at a given instant.
type Guard struct {
	windows []window
}

// New builds a guard from UTC windows. No windows means always open. A window
// whose end precedes its start wraps over midnight.
func New(windows []config.SessionWindow) (*Guard, error) {
	g := &Guard{}
	for _, w := range windows {
		start, end, err := w.Bounds()
		if err != nil {
			return nil, err
		}
		g.windows = append(g.windows, window{start: start, end: end})
	}
	return g, nil
}

// Open reports whether now (converted to UTC) falls inside any window.
func (g *Guard) Open(now time.Time) bool {
	if g == nil || len(g.windows) == 0 {
		return true
	}
	now = now.UTC()
	m := now.Hour()*60 + now.Minute()
	for _, w := range g.windows {
		if w.start <= w.end {
			if m >= w.start && m < w.end {
				return true
			}
			continue
		}
		if m >= w.start || m < w.end {
			return true
		}
	}
	return false
}
