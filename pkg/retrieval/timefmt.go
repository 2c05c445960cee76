package retrieval

import (
	"fmt"
	"time"
)

func daypart(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// RecencyLabel renders a timestamp as a human recency phrase. Formatted
// memory blocks never show raw ISO timestamps.
func RecencyLabel(t, now time.Time) string {
	t = t.Local()
	now = now.Local()

	if now.Sub(t) < 15*time.Minute {
		return "Just now"
	}
	if sameDay(t, now) {
		if daypart(t) == daypart(now) {
			return fmt.Sprintf("Earlier this %s", daypart(t))
		}
		return fmt.Sprintf("This %s", daypart(t))
	}
	if sameDay(t, now.AddDate(0, 0, -1)) {
		return fmt.Sprintf("Yesterday %s", daypart(t))
	}
	if now.Sub(t) < 14*24*time.Hour {
		return "Last week"
	}
	if t.Year() == now.Year() {
		return "In " + t.Month().String()
	}
	return fmt.Sprintf("In %s %d", t.Month().String(), t.Year())
}
