// Package countdown maps an event's scheduled time and "now" to a display
// state. It is pure and owns no timer; callers re-derive on their own tick.
package countdown

import (
	"fmt"
	"time"
)

type State int

const (
	Upcoming State = iota
	Ongoing
	Ended
)

// ongoingWindow is how long after the scheduled time an event counts as
// still running.
const ongoingWindow = time.Hour

// Status is the derived display state for one event at one instant.
type Status struct {
	State     State
	Label     string
	Remaining time.Duration // zero unless State == Upcoming
}

// Derive computes the countdown status for an event scheduled at
// scheduledAt as observed at now.
func Derive(scheduledAt, now time.Time) Status {
	since := now.Sub(scheduledAt)
	switch {
	case since >= ongoingWindow:
		return Status{State: Ended, Label: "Event Ended"}
	case since >= 0:
		return Status{State: Ongoing, Label: "Ongoing"}
	}

	remaining := -since
	return Status{State: Upcoming, Label: upcomingLabel(remaining), Remaining: remaining}
}

func upcomingLabel(remaining time.Duration) string {
	mins := int(remaining / time.Minute)
	hours := mins / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%d %s to go", days, plural("day", days))
	case hours > 0:
		return fmt.Sprintf("%d %s to go", hours, plural("hour", hours))
	case mins > 0:
		return fmt.Sprintf("%d %s to go", mins, plural("min", mins))
	default:
		return "Starting soon"
	}
}

func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
