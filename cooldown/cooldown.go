// Package cooldown holds the time arithmetic shared by every gated action in the bot:
// command global/per-user windows and the humanized "try again in" text shown in chat.
package cooldown

import (
	"fmt"
	"math"
	"time"
)

// CanAct reports whether an actor last seen at last may act again at now.
// A zero last time means the actor has never acted. A non-positive window never blocks.
func CanAct(last time.Time, window time.Duration, now time.Time) bool {
	return Remaining(last, window, now) == 0
}

// Remaining returns how long until the window opened at last expires (never negative).
func Remaining(last time.Time, window time.Duration, now time.Time) time.Duration {
	if window <= 0 || last.IsZero() {
		return 0
	}
	left := last.Add(window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Humanize renders a remaining duration for chat: whole seconds under a minute,
// otherwise minutes rounded up.
func Humanize(d time.Duration) string {
	if d < time.Minute {
		secs := int(math.Ceil(d.Seconds()))
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	mins := int(math.Ceil(d.Minutes()))
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}
