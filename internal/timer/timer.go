// Package timer computes escalating entry delays and display durations.
package timer

import (
	"fmt"

	"peep/internal/model"
)

// maxDoublings caps the escalation shift so the delay cannot overflow.
const maxDoublings = 30

// EffectiveDelay returns the cooldown in seconds before the rule's next
// session may start: the base delay doubled once per session already started
// today.
func EffectiveDelay(r model.Rule) int64 {
	n := r.SessionsStartedToday
	if n < 0 {
		n = 0
	}
	if n > maxDoublings {
		n = maxDoublings
	}
	return r.BaseDelaySec << n
}

// FormatDuration renders a second count for display: whole minutes when the
// value divides evenly, minutes and seconds otherwise, bare seconds under a
// minute.
func FormatDuration(sec int64) string {
	switch {
	case sec >= 60 && sec%60 == 0:
		return fmt.Sprintf("%dm", sec/60)
	case sec >= 60:
		return fmt.Sprintf("%dm %ds", sec/60, sec%60)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
