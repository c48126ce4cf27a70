package notify

import (
	"strconv"
	"strings"
	"time"
)

// parseClock converts "HH:mm" to minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

// InQuietHours reports whether at falls inside the daily window start..end.
// Both bounds are inclusive. A window whose start is after its end wraps
// midnight. Missing or malformed bounds mean no quiet hours.
func InQuietHours(start, end string, at time.Time) bool {
	s, ok := parseClock(start)
	if !ok {
		return false
	}
	e, ok := parseClock(end)
	if !ok {
		return false
	}
	cur := at.Hour()*60 + at.Minute()
	if s > e {
		return cur >= s || cur <= e
	}
	return s <= cur && cur <= e
}
