package domain

import "time"

// WeekdayBit returns the mask bit for a weekday (Sunday = bit 0).
func WeekdayBit(d time.Weekday) int { return 1 << int(d) }

// WeekdayMaskOf builds a mask from a set of weekdays.
func WeekdayMaskOf(days ...time.Weekday) int {
	m := 0
	for _, d := range days {
		m |= WeekdayBit(d)
	}
	return m
}

// WithinCallingWindow reports whether now falls inside the organization's
// configured calling hours, evaluated in the organization's timezone.
// A window with start > end spans midnight (e.g. 20:00-02:00); the weekday
// check applies to the local day the instant falls on.
func WithinCallingWindow(org Organization, now time.Time) bool {
	loc, err := time.LoadLocation(org.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if org.WeekdayMask&WeekdayBit(local.Weekday()) == 0 {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	if org.WindowStartMin == org.WindowEndMin {
		// degenerate window: treat as always open on enabled days
		return true
	}
	if org.WindowStartMin < org.WindowEndMin {
		return mins >= org.WindowStartMin && mins < org.WindowEndMin
	}
	return mins >= org.WindowStartMin || mins < org.WindowEndMin
}
