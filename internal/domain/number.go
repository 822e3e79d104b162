package domain

import "time"

// EffectiveCounts returns the number's usage counters with expired windows
// treated as zero. Counters are reset lazily by wall clock: if the hour (or
// UTC day) has advanced past the recorded reset point, that window's count no
// longer applies. No background sweep job is needed.
func (n PhoneNumber) EffectiveCounts(now time.Time) (hour, day int) {
	hour, day = n.HourCount, n.DayCount
	if !sameHour(n.HourResetAt, now) {
		hour = 0
	}
	if !sameDay(n.DayResetAt, now) {
		day = 0
	}
	return hour, day
}

// Eligible reports whether the number can originate a call right now.
func (n PhoneNumber) Eligible(now time.Time) bool {
	if n.Status != NumberActive {
		return false
	}
	hour, day := n.EffectiveCounts(now)
	return hour < n.MaxCallsPerHour && day < n.MaxCallsPerDay
}

func sameHour(a, b time.Time) bool {
	return a.UTC().Truncate(time.Hour).Equal(b.UTC().Truncate(time.Hour))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
