package domain

// EstimateCredits is the conservative admission-time estimate for one call:
// one minute at the organization's configured voice tier rate.
func EstimateCredits(ratePerMin int64) int64 {
	return ratePerMin
}

// CallCost computes the settled cost of a call from its duration, billed at
// the voice tier's per-minute rate with per-second granularity, rounded up to
// a whole credit. 90s at 30 credits/min is 45 credits.
func CallCost(durationSeconds int, ratePerMin int64) int64 {
	if durationSeconds <= 0 || ratePerMin <= 0 {
		return 0
	}
	total := int64(durationSeconds) * ratePerMin
	return (total + 59) / 60
}
