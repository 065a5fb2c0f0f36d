package utils

import (
	"time"

	"tradeengine/src/model"
)

// NextRun computes the next execution time for a schedule anchored at
// from. Custom frequencies fall back to intervalMinutes; a non-positive
// interval defaults to one day.
func NextRun(freq model.DcaFrequency, intervalMinutes int, from time.Time) time.Time {
	switch freq {
	case model.DcaFrequencyHourly:
		return from.Add(time.Hour)
	case model.DcaFrequencyDaily:
		return from.AddDate(0, 0, 1)
	case model.DcaFrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case model.DcaFrequencyMonthly:
		return from.AddDate(0, 1, 0)
	case model.DcaFrequencyCustom:
		if intervalMinutes > 0 {
			return from.Add(time.Duration(intervalMinutes) * time.Minute)
		}
	}
	return from.AddDate(0, 0, 1)
}

// AdvanceDailyWindow moves a rolling 24h watermark forward to the first
// boundary after now. Returns the new watermark and whether it advanced;
// calling again inside the same window is a no-op.
func AdvanceDailyWindow(watermark, now time.Time) (time.Time, bool) {
	if now.Before(watermark) {
		return watermark, false
	}
	next := watermark
	for !now.Before(next) {
		next = next.Add(24 * time.Hour)
	}
	return next, true
}
