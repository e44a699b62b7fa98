package billing

import "time"

// Clock supplies the current time. Injectable so window and period math is
// deterministic in tests.
type Clock func() time.Time

// windowAt returns the fixed window containing now for the given size.
// Windows are anchored to UTC midnight so every instance computes the same
// buckets. For sizes that do not evenly divide a day the final bucket of the
// day is truncated at the anchor of the next day; this matches the historical
// behavior and is deliberate.
func windowAt(now time.Time, size time.Duration) (start, end time.Time) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n := now.Sub(midnight) / size
	start = midnight.Add(n * size)
	end = start.Add(size)
	return start, end
}

// quotaPeriodAt computes the accounting period for a new quota. Monthly and
// yearly periods snap to calendar boundaries; custom periods start now and
// run for customDays days.
func quotaPeriodAt(now time.Time, period QuotaPeriod, customDays int) (start, end time.Time) {
	now = now.UTC()
	switch period {
	case QuotaMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case QuotaYearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default:
		if customDays <= 0 {
			customDays = 30
		}
		start = now
		end = now.AddDate(0, 0, customDays)
	}
	return start, end
}

// reportPeriodAt computes canonical report boundaries: daily is
// midnight-to-midnight UTC, weekly is Monday-to-Monday UTC, monthly is
// first-of-month to first-of-next-month, yearly is Jan 1 to Jan 1.
func reportPeriodAt(now time.Time, period ReportPeriod) (start, end time.Time) {
	now = now.UTC()
	switch period {
	case ReportDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case ReportWeekly:
		// time.Weekday has Sunday == 0; shift so Monday == 0.
		offset := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case ReportYearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default: // monthly
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	}
	return start, end
}

// monthStartAt returns the first instant of now's month in UTC.
func monthStartAt(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
