package queue

import "time"

// DayWindow returns the [start, end) bounds of the calendar day containing now
// in loc.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// QueueDate is the day key used for queue number sequences.
func QueueDate(at time.Time, loc *time.Location) time.Time {
	start, _ := DayWindow(at, loc)
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
}
