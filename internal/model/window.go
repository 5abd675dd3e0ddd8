package model

import "time"

// TimeWindow is a half-open, aligned time bucket: start inclusive, end
// exclusive.
type TimeWindow struct {
	Name     string
	Duration time.Duration
	Start    time.Time
	End      time.Time
}

// Canonical window durations.
const (
	Window5Min   = 5 * time.Minute
	WindowHourly = time.Hour
	WindowDaily  = 24 * time.Hour
	WindowWeekly = 7 * 24 * time.Hour
)

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Floor5 rounds t down to the enclosing 5-minute boundary in UTC.
func Floor5(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%5, 0, 0, time.UTC)
}

// FloorWindow rounds t down to the start of the enclosing window of the
// given duration. Weekly windows anchor on Monday 00:00 UTC.
func FloorWindow(t time.Time, d time.Duration) time.Time {
	t = t.UTC()
	switch d {
	case Window5Min:
		return Floor5(t)
	case WindowHourly:
		return t.Truncate(time.Hour)
	case WindowDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday anchor: weekday 1 maps to offset 0, Sunday to offset 6.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return t.Truncate(d)
	}
}

// WindowFor returns the named, aligned window enclosing t.
func WindowFor(t time.Time, name string, d time.Duration) TimeWindow {
	start := FloorWindow(t, d)
	return TimeWindow{Name: name, Duration: d, Start: start, End: start.Add(d)}
}

// Window5For returns the 5-minute window enclosing t, the alignment used by
// the rolling aggregate tables.
func Window5For(t time.Time) TimeWindow {
	return WindowFor(t, "5min", Window5Min)
}
