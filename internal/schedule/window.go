package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses "HH:MM" (or "HH:MM:SS") into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders t as HH:MM.
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}

// InWindow reports whether now lies in [start, end]. An end earlier than the
// start wraps past midnight.
func InWindow(now, start, end int) bool {
	if end < start {
		return now >= start || now <= end
	}
	return now >= start && now <= end
}

// IsWithinWindow is InWindow over HH:MM strings. Unparseable input is never
// inside a window.
func IsWithinWindow(now, start, end string) bool {
	n, err := ParseClock(now)
	if err != nil {
		return false
	}
	s, err := ParseClock(start)
	if err != nil {
		return false
	}
	e, err := ParseClock(end)
	if err != nil {
		return false
	}
	return InWindow(n, s, e)
}

// ServiceDate returns the calendar date a window containing now started on:
// for an overnight window observed after midnight, that is the previous day.
func ServiceDate(now time.Time, start, end string) time.Time {
	s, errS := ParseClock(start)
	e, errE := ParseClock(end)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if errS != nil || errE != nil || e >= s {
		return day
	}
	if now.Hour()*60+now.Minute() <= e {
		return day.AddDate(0, 0, -1)
	}
	return day
}

// TripID derives the trip key from route, service date and start time.
func TripID(routeID string, serviceDate time.Time, start string) string {
	return fmt.Sprintf("%s_%s_%s", routeID, serviceDate.Format("2006-01-02"), start)
}
