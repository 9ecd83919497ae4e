// Package holidays computes observed US federal holidays.
package holidays

import (
	"sort"
	"time"
)

// Holiday is an observed holiday on a civil date (midnight UTC).
type Holiday struct {
	Name string
	Date time.Time
}

// ForYear returns the observed federal holidays whose underlying holiday falls in year.
// Fixed-date holidays landing on a Saturday are observed the preceding Friday and those
// landing on a Sunday the following Monday, so New Year's Day of year may be observed on
// December 31 of the previous year.
func ForYear(year int) []Holiday {
	hs := []Holiday{
		{"New Year's Day", observed(date(year, time.January, 1))},
		{"Martin Luther King Jr. Day", nthWeekday(year, time.January, time.Monday, 3)},
		{"Washington's Birthday", nthWeekday(year, time.February, time.Monday, 3)},
		{"Memorial Day", lastWeekday(year, time.May, time.Monday)},
		{"Juneteenth", observed(date(year, time.June, 19))},
		{"Independence Day", observed(date(year, time.July, 4))},
		{"Labor Day", nthWeekday(year, time.September, time.Monday, 1)},
		{"Columbus Day", nthWeekday(year, time.October, time.Monday, 2)},
		{"Veterans Day", observed(date(year, time.November, 11))},
		{"Thanksgiving Day", nthWeekday(year, time.November, time.Thursday, 4)},
		{"Christmas Day", observed(date(year, time.December, 25))},
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].Date.Before(hs[j].Date) })
	return hs
}

// IsHoliday reports whether the civil date of t is an observed holiday.
// The next year's set is consulted too: New Year's Day on a Saturday is observed
// on December 31.
func IsHoliday(t time.Time) bool {
	_, ok := Lookup(t)
	return ok
}

// Lookup returns the observed holiday on the civil date of t, if any.
func Lookup(t time.Time) (Holiday, bool) {
	d := date(t.Year(), t.Month(), t.Day())
	for _, year := range []int{t.Year(), t.Year() + 1} {
		for _, h := range ForYear(year) {
			if h.Date.Equal(d) {
				return h, true
			}
		}
	}
	return Holiday{}, false
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// nthWeekday walks the month day by day and returns the n-th occurrence of wd.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	count := 0
	for d := date(year, month, 1); d.Month() == month; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == wd {
			count++
			if count == n {
				return d
			}
		}
	}
	return time.Time{}
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	d := date(year, month, 1).AddDate(0, 1, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
