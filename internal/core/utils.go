package core

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GetTZ returns a *time.Location for the given timezone name.
// Falls back to UTC if the timezone is not found.
func GetTZ(name string) *time.Location {
	if name == "" {
		name = DefaultTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Timezone '%s' not found; falling back to UTC.\n", name)
		return time.UTC
	}
	return loc
}

// ParseDate parses a YYYY-MM-DD string into a time.Time (date only, at midnight UTC).
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFmt, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s' (expected YYYY-MM-DD)", s)
	}
	return t, nil
}

// ParseDatetime parses a "YYYY-MM-DD HH:MM:SS" string in the given timezone.
func ParseDatetime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DatetimeFmt, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime '%s' (expected YYYY-MM-DD HH:MM:SS)", s)
	}
	return t, nil
}

// ParseDateSpec returns a concrete date for flexible spec strings.
// Supports:
// 1. Exact YYYY-MM-DD
// 2. M/D or MM/DD (most recent past occurrence)
// 3. Relative forms like d-7 (days), w-2 (weeks), m-3 (months), y-1 (years)
func ParseDateSpec(spec string, loc *time.Location) (time.Time, error) {
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	// 1. YYYY-MM-DD
	if t, err := time.Parse(DateFmt, spec); err == nil {
		return t, nil
	}

	// 2. M/D or MM/DD
	mdRegex := regexp.MustCompile(`^(\d{1,2})/(\d{1,2})$`)
	if matches := mdRegex.FindStringSubmatch(spec); matches != nil {
		month, _ := strconv.Atoi(matches[1])
		day, _ := strconv.Atoi(matches[2])
		target := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, loc)
		if target.After(today) {
			target = time.Date(now.Year()-1, time.Month(month), day, 0, 0, 0, 0, loc)
		}
		return target, nil
	}

	// 3. Relative d/w/m/y-N
	relRegex := regexp.MustCompile(`^([dwmy])-(\d+)$`)
	if matches := relRegex.FindStringSubmatch(strings.ToLower(spec)); matches != nil {
		unit := matches[1]
		num, _ := strconv.Atoi(matches[2])

		switch unit {
		case "d":
			return today.AddDate(0, 0, -num), nil
		case "w":
			return today.AddDate(0, 0, -num*7), nil
		case "m":
			return today.AddDate(0, -num, 0), nil
		case "y":
			return today.AddDate(-num, 0, 0), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date specification: '%s'", spec)
}

// GetTimeRange returns (start, end) datetimes representing a period.
// Supported periods: today, yesterday, this-week, last-week, this-month,
// last-month.
func GetTimeRange(period string, loc *time.Location) (time.Time, time.Time, error) {
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	startOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
	endOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, loc)
	}

	switch period {
	case "today":
		return startOfDay(today), endOfDay(today), nil

	case "yesterday":
		d := today.AddDate(0, 0, -1)
		return startOfDay(d), endOfDay(d), nil

	case "this-week":
		// Week starts on Monday
		weekday := int(today.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := today.AddDate(0, 0, -(weekday - 1))
		end := start.AddDate(0, 0, 6)
		return startOfDay(start), endOfDay(end), nil

	case "last-week":
		weekday := int(today.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		startThisWeek := today.AddDate(0, 0, -(weekday - 1))
		start := startThisWeek.AddDate(0, 0, -7)
		end := start.AddDate(0, 0, 6)
		return startOfDay(start), endOfDay(end), nil

	case "this-month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		last := first.AddDate(0, 1, -1)
		return startOfDay(first), endOfDay(last), nil

	case "last-month":
		first := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, loc)
		last := first.AddDate(0, 1, -1)
		return startOfDay(first), endOfDay(last), nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("unknown period: %s", period)
}

// DateOnly returns a time.Time with only the date portion (midnight UTC).
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate formats a time.Time as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateFmt)
}

// FormatDatetime formats a time.Time as YYYY-MM-DD HH:MM:SS.
func FormatDatetime(t time.Time) string {
	return t.Format(DatetimeFmt)
}
