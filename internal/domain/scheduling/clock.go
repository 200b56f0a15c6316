package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day in minutes after midnight, written as HH:MM.
// 24:00 is accepted as the end of the day.
type Clock int

const endOfDay Clock = 24 * 60

// ParseClock parses a HH:MM time string.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour == 24 && minute == 0 {
		return endOfDay, nil
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", s)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", s)
	}
	return Clock(hour*60 + minute), nil
}

// MustClock is ParseClock for literals; it panics on malformed input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) valid() bool { return c >= 0 && c <= endOfDay }

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// TimeRange is a half-open interval [Start, End) within one day.
type TimeRange struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Overlaps reports whether two ranges share any minute. Touching ranges
// (one ends where the other starts) do not overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r TimeRange) Minutes() int { return int(r.End - r.Start) }

func (r TimeRange) String() string { return r.Start.String() + "-" + r.End.String() }

// Date is a calendar date in the clinic's time zone, formatted YYYY-MM-DD.
type Date string

const dateLayout = "2006-01-02"

// ParseDate validates s and returns it in canonical form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf returns the calendar date of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	return Date(t.In(loc).Format(dateLayout))
}

func (d Date) String() string { return string(d) }

func (d Date) civil() (time.Time, bool) {
	t, err := time.Parse(dateLayout, string(d))
	return t, err == nil
}

// Valid reports whether d is a well-formed date.
func (d Date) Valid() bool {
	_, ok := d.civil()
	return ok
}

// Weekday returns the day of week of d.
func (d Date) Weekday() Weekday {
	t, _ := d.civil()
	return Weekday(t.Weekday())
}

// At returns the instant of clock c on date d in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	t, _ := d.civil()
	return time.Date(t.Year(), t.Month(), t.Day(), int(c)/60, int(c)%60, 0, 0, loc)
}

// AddDays returns the date n days after d.
func (d Date) AddDays(n int) Date {
	t, _ := d.civil()
	return Date(t.AddDate(0, 0, n).Format(dateLayout))
}

// Weekday is a day of week serialized as its lowercase English name.
type Weekday time.Weekday

var weekdayNames = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// ParseWeekday accepts full names in any case ("Monday") or 0-6 with 0 = Sunday.
func ParseWeekday(s string) (Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, n := range weekdayNames {
		if v == n {
			return Weekday(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 6 {
		return Weekday(n), nil
	}
	return 0, fmt.Errorf("invalid day of week %q", s)
}

func (w Weekday) String() string {
	if w < 0 || int(w) >= len(weekdayNames) {
		return fmt.Sprintf("weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

func (w Weekday) valid() bool { return w >= 0 && int(w) < len(weekdayNames) }

func (w Weekday) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *Weekday) UnmarshalText(b []byte) error {
	v, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}
