package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Weekday uses ISO numbering: Monday=1 ... Sunday=7.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = map[string]Weekday{
	"mon": Monday, "monday": Monday,
	"tue": Tuesday, "tues": Tuesday, "tuesday": Tuesday,
	"wed": Wednesday, "wednesday": Wednesday,
	"thu": Thursday, "thur": Thursday, "thurs": Thursday, "thursday": Thursday,
	"fri": Friday, "friday": Friday,
	"sat": Saturday, "saturday": Saturday,
	"sun": Sunday, "sunday": Sunday,
}

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

func (d Weekday) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return [...]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}[d-1]
}

// WeekdayOf converts a time to its ISO weekday in t's location.
func WeekdayOf(t time.Time) Weekday {
	if t.Weekday() == time.Sunday {
		return Sunday
	}
	return Weekday(t.Weekday())
}

// WeekdaySet is a bit set of weekdays.
type WeekdaySet uint8

func NewWeekdaySet(days ...Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d Weekday) WeekdaySet {
	if !d.Valid() {
		return s
	}
	return s | 1<<uint(d)
}

func (s WeekdaySet) Has(d Weekday) bool { return d.Valid() && s&(1<<uint(d)) != 0 }

func (s WeekdaySet) Empty() bool { return s == 0 }

func (s WeekdaySet) Days() []Weekday {
	var out []Weekday
	for d := Monday; d <= Sunday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// ParseWeekday accepts 0-7 (0 and 7 are Sunday) or an English day name.
func ParseWeekday(v any) (Weekday, error) {
	switch t := v.(type) {
	case Weekday:
		if t.Valid() {
			return t, nil
		}
	case int:
		return weekdayFromNumber(t)
	case int64:
		return weekdayFromNumber(int(t))
	case float64:
		return weekdayFromNumber(int(t))
	case json.Number:
		n, err := t.Int64()
		if err == nil {
			return weekdayFromNumber(int(n))
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if d, ok := weekdayNames[s]; ok {
			return d, nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			return weekdayFromNumber(n)
		}
	}
	return 0, fmt.Errorf("unrecognised weekday %v", v)
}

func weekdayFromNumber(n int) (Weekday, error) {
	if n == 0 {
		return Sunday, nil
	}
	d := Weekday(n)
	if !d.Valid() {
		return 0, fmt.Errorf("weekday number %d out of range", n)
	}
	return d, nil
}

// ParseWeekdays is the single adapter for the legacy day-of-week shapes found
// in stored schedules: lists of numbers or names, objects used as sets
// ({"monday": true}), and comma separated strings.
func ParseWeekdays(raw any) (WeekdaySet, error) {
	var set WeekdaySet
	switch t := raw.(type) {
	case nil:
		return 0, nil
	case WeekdaySet:
		return t, nil
	case []Weekday:
		return NewWeekdaySet(t...), nil
	case []any:
		for _, v := range t {
			d, err := ParseWeekday(v)
			if err != nil {
				return 0, err
			}
			set = set.With(d)
		}
	case []string:
		for _, v := range t {
			d, err := ParseWeekday(v)
			if err != nil {
				return 0, err
			}
			set = set.With(d)
		}
	case []int:
		for _, v := range t {
			d, err := ParseWeekday(v)
			if err != nil {
				return 0, err
			}
			set = set.With(d)
		}
	case map[string]any:
		for k, v := range t {
			if !truthy(v) {
				continue
			}
			d, err := ParseWeekday(k)
			if err != nil {
				return 0, err
			}
			set = set.With(d)
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			d, err := ParseWeekday(part)
			if err != nil {
				return 0, err
			}
			set = set.With(d)
		}
	default:
		d, err := ParseWeekday(raw)
		if err != nil {
			return 0, err
		}
		set = set.With(d)
	}
	return set, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		}
	}
	return false
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	days := s.Days()
	nums := make([]int, len(days))
	for i, d := range days {
		nums[i] = int(d)
	}
	return json.Marshal(nums)
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	set, err := ParseWeekdays(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
