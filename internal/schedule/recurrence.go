package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownFrequency indicates a rule carries a frequency the generator
// does not support.
var ErrUnknownFrequency = errors.New("unknown rule frequency")

// RuleDates returns the calendar dates (midnight in loc, ascending,
// deduplicated) on which the rule fires within [windowStart, windowEnd],
// both inclusive. The cadence is anchored to the rule's own start date, so
// re-running with a shifted window never changes which weeks or months are
// on-cadence.
func RuleDates(rule ScheduleRule, windowStart, windowEnd time.Time, loc *time.Location) ([]time.Time, error) {
	start := startOfDay(windowStart, loc)
	end := startOfDay(windowEnd, loc)

	// The anchor is the rule's start date; rules without one are anchored
	// to the window start (they are treated as starting "now").
	anchor := start
	if rule.StartDate != nil {
		anchor = startOfDay(*rule.StartDate, loc)
		if anchor.After(start) {
			start = anchor
		}
	}
	if rule.EndDate != nil {
		ruleEnd := startOfDay(*rule.EndDate, loc)
		if ruleEnd.Before(end) {
			end = ruleEnd
		}
	}
	if start.After(end) {
		return nil, nil
	}

	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	var dates []time.Time
	switch rule.Frequency {
	case FrequencyWeekly, FrequencyCustom:
		// custom expands like weekly until product defines its own semantics
		dates = weeklyDates(anchor, start, end, interval, rule.ByWeekDay)
	case FrequencyBiweekly:
		// fixed-cadence alias; the rule's own interval is ignored
		dates = weeklyDates(anchor, start, end, 2, rule.ByWeekDay)
	case FrequencyMonthly:
		dates = monthlyDates(rule, anchor, start, end, interval, loc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, rule.Frequency)
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dedupeDates(dates), nil
}

func weeklyDates(anchor, start, end time.Time, interval int, byWeekDay []int) []time.Time {
	days := make(map[int]struct{}, len(byWeekDay))
	for _, d := range byWeekDay {
		days[d] = struct{}{}
	}

	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		weekNumber := daysBetween(anchor, d) / 7
		if weekNumber%interval != 0 {
			continue
		}
		if len(days) > 0 {
			if _, ok := days[int(d.Weekday())]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func monthlyDates(rule ScheduleRule, anchor, start, end time.Time, interval int, loc *time.Location) []time.Time {
	anchorMonth := monthIndex(anchor)
	startMonth := monthIndex(start)
	endMonth := monthIndex(end)

	// First candidate month >= startMonth sitting on the interval cadence
	// counted from the anchor month.
	month := anchorMonth
	if startMonth > anchorMonth {
		offset := (startMonth - anchorMonth) % interval
		month = startMonth
		if offset != 0 {
			month += interval - offset
		}
	}

	var out []time.Time
	for ; month <= endMonth; month += interval {
		year, m := month/12, time.Month(month%12+1)
		lastDay := daysInMonth(year, m)

		var candidates []time.Time
		switch {
		case len(rule.ByMonthDay) > 0:
			for _, day := range rule.ByMonthDay {
				if day >= 1 && day <= lastDay {
					candidates = append(candidates, time.Date(year, m, day, 0, 0, 0, 0, loc))
				}
			}
		case len(rule.ByWeekDay) > 0 && rule.BySetPos != 0:
			for _, wd := range rule.ByWeekDay {
				if d, ok := nthWeekdayOfMonth(year, m, time.Weekday(wd), rule.BySetPos, loc); ok {
					candidates = append(candidates, d)
				}
			}
		default:
			// Fall back to the anchor's day of month, clamped so a rule
			// starting on the 31st still fires in shorter months.
			day := anchor.Day()
			if day > lastDay {
				day = lastDay
			}
			candidates = append(candidates, time.Date(year, m, day, 0, 0, 0, 0, loc))
		}

		for _, d := range candidates {
			if !d.Before(start) && !d.After(end) {
				out = append(out, d)
			}
		}
	}
	return out
}

// nthWeekdayOfMonth returns the setPos-th occurrence of weekday in the given
// month; negative setPos counts from the end (-1 = last). An out-of-range
// setPos yields no date.
func nthWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, setPos int, loc *time.Location) (time.Time, bool) {
	var matches []time.Time
	for day := 1; day <= daysInMonth(year, month); day++ {
		d := time.Date(year, month, day, 0, 0, 0, 0, loc)
		if d.Weekday() == weekday {
			matches = append(matches, d)
		}
	}

	idx := setPos - 1
	if setPos < 0 {
		idx = len(matches) + setPos
	}
	if idx < 0 || idx >= len(matches) {
		return time.Time{}, false
	}
	return matches[idx], true
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// daysBetween counts whole calendar days from a to b, immune to DST because
// both dates are re-anchored in UTC before subtracting.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dedupeDates(dates []time.Time) []time.Time {
	if len(dates) < 2 {
		return dates
	}
	out := dates[:1]
	for _, d := range dates[1:] {
		if !d.Equal(out[len(out)-1]) {
			out = append(out, d)
		}
	}
	return out
}
