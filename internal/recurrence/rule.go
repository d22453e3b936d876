// Package recurrence turns repeating-work rules into concrete calendar dates.
//
// Everything here is pure: no I/O, no clocks, no shared mutable state. The
// same rule and window always yield the same dates, and overlapping windows
// agree on their overlap, which is what lets the materializer re-run safely.
package recurrence

import (
	"time"

	"cloud.google.com/go/civil"
)

// Frequency selects how a Rule repeats.
type Frequency string

const (
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

// MaxDayOfMonth is the largest day_of_month accepted by validation. Later days
// would be ambiguous in short months.
const MaxDayOfMonth = 28

// Rule is the repeating pattern attached to a recurring job. DayOfWeek
// (0 = Sunday) is meaningful for weekly and biweekly rules, DayOfMonth for
// monthly ones; the other is ignored. StartDate and EndDate are inclusive.
type Rule struct {
	Frequency  Frequency   `json:"frequency" validate:"required,oneof=weekly biweekly monthly"`
	DayOfWeek  *int        `json:"day_of_week,omitempty" validate:"omitempty,min=0,max=6"`
	DayOfMonth *int        `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=28"`
	StartDate  civil.Date  `json:"start_date"`
	EndDate    *civil.Date `json:"end_date,omitempty"`
}

// Normalized returns a copy of r with the day field that does not apply to
// its frequency cleared.
func (r Rule) Normalized() Rule {
	switch r.Frequency {
	case Weekly, Biweekly:
		r.DayOfMonth = nil
	case Monthly:
		r.DayOfWeek = nil
	}
	return r
}

// GenerateDates returns, in ascending order, every date matched by r within
// [max(r.StartDate, from), min(r.EndDate, to)]. A rule missing the day field
// its frequency needs yields no dates; call Validate first to get a reason.
func GenerateDates(r Rule, from, to civil.Date) []civil.Date {
	lo := from
	if lo.Before(r.StartDate) {
		lo = r.StartDate
	}
	hi := to
	if r.EndDate != nil && r.EndDate.Before(hi) {
		hi = *r.EndDate
	}
	if hi.Before(lo) {
		return nil
	}

	switch r.Frequency {
	case Weekly, Biweekly:
		if r.DayOfWeek == nil || *r.DayOfWeek < 0 || *r.DayOfWeek > 6 {
			return nil
		}
		step := 7
		if r.Frequency == Biweekly {
			step = 14
		}
		anchor := firstOnOrAfter(r.StartDate, time.Weekday(*r.DayOfWeek))
		return stepFrom(anchor, step, lo, hi)
	case Monthly:
		if r.DayOfMonth == nil || *r.DayOfMonth < 1 {
			return nil
		}
		return monthlyDates(*r.DayOfMonth, lo, hi)
	}
	return nil
}

// Next returns the first date matched by r on or after d, looking ahead at
// most one year.
func Next(r Rule, d civil.Date) (civil.Date, bool) {
	dates := GenerateDates(r, d, d.AddDays(366))
	if len(dates) == 0 {
		return civil.Date{}, false
	}
	return dates[0], true
}

// Weekday returns the day of the week d falls on.
func Weekday(d civil.Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}

func firstOnOrAfter(d civil.Date, wd time.Weekday) civil.Date {
	delta := (int(wd) - int(Weekday(d)) + 7) % 7
	return d.AddDays(delta)
}

// stepFrom walks anchor, anchor+step, ... and keeps the dates inside
// [lo, hi]. The first kept date is computed arithmetically so the phase is
// always the anchor's, whatever window is requested.
func stepFrom(anchor civil.Date, step int, lo, hi civil.Date) []civil.Date {
	first := anchor
	if first.Before(lo) {
		gap := lo.DaysSince(anchor)
		first = anchor.AddDays(((gap + step - 1) / step) * step)
	}

	var out []civil.Date
	for d := first; !d.After(hi); d = d.AddDays(step) {
		out = append(out, d)
	}
	return out
}

func monthlyDates(dom int, lo, hi civil.Date) []civil.Date {
	var out []civil.Date
	year, month := lo.Year, lo.Month
	for {
		d := civil.Date{Year: year, Month: month, Day: clampDay(year, month, dom)}
		if d.After(hi) {
			return out
		}
		if !d.Before(lo) {
			out = append(out, d)
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
}

// clampDay caps dom at the last day of the month.
func clampDay(year int, month time.Month, dom int) int {
	if last := DaysIn(year, month); dom > last {
		return last
	}
	return dom
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
