package recurrence

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func intp(v int) *int { return &v }

func dateStrings(ds []civil.Date) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func TestGenerateDates_WeeklyMondaysJanuary2024(t *testing.T) {
	r := Rule{
		Frequency: Weekly,
		DayOfWeek: intp(int(time.Monday)),
		StartDate: date(2024, time.January, 1),
	}

	got := GenerateDates(r, date(2024, time.January, 1), date(2024, time.January, 31))

	assert.Equal(t, []string{
		"2024-01-01", "2024-01-08", "2024-01-15", "2024-01-22", "2024-01-29",
	}, dateStrings(got))
}

func TestGenerateDates_WeeklyOver31DayWindows(t *testing.T) {
	r := Rule{
		Frequency: Weekly,
		DayOfWeek: intp(int(time.Monday)),
		StartDate: date(2024, time.January, 1),
	}

	for offset := 0; offset < 60; offset++ {
		from := r.StartDate.AddDays(offset)
		to := from.AddDays(30)
		got := GenerateDates(r, from, to)

		require.True(t, len(got) == 4 || len(got) == 5, "window %s: %d dates", from, len(got))
		for i, d := range got {
			assert.Equal(t, time.Monday, Weekday(d))
			assert.False(t, d.Before(from))
			assert.False(t, d.After(to))
			if i > 0 {
				assert.Equal(t, 7, d.DaysSince(got[i-1]))
			}
		}
	}
}

func TestGenerateDates_WeeklyAnchorsAfterStart(t *testing.T) {
	// 2024-01-03 is a Wednesday; first Friday on or after it is the 5th.
	r := Rule{
		Frequency: Weekly,
		DayOfWeek: intp(int(time.Friday)),
		StartDate: date(2024, time.January, 3),
	}

	got := GenerateDates(r, date(2023, time.December, 1), date(2024, time.January, 20))
	assert.Equal(t, []string{"2024-01-05", "2024-01-12", "2024-01-19"}, dateStrings(got))
}

func TestGenerateDates_BiweeklyParityFixedByStart(t *testing.T) {
	r := Rule{
		Frequency: Biweekly,
		DayOfWeek: intp(int(time.Tuesday)),
		StartDate: date(2024, time.January, 2), // Tuesday
	}

	full := GenerateDates(r, date(2024, time.January, 1), date(2024, time.June, 30))
	require.NotEmpty(t, full)
	on := map[civil.Date]bool{}
	for i, d := range full {
		on[d] = true
		if i > 0 {
			assert.Equal(t, 14, d.DaysSince(full[i-1]))
		}
	}

	// Any sub-window must select exactly the same "on" weeks.
	for offset := 0; offset < 90; offset += 3 {
		from := date(2024, time.January, 1).AddDays(offset)
		to := from.AddDays(45)
		for _, d := range GenerateDates(r, from, to) {
			assert.True(t, on[d], "window starting %s produced off-week %s", from, d)
		}
	}
}

func TestGenerateDates_MonthlyDay28IncludesFebruary(t *testing.T) {
	r := Rule{
		Frequency:  Monthly,
		DayOfMonth: intp(28),
		StartDate:  date(2023, time.January, 1),
	}

	got := GenerateDates(r, date(2023, time.January, 1), date(2024, time.December, 31))
	require.Len(t, got, 24)
	for _, d := range got {
		assert.Equal(t, 28, d.Day)
	}
	assert.Contains(t, got, date(2023, time.February, 28))
	assert.Contains(t, got, date(2024, time.February, 28))
}

func TestGenerateDates_MonthlyClampsToMonthEnd(t *testing.T) {
	r := Rule{
		Frequency:  Monthly,
		DayOfMonth: intp(31),
		StartDate:  date(2024, time.January, 1),
	}

	got := GenerateDates(r, date(2024, time.January, 1), date(2024, time.May, 31))
	assert.Equal(t, []string{
		"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31",
	}, dateStrings(got))

	r.DayOfMonth = intp(30)
	r.StartDate = date(2023, time.January, 1)
	got = GenerateDates(r, date(2023, time.February, 1), date(2023, time.February, 28))
	assert.Equal(t, []string{"2023-02-28"}, dateStrings(got))
}

func TestGenerateDates_MonthlyRespectsStartDate(t *testing.T) {
	r := Rule{
		Frequency:  Monthly,
		DayOfMonth: intp(15),
		StartDate:  date(2024, time.March, 20),
	}

	got := GenerateDates(r, date(2024, time.March, 1), date(2024, time.May, 31))
	assert.Equal(t, []string{"2024-04-15", "2024-05-15"}, dateStrings(got))
}

func TestGenerateDates_EndDateBoundsWindow(t *testing.T) {
	end := date(2024, time.January, 15)
	r := Rule{
		Frequency: Weekly,
		DayOfWeek: intp(int(time.Monday)),
		StartDate: date(2024, time.January, 1),
		EndDate:   &end,
	}

	got := GenerateDates(r, date(2024, time.January, 1), date(2024, time.March, 1))
	assert.Equal(t, []string{"2024-01-01", "2024-01-08", "2024-01-15"}, dateStrings(got))

	assert.Empty(t, GenerateDates(r, date(2024, time.February, 1), date(2024, time.March, 1)))
}

func TestGenerateDates_OverlappingWindowsAgree(t *testing.T) {
	rules := []Rule{
		{Frequency: Weekly, DayOfWeek: intp(3), StartDate: date(2024, time.February, 7)},
		{Frequency: Biweekly, DayOfWeek: intp(0), StartDate: date(2024, time.January, 1)},
		{Frequency: Monthly, DayOfMonth: intp(10), StartDate: date(2023, time.November, 11)},
	}
	for _, r := range rules {
		a := GenerateDates(r, date(2024, time.January, 1), date(2024, time.April, 30))
		b := GenerateDates(r, date(2024, time.March, 1), date(2024, time.June, 30))

		inA := map[civil.Date]bool{}
		for _, d := range a {
			inA[d] = true
		}
		overlapStart, overlapEnd := date(2024, time.March, 1), date(2024, time.April, 30)
		for _, d := range b {
			if !d.Before(overlapStart) && !d.After(overlapEnd) {
				assert.True(t, inA[d], "%s: %s missing from first window", r.Frequency, d)
			}
		}
		for _, d := range a {
			if !d.Before(overlapStart) {
				assert.Contains(t, b, d)
			}
		}
	}
}

func TestGenerateDates_UnusableRuleYieldsNothing(t *testing.T) {
	from, to := date(2024, time.January, 1), date(2024, time.December, 31)

	assert.Empty(t, GenerateDates(Rule{Frequency: Weekly, StartDate: from}, from, to))
	assert.Empty(t, GenerateDates(Rule{Frequency: Monthly, StartDate: from}, from, to))
	assert.Empty(t, GenerateDates(Rule{Frequency: "daily", DayOfWeek: intp(1), StartDate: from}, from, to))
	assert.Empty(t, GenerateDates(Rule{Frequency: Weekly, DayOfWeek: intp(9), StartDate: from}, from, to))
}

func TestNext(t *testing.T) {
	r := Rule{Frequency: Monthly, DayOfMonth: intp(5), StartDate: date(2024, time.January, 1)}

	d, ok := Next(r, date(2024, time.January, 6))
	require.True(t, ok)
	assert.Equal(t, date(2024, time.February, 5), d)

	end := date(2024, time.January, 31)
	r.EndDate = &end
	_, ok = Next(r, date(2024, time.January, 6))
	assert.False(t, ok)
}

func TestNormalized(t *testing.T) {
	r := Rule{Frequency: Weekly, DayOfWeek: intp(1), DayOfMonth: intp(31)}
	n := r.Normalized()
	assert.Nil(t, n.DayOfMonth)
	assert.NotNil(t, r.DayOfMonth, "receiver left untouched")

	r = Rule{Frequency: Monthly, DayOfWeek: intp(1), DayOfMonth: intp(3)}
	assert.Nil(t, r.Normalized().DayOfWeek)
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 28, DaysIn(2023, time.February))
	assert.Equal(t, 31, DaysIn(2023, time.December))
}
