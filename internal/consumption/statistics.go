package consumption

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStatisticsDays is the chart window of the statistics summary.
const DefaultStatisticsDays = 7

// DailyTotal is the consumption of one calendar day.
type DailyTotal struct {
	Date   time.Time
	Ounces float64
	Count  int
}

// Statistics summarises consumption across all events.
type Statistics struct {
	TotalOunces float64
	EventCount  int
	Days        []DailyTotal
}

// DayGroup holds the events of one calendar day, newest first.
type DayGroup struct {
	Date        time.Time
	TotalOunces float64
	Events      []Event
}

// Summarize totals all events and returns the last `days` days that have
// entries, oldest first. Sums use decimal arithmetic so that many small
// pours add up exactly.
func Summarize(events []Event, loc *time.Location, days int) Statistics {
	if loc == nil {
		loc = time.UTC
	}
	if days <= 0 {
		days = DefaultStatisticsDays
	}

	total := decimal.Zero
	perDay := make(map[time.Time]*dailyAccumulator)
	for _, event := range events {
		ounces := decimal.NewFromFloat(event.Ounces)
		total = total.Add(ounces)

		day := startOfDay(event.DateAdded.Time, loc)
		accumulator, ok := perDay[day]
		if !ok {
			accumulator = &dailyAccumulator{sum: decimal.Zero}
			perDay[day] = accumulator
		}
		accumulator.sum = accumulator.sum.Add(ounces)
		accumulator.count++
	}

	dailyTotals := make([]DailyTotal, 0, len(perDay))
	for day, accumulator := range perDay {
		dailyTotals = append(dailyTotals, DailyTotal{
			Date:   day,
			Ounces: accumulator.sum.InexactFloat64(),
			Count:  accumulator.count,
		})
	}
	sort.Slice(dailyTotals, func(i, j int) bool {
		return dailyTotals[i].Date.Before(dailyTotals[j].Date)
	})
	if len(dailyTotals) > days {
		dailyTotals = dailyTotals[len(dailyTotals)-days:]
	}

	return Statistics{
		TotalOunces: total.InexactFloat64(),
		EventCount:  len(events),
		Days:        dailyTotals,
	}
}

// GroupByDay buckets events by local calendar day, newest day first.
func GroupByDay(events []Event, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	index := make(map[time.Time]int)
	groups := make([]DayGroup, 0)
	sums := make([]decimal.Decimal, 0)
	for _, event := range events {
		day := startOfDay(event.DateAdded.Time, loc)
		position, ok := index[day]
		if !ok {
			position = len(groups)
			index[day] = position
			groups = append(groups, DayGroup{Date: day})
			sums = append(sums, decimal.Zero)
		}
		groups[position].Events = append(groups[position].Events, event)
		sums[position] = sums[position].Add(decimal.NewFromFloat(event.Ounces))
	}
	for position := range groups {
		groups[position].TotalOunces = sums[position].InexactFloat64()
		sort.SliceStable(groups[position].Events, func(i, j int) bool {
			return groups[position].Events[i].DateAdded.After(groups[position].Events[j].DateAdded.Time)
		})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Date.After(groups[j].Date)
	})
	return groups
}

type dailyAccumulator struct {
	sum   decimal.Decimal
	count int
}

func startOfDay(moment time.Time, loc *time.Location) time.Time {
	local := moment.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
