package series

import (
	"math"
	"testing"
	"time"
)

func mondays(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, 7*i)
	}
	return out
}

func TestWeekStartOf(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"monday maps to itself", time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"wednesday maps back", time.Date(2019, 3, 6, 15, 30, 0, 0, time.UTC), time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"sunday maps to prior monday", time.Date(2019, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"year boundary", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeekStartOf(tt.in); !got.Equal(tt.want) {
				t.Errorf("WeekStartOf(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAggregateWeeklySumsPerWeek(t *testing.T) {
	// Three records in one week, one in the next: per-station rows collapse
	// into weekly totals.
	dates := []time.Time{
		time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 3, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 3, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 3, 11, 0, 0, 0, 0, time.UTC),
	}
	counts := []float64{100, 200, 50, 400}

	ws, err := AggregateWeekly(dates, counts)
	if err != nil {
		t.Fatalf("AggregateWeekly: %v", err)
	}
	if len(ws) != 2 {
		t.Fatalf("got %d weeks, want 2", len(ws))
	}
	if ws[0].TotalFares != 350 {
		t.Errorf("week 1 total = %v, want 350", ws[0].TotalFares)
	}
	if ws[1].TotalFares != 400 {
		t.Errorf("week 2 total = %v, want 400", ws[1].TotalFares)
	}
	if !ws[0].WeekStart.Before(ws[1].WeekStart) {
		t.Error("weeks not chronological")
	}
}

func TestAggregateWeeklyLengthMismatch(t *testing.T) {
	_, err := AggregateWeekly(mondays(time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC), 2), []float64{1})
	if err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestResampleFillsSingleGap(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	ws := WeeklySeries{
		{WeekStart: start, TotalFares: 100},
		{WeekStart: start.AddDate(0, 0, 14), TotalFares: 300}, // one week missing
	}

	got := Resample(ws)
	if len(got) != 3 {
		t.Fatalf("got %d weeks, want 3", len(got))
	}
	if !got[1].WeekStart.Equal(start.AddDate(0, 0, 7)) {
		t.Errorf("filled week start = %v, want %v", got[1].WeekStart, start.AddDate(0, 0, 7))
	}
	if got[1].TotalFares != 200 {
		t.Errorf("filled value = %v, want midpoint 200", got[1].TotalFares)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("resampled series invalid: %v", err)
	}
}

func TestResampleLeavesWideGaps(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	ws := WeeklySeries{
		{WeekStart: start, TotalFares: 100},
		{WeekStart: start.AddDate(0, 0, 28), TotalFares: 300},
	}

	got := Resample(ws)
	if len(got) != 2 {
		t.Fatalf("got %d weeks, want 2 (wide gap untouched)", len(got))
	}
	if err := got.Validate(); err == nil {
		t.Error("expected Validate to reject the remaining wide gap")
	}
}

func TestValidate(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ws      WeeklySeries
		wantErr bool
	}{
		{"valid contiguous", WeeklySeries{
			{WeekStart: start, TotalFares: 1},
			{WeekStart: start.AddDate(0, 0, 7), TotalFares: 2},
		}, false},
		{"empty", nil, false},
		{"negative value", WeeklySeries{{WeekStart: start, TotalFares: -1}}, true},
		{"duplicate week", WeeklySeries{
			{WeekStart: start, TotalFares: 1},
			{WeekStart: start, TotalFares: 2},
		}, true},
		{"out of order", WeeklySeries{
			{WeekStart: start.AddDate(0, 0, 7), TotalFares: 1},
			{WeekStart: start, TotalFares: 2},
		}, true},
		{"two week gap", WeeklySeries{
			{WeekStart: start, TotalFares: 1},
			{WeekStart: start.AddDate(0, 0, 14), TotalFares: 2},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ws.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRestrict(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	ws := make(WeeklySeries, 5)
	for i := range ws {
		ws[i] = Week{WeekStart: start.AddDate(0, 0, 7*i), TotalFares: float64(i)}
	}

	got := ws.Restrict(start.AddDate(0, 0, 7), start.AddDate(0, 0, 21))
	if len(got) != 2 {
		t.Fatalf("got %d weeks, want 2", len(got))
	}
	if got[0].TotalFares != 1 || got[1].TotalFares != 2 {
		t.Errorf("wrong weeks selected: %v", got)
	}

	// Zero upper bound means unbounded.
	if got := ws.Restrict(start.AddDate(0, 0, 21), time.Time{}); len(got) != 2 {
		t.Errorf("unbounded restrict: got %d weeks, want 2", len(got))
	}
}

func TestSortedDoesNotMutate(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	ws := WeeklySeries{
		{WeekStart: start.AddDate(0, 0, 7), TotalFares: 2},
		{WeekStart: start, TotalFares: 1},
	}
	sorted := ws.Sorted()
	if !sorted[0].WeekStart.Equal(start) {
		t.Error("Sorted() did not order chronologically")
	}
	if !ws[0].WeekStart.Equal(start.AddDate(0, 0, 7)) {
		t.Error("Sorted() mutated the receiver")
	}
}

func TestValuesAndDates(t *testing.T) {
	start := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	ws := WeeklySeries{
		{WeekStart: start, TotalFares: 1.5},
		{WeekStart: start.AddDate(0, 0, 7), TotalFares: 2.5},
	}
	vals := ws.Values()
	if math.Abs(vals[0]-1.5) > 1e-12 || math.Abs(vals[1]-2.5) > 1e-12 {
		t.Errorf("Values() = %v", vals)
	}
	dates := ws.Dates()
	if !dates[1].Equal(start.AddDate(0, 0, 7)) {
		t.Errorf("Dates() = %v", dates)
	}
}
