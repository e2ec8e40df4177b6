package split

import (
	"errors"
	"testing"
	"time"

	"github.com/transit-lab/farecast/internal/series"
)

// genWeeks produces a contiguous Monday-aligned weekly series starting at
// the first Monday of startYear.
func genWeeks(startYear, n int) series.WeeklySeries {
	start := series.WeekStartOf(time.Date(startYear, 1, 7, 0, 0, 0, 0, time.UTC))
	ws := make(series.WeeklySeries, n)
	for i := range ws {
		ws[i] = series.Week{WeekStart: start.AddDate(0, 0, 7*i), TotalFares: 1000 + float64(i)}
	}
	return ws
}

func TestSplitPartitionsAreDisjointAndExhaustive(t *testing.T) {
	// 2016 through mid-2020, ~236 weeks.
	ws := genWeeks(2016, 236)
	sp, err := New(ws, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := len(sp.Train) + len(sp.Validate) + len(sp.Test); got != len(ws) {
		t.Errorf("partitions cover %d weeks, want %d", got, len(ws))
	}

	for _, w := range sp.Train {
		if y := w.WeekStart.Year(); y >= 2019 {
			t.Errorf("TRAIN contains week %s", w.WeekStart.Format("2006-01-02"))
		}
	}
	for _, w := range sp.Validate {
		if w.WeekStart.Year() != 2019 {
			t.Errorf("VALIDATE contains week %s", w.WeekStart.Format("2006-01-02"))
		}
	}
	for _, w := range sp.Test {
		if w.WeekStart.Year() < 2020 {
			t.Errorf("TEST contains week %s", w.WeekStart.Format("2006-01-02"))
		}
	}
}

func TestLabelOf(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		date time.Time
		want Label
	}{
		{time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC), Train},
		{time.Date(2019, 1, 7, 0, 0, 0, 0, time.UTC), Validate},
		{time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC), Validate},
		{time.Date(2020, 1, 6, 0, 0, 0, 0, time.UTC), Test},
		{time.Date(2021, 6, 7, 0, 0, 0, 0, time.UTC), Test},
	}
	for _, tt := range tests {
		if got := cfg.LabelOf(tt.date); got != tt.want {
			t.Errorf("LabelOf(%s) = %v, want %v", tt.date.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestWalkForwardHoldout(t *testing.T) {
	ws := genWeeks(2016, 236)
	sp, err := New(ws, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(sp.Assessment) != 52 {
		t.Fatalf("assessment window = %d weeks, want 52", len(sp.Assessment))
	}
	if len(sp.FitSubset)+len(sp.Assessment) != len(sp.Train) {
		t.Error("fit-subset and assessment do not partition TRAIN")
	}

	// The assessment window is the most recent tail of TRAIN.
	lastFit := sp.FitSubset[len(sp.FitSubset)-1].WeekStart
	firstAssess := sp.Assessment[0].WeekStart
	if !firstAssess.After(lastFit) {
		t.Error("assessment window does not follow the fit subset")
	}
	lastAssess := sp.Assessment[len(sp.Assessment)-1].WeekStart
	lastTrain := sp.Train[len(sp.Train)-1].WeekStart
	if !lastAssess.Equal(lastTrain) {
		t.Error("assessment window does not end at the end of TRAIN")
	}
}

func TestInsufficientHistory(t *testing.T) {
	// Exactly 52 TRAIN weeks: boundary case, still insufficient.
	ws := genWeeks(2018, 52)
	_, err := New(ws, DefaultConfig())
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}

	// One more week crosses the threshold.
	ws = genWeeks(2018, 53)
	sp, err := New(ws, DefaultConfig())
	if err != nil {
		t.Fatalf("53 TRAIN weeks should fit: %v", err)
	}
	if len(sp.FitSubset) != 1 {
		t.Errorf("fit subset = %d weeks, want 1", len(sp.FitSubset))
	}
}

func TestPreTestExcludesTest(t *testing.T) {
	ws := genWeeks(2016, 236)
	sp, err := New(ws, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pre := sp.PreTest()
	if len(pre) != len(sp.Train)+len(sp.Validate) {
		t.Errorf("PreTest() has %d weeks, want %d", len(pre), len(sp.Train)+len(sp.Validate))
	}
	cutoff := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, w := range pre {
		if !w.WeekStart.Before(cutoff) {
			t.Errorf("PreTest() contains test week %s", w.WeekStart.Format("2006-01-02"))
		}
	}
}

func TestLabelString(t *testing.T) {
	if Train.String() != "TRAIN" || Validate.String() != "VALIDATE" || Test.String() != "TEST" {
		t.Error("unexpected label strings")
	}
}
