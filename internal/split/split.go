// Package split partitions a weekly series into TRAIN / VALIDATE / TEST
// segments by calendar rule and carves a walk-forward holdout out of TRAIN.
package split

import (
	"errors"
	"fmt"
	"time"

	"github.com/transit-lab/farecast/internal/series"
)

// ErrInsufficientHistory is returned when TRAIN does not extend past the
// walk-forward assessment window. Fatal for the pipeline.
var ErrInsufficientHistory = errors.New("insufficient training history for assessment window")

// Label identifies which partition a week belongs to.
type Label int

const (
	Train Label = iota
	Validate
	Test
)

func (l Label) String() string {
	switch l {
	case Train:
		return "TRAIN"
	case Validate:
		return "VALIDATE"
	case Test:
		return "TEST"
	}
	return "UNKNOWN"
}

// Config carries the calendar cutoffs and the walk-forward window length.
// Passed explicitly; never ambient state.
type Config struct {
	// ValidationYear is held out for model selection (weeks with
	// year == ValidationYear are VALIDATE).
	ValidationYear int
	// TestCutoffYear marks the start of the COVID horizon (weeks with
	// year >= TestCutoffYear are TEST and never enter fitting).
	TestCutoffYear int
	// AssessmentWeeks is the walk-forward holdout length inside TRAIN.
	AssessmentWeeks int
}

// DefaultConfig returns the cutoffs of the fare-loss study: validate on
// 2019, test from 2020, 52-week assessment window.
func DefaultConfig() Config {
	return Config{ValidationYear: 2019, TestCutoffYear: 2020, AssessmentWeeks: 52}
}

// Split holds the disjoint calendar partitions and the walk-forward pair
// inside TRAIN. FitSubset is the chronological prefix of TRAIN strictly
// before Assessment; Assessment is the most recent AssessmentWeeks of
// TRAIN (cumulative origin, never a sliding window).
type Split struct {
	Train    series.WeeklySeries
	Validate series.WeeklySeries
	Test     series.WeeklySeries

	FitSubset  series.WeeklySeries
	Assessment series.WeeklySeries
}

// LabelOf assigns the partition label for a single week start.
func (c Config) LabelOf(weekStart time.Time) Label {
	switch {
	case weekStart.Year() >= c.TestCutoffYear:
		return Test
	case weekStart.Year() == c.ValidationYear:
		return Validate
	default:
		return Train
	}
}

// New partitions ws by the calendar rule and derives the walk-forward
// holdout. The input must already be chronologically ordered (the series
// invariant); partitions come out contiguous and disjoint.
func New(ws series.WeeklySeries, cfg Config) (*Split, error) {
	s := &Split{}
	for _, w := range ws {
		switch cfg.LabelOf(w.WeekStart) {
		case Train:
			s.Train = append(s.Train, w)
		case Validate:
			s.Validate = append(s.Validate, w)
		case Test:
			s.Test = append(s.Test, w)
		}
	}

	k := cfg.AssessmentWeeks
	if len(s.Train) <= k {
		return nil, fmt.Errorf("%w: have %d TRAIN weeks, need more than %d", ErrInsufficientHistory, len(s.Train), k)
	}
	cut := len(s.Train) - k
	s.FitSubset = s.Train[:cut]
	s.Assessment = s.Train[cut:]
	return s, nil
}

// PreTest returns the union of TRAIN and VALIDATE, the fit data for the
// winning model's refit. TEST rows are excluded by construction.
func (s *Split) PreTest() series.WeeklySeries {
	out := make(series.WeeklySeries, 0, len(s.Train)+len(s.Validate))
	out = append(out, s.Train...)
	out = append(out, s.Validate...)
	return out
}
