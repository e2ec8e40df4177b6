// Package ingest parses long-format fare-swipe CSV exports into a weekly
// revenue series. Each input row is one (week, station, fare type) cell;
// ingestion sums swipe counts per week and fills single-week gaps so the
// modeling layers see a contiguous weekly grid.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/transit-lab/farecast/internal/series"
)

// Options control column mapping and filtering. Zero values select the
// standard export layout: date,station,fare_type,swipes with a header row.
type Options struct {
	DateColumn   string
	SwipesColumn string

	// DateLayouts are tried in order when parsing the date column.
	DateLayouts []string

	// FareTypes, when non-empty, restricts aggregation to the listed fare
	// classes (case-insensitive). Empty means all rows count.
	FareTypes []string
}

// DefaultOptions matches the turnstile fare export as published.
func DefaultOptions() Options {
	return Options{
		DateColumn:   "date",
		SwipesColumn: "swipes",
		DateLayouts:  []string{"2006-01-02", "01/02/2006"},
	}
}

var errEmptyInput = errors.New("ingest: no data rows")

// ReadCSV parses a long-format CSV and returns the aggregated, resampled
// weekly series. The reader must provide a header row naming at least the
// date and swipes columns; a fare_type column is required only when
// Options.FareTypes filters on it.
func ReadCSV(r io.Reader, opts Options) (series.WeeklySeries, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errEmptyInput
		}
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}

	dateIdx, swipesIdx, fareTypeIdx := -1, -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case strings.ToLower(opts.DateColumn):
			dateIdx = i
		case strings.ToLower(opts.SwipesColumn):
			swipesIdx = i
		case "fare_type", "fare type":
			fareTypeIdx = i
		}
	}
	if dateIdx < 0 {
		return nil, fmt.Errorf("ingest: missing column %q", opts.DateColumn)
	}
	if swipesIdx < 0 {
		return nil, fmt.Errorf("ingest: missing column %q", opts.SwipesColumn)
	}
	if len(opts.FareTypes) > 0 && fareTypeIdx < 0 {
		return nil, errors.New("ingest: fare type filter set but no fare_type column")
	}

	wanted := make(map[string]bool, len(opts.FareTypes))
	for _, ft := range opts.FareTypes {
		wanted[strings.ToLower(strings.TrimSpace(ft))] = true
	}

	var dates []time.Time
	var counts []float64
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		if len(wanted) > 0 && !wanted[strings.ToLower(strings.TrimSpace(rec[fareTypeIdx]))] {
			continue
		}

		d, err := parseDate(rec[dateIdx], opts.DateLayouts)
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(rec[swipesIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: swipes %q: %w", line, rec[swipesIdx], err)
		}
		if n < 0 {
			return nil, fmt.Errorf("ingest: line %d: negative swipe count %v", line, n)
		}
		dates = append(dates, d)
		counts = append(counts, n)
	}
	if len(dates) == 0 {
		return nil, errEmptyInput
	}

	ws, err := series.AggregateWeekly(dates, counts)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return series.Resample(ws), nil
}

func parseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(layouts) == 0 {
		layouts = DefaultOptions().DateLayouts
	}
	for _, layout := range layouts {
		if d, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
