package fcs

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// ParameterStats holds the summary statistics of one parameter column.
type ParameterStats struct {
	Parameter string  `json:"parameter"`
	StainName string  `json:"pns"`
	Display   string  `json:"display"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	Std       float64 `json:"std"`
}

// StatisticsResult is the outcome of a statistics computation over a file.
type StatisticsResult struct {
	TotalEvents int              `json:"total_events"`
	Statistics  []ParameterStats `json:"statistics"`
}

// CalculateStatistics parses an FCS file and computes min, max, mean,
// median and standard deviation for every parameter column.
func CalculateStatistics(path string) (*StatisticsResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fcs file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read fcs header: %w", err)
	}
	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	textBegin, err := headerOffset(header, 10)
	if err != nil {
		return nil, err
	}
	textEnd, err := headerOffset(header, 18)
	if err != nil {
		return nil, err
	}
	keywords, err := readTextSegment(f, textBegin, textEnd)
	if err != nil {
		return nil, err
	}

	events, err := keywordInt(keywords, "$TOT")
	if err != nil {
		return nil, err
	}
	params, err := keywordInt(keywords, "$PAR")
	if err != nil {
		return nil, err
	}
	if events == 0 || params == 0 {
		return &StatisticsResult{TotalEvents: events}, nil
	}

	columns, err := readEvents(f, keywords, header, events, params)
	if err != nil {
		return nil, err
	}

	stats := make([]ParameterStats, 0, params)
	for i, column := range columns {
		name := keywords[fmt.Sprintf("$P%dN", i+1)]
		if name == "" {
			name = fmt.Sprintf("P%d", i+1)
		}
		pns := keywords[fmt.Sprintf("$P%dS", i+1)]
		if pns == "" {
			pns = name
		}

		stats = append(stats, ParameterStats{
			Parameter: name,
			StainName: pns,
			Display:   statsDisplay(name),
			Min:       sliceMin(column),
			Max:       sliceMax(column),
			Mean:      sliceMean(column),
			Median:    sliceMedian(column),
			Std:       sliceStd(column),
		})
	}

	return &StatisticsResult{TotalEvents: events, Statistics: stats}, nil
}

// statsDisplay classifies a parameter for display. Scatter and time
// channels are linear; fluorescence channels are shown on a log scale.
func statsDisplay(name string) string {
	for _, prefix := range []string{"FSC", "SSC", "Time"} {
		if strings.HasPrefix(name, prefix) {
			return "LIN"
		}
	}
	return "LOG"
}

func sliceMin(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func sliceMax(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func sliceMean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func sliceMedian(v []float64) float64 {
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sliceStd computes the population standard deviation.
func sliceStd(v []float64) float64 {
	mean := sliceMean(v)
	var sum float64
	for _, x := range v {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}
