package selector

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Tolerance is the absolute tolerance used for threshold comparisons.
// Inventories print thresholds with limited precision.
const Tolerance = 0.01

// Kind is the statistical processing of a forecast time range.
type Kind string

const (
	KindFcst Kind = "fcst"
	KindMin  Kind = "min"
	KindMax  Kind = "max"
	KindAcc  Kind = "acc"
)

// TimeRange is a parsed forecast time clause in hours.
type TimeRange struct {
	Start int
	End   int
	Kind  Kind
}

// Window returns the span of the time range in hours.
func (tr TimeRange) Window() int {
	return tr.End - tr.Start
}

var (
	dayRangePattern    = regexp.MustCompile(`(\d+)-(\d+) day`)
	daySinglePattern   = regexp.MustCompile(`(\d+) day`)
	hourRangePattern   = regexp.MustCompile(`(\d+)-(\d+) hour`)
	hourSinglePattern  = regexp.MustCompile(`(\d+) hour`)
	probabilityPattern = regexp.MustCompile(`prob\s*([<>])\s*([0-9.]+)`)
	percentilePattern  = regexp.MustCompile(`(\d+)% level`)
)

// ParseTimeRange parses clauses such as "6 hour fcst", "0-18 hour min fcst"
// or "1-3 day acc fcst". Day forms are converted to hours. ok is false when
// no hour or day figure is present.
func ParseTimeRange(s string) (tr TimeRange, ok bool) {
	tr.Kind = KindFcst
	switch {
	case strings.Contains(s, "min fcst"):
		tr.Kind = KindMin
	case strings.Contains(s, "max fcst"):
		tr.Kind = KindMax
	case strings.Contains(s, "acc fcst"):
		tr.Kind = KindAcc
	}

	if strings.Contains(s, "day") {
		if m := dayRangePattern.FindStringSubmatch(s); m != nil {
			tr.Start, tr.End = 24*atoi(m[1]), 24*atoi(m[2])
			return tr, true
		}
		if m := daySinglePattern.FindStringSubmatch(s); m != nil {
			tr.End = 24 * atoi(m[1])
			return tr, true
		}
	}

	if m := hourRangePattern.FindStringSubmatch(s); m != nil {
		tr.Start, tr.End = atoi(m[1]), atoi(m[2])
		return tr, true
	}
	if m := hourSinglePattern.FindStringSubmatch(s); m != nil {
		tr.End = atoi(m[1])
		return tr, true
	}

	return tr, false
}

// ParseProbability parses a "prob >310.928" clause into its sign and threshold.
func ParseProbability(s string) (sign byte, threshold float64, ok bool) {
	m := probabilityPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return m[1][0], v, true
}

// ParsePercentile parses a "50% level" clause.
func ParsePercentile(s string) (int, bool) {
	m := percentilePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// NearAny reports whether v is within Tolerance of any threshold.
func NearAny(v float64, thresholds []float64) bool {
	for _, t := range thresholds {
		if math.Abs(v-t) < Tolerance {
			return true
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
