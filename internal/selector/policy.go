package selector

import (
	"fmt"
	"sort"

	"github.com/withObsrvr/grib-fetcher/internal/index"
)

// Thresholds used by the NBM QMD policy. Temperatures are K, precipitation mm.
var (
	AptmpAbove  = []float64{310.928, 313.706, 316.483}
	AptmpBelow  = []float64{273.14, 270.928, 255.372}
	TmpMinBelow = []float64{273.15, 270.928, 260.928}
	TmpMax      = []float64{273.15, 305.372, 310.928}
	Apcp24And48 = []float64{76.2, 127.0, 152.4, 203.2}
	Apcp72      = []float64{76.2, 127.0, 203.2, 254.0}
	Percentiles = []int{10, 25, 50, 75, 90, 95, 100}
)

// Apparent temperature probabilities are wanted hourly from f001 to f047.
const aptmpMaxHour = 47

// HourPolicy is the per-cycle table of which derived NBM products are wanted
// at each forecast hour. Values are immutable once returned by HoursFor.
type HourPolicy struct {
	cycle  int
	aptmp  hourSet
	tmpMin hourSet
	tmpMax hourSet
	gust   hourSet
	apcp24 hourSet
	apcp48 hourSet
	apcp72 hourSet

	aptmpWarm bool // select apparent temperature exceedance too
}

type hourSet map[int]bool

func setOf(hours ...int) hourSet {
	s := make(hourSet, len(hours))
	for _, h := range hours {
		s[h] = true
	}
	return s
}

func stepped(from, to, step int) []int {
	var out []int
	for h := from; h < to; h += step {
		out = append(out, h)
	}
	return out
}

// cycleHours holds the per-cycle hour lists that vary between cycles.
type cycleHours struct {
	tmpMin, tmpMax, gust []int
	apcp48, apcp72       []int
}

var nbmCycleHours = map[int]cycleHours{
	0:  {tmpMin: []int{18, 42}, tmpMax: []int{30}, gust: []int{30}, apcp48: []int{48}},
	6:  {tmpMin: []int{36}, tmpMax: []int{24, 48}, gust: []int{24}},
	12: {tmpMin: []int{30}, tmpMax: []int{18, 42}, gust: []int{42}, apcp48: []int{48}},
	18: {tmpMin: []int{24, 48}, tmpMax: []int{36}, gust: []int{36}},
}

// HoursFor returns the hour policy for an NBM cycle (0, 6, 12 or 18).
func HoursFor(cycle int) (HourPolicy, error) {
	ch, ok := nbmCycleHours[cycle]
	if !ok {
		return HourPolicy{}, fmt.Errorf("unsupported NBM cycle %02d", cycle)
	}

	aptmp := make([]int, 0, aptmpMaxHour)
	for h := 1; h <= aptmpMaxHour; h++ {
		aptmp = append(aptmp, h)
	}

	return HourPolicy{
		cycle:  cycle,
		aptmp:  setOf(aptmp...),
		tmpMin: setOf(ch.tmpMin...),
		tmpMax: setOf(ch.tmpMax...),
		gust:   setOf(ch.gust...),
		apcp24: setOf(stepped(24, 48, 6)...),
		apcp48: setOf(ch.apcp48...),
		apcp72: setOf(ch.apcp72...),
	}, nil
}

// WithWarmApparentTemp returns a copy of p that also selects the apparent
// temperature exceedance probabilities.
func (p HourPolicy) WithWarmApparentTemp() HourPolicy {
	p.aptmpWarm = true
	return p
}

// Cycle returns the cycle the policy was built for.
func (p HourPolicy) Cycle() int {
	return p.cycle
}

// Hours returns the sorted union of all forecast hours the policy wants.
func (p HourPolicy) Hours() []int {
	all := make(hourSet)
	for _, s := range []hourSet{p.aptmp, p.tmpMin, p.tmpMax, p.gust, p.apcp24, p.apcp48, p.apcp72} {
		for h := range s {
			all[h] = true
		}
	}
	out := make([]int, 0, len(all))
	for h := range all {
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

// Match reports whether the entry is one of the products wanted at fhr.
func (p HourPolicy) Match(fhr int, e index.Entry) bool {
	f := e.Fields()
	tr, _ := ParseTimeRange(f.TimeRange)

	if p.aptmp[fhr] && p.apparentTemp(f, tr, fhr) {
		return true
	}
	if p.tmpMin[fhr] && p.tmpMinProb(f, tr, fhr) {
		return true
	}
	if p.tmpMax[fhr] && p.tmpMaxProb(f, tr, fhr) {
		return true
	}
	if p.gust[fhr] && gustMedian(f, tr, fhr) {
		return true
	}
	if p.apcp24[fhr] && (apcpProb(f, tr, fhr, 24, Apcp24And48) || apcpPercentile(f, tr, fhr, 24)) {
		return true
	}
	if p.apcp48[fhr] && (apcpProb(f, tr, fhr, 48, Apcp24And48) || apcpPercentile(f, tr, fhr, 48)) {
		return true
	}
	if p.apcp72[fhr] && (apcpProb(f, tr, fhr, 72, Apcp72) || apcpPercentile(f, tr, fhr, 72)) {
		return true
	}
	return false
}

const twoMetre = "2 m above ground"

func (p HourPolicy) apparentTemp(f index.Fields, tr TimeRange, fhr int) bool {
	if f.Var != "APTMP" || f.Level != twoMetre {
		return false
	}
	if tr.End != fhr || tr.Kind != KindFcst {
		return false
	}
	sign, v, ok := ParseProbability(f.Details)
	if !ok {
		return false
	}
	if sign == '>' {
		return p.aptmpWarm && NearAny(v, AptmpAbove)
	}
	return NearAny(v, AptmpBelow)
}

func (p HourPolicy) tmpMinProb(f index.Fields, tr TimeRange, fhr int) bool {
	if f.Var != "TMP" || f.Level != twoMetre {
		return false
	}
	if tr.End != fhr || tr.Kind != KindMin {
		return false
	}
	sign, v, ok := ParseProbability(f.Details)
	return ok && sign == '<' && NearAny(v, TmpMinBelow)
}

func (p HourPolicy) tmpMaxProb(f index.Fields, tr TimeRange, fhr int) bool {
	if f.Var != "TMP" || f.Level != twoMetre {
		return false
	}
	if tr.End != fhr || tr.Kind != KindMax {
		return false
	}
	_, v, ok := ParseProbability(f.Details)
	return ok && NearAny(v, TmpMax)
}

func gustMedian(f index.Fields, tr TimeRange, fhr int) bool {
	if f.Var != "GUST" || f.Level != "10 m above ground" {
		return false
	}
	if tr.End != fhr || tr.Kind != KindMax {
		return false
	}
	pct, ok := ParsePercentile(f.Details)
	return ok && pct == 50
}

func apcpWindow(f index.Fields, tr TimeRange, fhr, window int) bool {
	return f.Var == "APCP" && f.Level == "surface" &&
		tr.End == fhr && tr.Kind == KindAcc && tr.Window() == window
}

func apcpProb(f index.Fields, tr TimeRange, fhr, window int, thresholds []float64) bool {
	if !apcpWindow(f, tr, fhr, window) {
		return false
	}
	sign, v, ok := ParseProbability(f.Details)
	return ok && sign == '>' && NearAny(v, thresholds)
}

func apcpPercentile(f index.Fields, tr TimeRange, fhr, window int) bool {
	if !apcpWindow(f, tr, fhr, window) {
		return false
	}
	pct, ok := ParsePercentile(f.Details)
	if !ok {
		return false
	}
	for _, want := range Percentiles {
		if pct == want {
			return true
		}
	}
	return false
}
