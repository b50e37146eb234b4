// Package cycle resolves which model run to fetch and steps back through
// earlier runs when the expected one is not published.
package cycle

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrRollbackExhausted is returned when the rollback budget is spent.
	ErrRollbackExhausted = errors.New("rollback limit reached")

	// ErrInvalidSchedule is returned for an empty or out-of-range cycle list.
	ErrInvalidSchedule = errors.New("invalid cycle schedule")
)

const dateLayout = "20060102"

// Run identifies one model run.
type Run struct {
	Product string
	Date    time.Time // UTC midnight
	Cycle   int       // hour of day
}

// NewRun builds a run, truncating date to UTC midnight.
func NewRun(product string, date time.Time, cycle int) Run {
	d := date.UTC()
	return Run{
		Product: product,
		Date:    time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
		Cycle:   cycle,
	}
}

// ParseRun parses a YYYYMMDD date and a cycle hour.
func ParseRun(product, date string, cycle int) (Run, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return Run{}, fmt.Errorf("parse run date %q: %w", date, err)
	}
	if cycle < 0 || cycle > 23 {
		return Run{}, fmt.Errorf("cycle %d out of range", cycle)
	}
	return NewRun(product, d, cycle), nil
}

// YMD returns the run date as YYYYMMDD.
func (r Run) YMD() string {
	return r.Date.Format(dateLayout)
}

// CC returns the cycle as two digits.
func (r Run) CC() string {
	return fmt.Sprintf("%02d", r.Cycle)
}

// Time returns the nominal start time of the run.
func (r Run) Time() time.Time {
	return r.Date.Add(time.Duration(r.Cycle) * time.Hour)
}

// String formats the run as "product YYYYMMDD/CCz".
func (r Run) String() string {
	return fmt.Sprintf("%s %s/%sz", r.Product, r.YMD(), r.CC())
}

// Before reports whether r started before o.
func (r Run) Before(o Run) bool {
	return r.Time().Before(o.Time())
}

// Schedule is a product's enumerated cycle set.
type Schedule struct {
	cycles   []int
	lag      time.Duration
	cycleLag map[int]time.Duration // overrides lag for single cycles
}

// NewSchedule validates and sorts cycles. lag is subtracted from the clock
// before bucketing, for products published well after their nominal time.
func NewSchedule(cycles []int, lag time.Duration) (Schedule, error) {
	if len(cycles) == 0 {
		return Schedule{}, fmt.Errorf("%w: no cycles", ErrInvalidSchedule)
	}

	seen := make(map[int]bool, len(cycles))
	sorted := make([]int, 0, len(cycles))
	for _, c := range cycles {
		if c < 0 || c > 23 {
			return Schedule{}, fmt.Errorf("%w: cycle %d", ErrInvalidSchedule, c)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		sorted = append(sorted, c)
	}
	sort.Ints(sorted)

	if lag < 0 {
		return Schedule{}, fmt.Errorf("%w: negative lag %s", ErrInvalidSchedule, lag)
	}

	return Schedule{cycles: sorted, lag: lag}, nil
}

// WithCycleLags returns a copy of s where each listed cycle uses its own
// publication lag instead of the schedule-wide one.
func (s Schedule) WithCycleLags(lags map[int]time.Duration) (Schedule, error) {
	if len(lags) == 0 {
		return s, nil
	}
	out := s
	out.cycleLag = make(map[int]time.Duration, len(s.cycleLag)+len(lags))
	for c, l := range s.cycleLag {
		out.cycleLag[c] = l
	}
	for c, l := range lags {
		if !s.Contains(c) {
			return Schedule{}, fmt.Errorf("%w: lag for cycle %d which is not scheduled", ErrInvalidSchedule, c)
		}
		if l < 0 {
			return Schedule{}, fmt.Errorf("%w: negative lag %s for cycle %d", ErrInvalidSchedule, l, c)
		}
		out.cycleLag[c] = l
	}
	return out, nil
}

// Synoptic returns the 00/06/12/18 schedule.
func Synoptic() Schedule {
	s, _ := NewSchedule([]int{0, 6, 12, 18}, 0)
	return s
}

// Hourly returns the 00..23 schedule.
func Hourly() Schedule {
	cycles := make([]int, 24)
	for i := range cycles {
		cycles[i] = i
	}
	s, _ := NewSchedule(cycles, 0)
	return s
}

// Cycles returns the enumerated cycles in ascending order.
func (s Schedule) Cycles() []int {
	out := make([]int, len(s.cycles))
	copy(out, s.cycles)
	return out
}

// Lag returns the schedule-wide publication lag.
func (s Schedule) Lag() time.Duration {
	return s.lag
}

// LagFor returns the publication lag of one cycle.
func (s Schedule) LagFor(cycle int) time.Duration {
	if l, ok := s.cycleLag[cycle]; ok {
		return l
	}
	return s.lag
}

// Contains reports whether cycle is enumerated.
func (s Schedule) Contains(cycle int) bool {
	for _, c := range s.cycles {
		if c == cycle {
			return true
		}
	}
	return false
}

// Current returns the latest enumerated run whose nominal time plus its
// cycle's lag is at or before now.
func (s Schedule) Current(product string, now time.Time) Run {
	now = now.UTC()
	r := Run{Product: product, Date: NewRun(product, now, 0).Date, Cycle: s.cycles[len(s.cycles)-1]}
	for r.Time().Add(s.LagFor(r.Cycle)).After(now) {
		r = s.Previous(r)
	}
	return r
}

// Previous returns the chronological predecessor of r. A cycle that is not
// enumerated maps to the latest enumerated cycle before it.
func (s Schedule) Previous(r Run) Run {
	for i := len(s.cycles) - 1; i >= 0; i-- {
		if s.cycles[i] < r.Cycle {
			return Run{Product: r.Product, Date: r.Date, Cycle: s.cycles[i]}
		}
	}
	return Run{Product: r.Product, Date: r.Date.AddDate(0, 0, -1), Cycle: s.cycles[len(s.cycles)-1]}
}

// Resolver tracks the run being attempted and how far it has rolled back.
type Resolver struct {
	schedule     Schedule
	maxRollbacks int
	current      Run
	rollbacks    int
}

// NewResolver starts at run and allows at most maxRollbacks steps back.
func NewResolver(schedule Schedule, start Run, maxRollbacks int) *Resolver {
	if maxRollbacks < 0 {
		maxRollbacks = 0
	}
	return &Resolver{
		schedule:     schedule,
		maxRollbacks: maxRollbacks,
		current:      start,
	}
}

// Current returns the run being attempted.
func (r *Resolver) Current() Run {
	return r.current
}

// Rollbacks returns how many times the resolver has stepped back.
func (r *Resolver) Rollbacks() int {
	return r.rollbacks
}

// Rollback moves to the previous run. It returns ErrRollbackExhausted and
// leaves the state unchanged once the budget is spent.
func (r *Resolver) Rollback() (Run, error) {
	if r.rollbacks >= r.maxRollbacks {
		return r.current, fmt.Errorf("%w: %d rollback(s) from %s", ErrRollbackExhausted, r.rollbacks, r.current)
	}
	r.current = r.schedule.Previous(r.current)
	r.rollbacks++
	return r.current, nil
}
