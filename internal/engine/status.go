package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/cycle"
)

// Summary is the JSON view of a product's latest batch.
type Summary struct {
	Product    string    `json:"product"`
	Running    bool      `json:"running"`
	Requested  string    `json:"requested,omitempty"`
	Run        string    `json:"run,omitempty"`
	Rollbacks  int       `json:"rollbacks"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	NoMatch    int       `json:"no_match"`
	Failed     int       `json:"failed"`
	Failures   []string  `json:"failures,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Status tracks the latest batch of every product.
type Status struct {
	mu        sync.RWMutex
	summaries map[string]Summary
}

// NewStatus creates an empty tracker.
func NewStatus() *Status {
	return &Status{summaries: make(map[string]Summary)}
}

// Start marks a product's batch as running.
func (s *Status) Start(product string, requested cycle.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[product] = Summary{
		Product:   product,
		Running:   true,
		Requested: requested.String(),
		StartedAt: time.Now().UTC(),
	}
}

// Finish records a finished batch.
func (s *Status) Finish(r *Report, err error) {
	sum := Summary{
		Product:    r.Product,
		Requested:  r.Requested.String(),
		Rollbacks:  r.Rollbacks,
		Succeeded:  r.Tally.Succeeded,
		Skipped:    r.Tally.Skipped,
		NoMatch:    r.Tally.NoMatch,
		Failed:     r.Tally.Failed,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if !r.Run.Date.IsZero() {
		sum.Run = r.Run.String()
	}
	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	for _, f := range r.Tally.Failures {
		sum.Failures = append(sum.Failures, f.Unit.Key()+": "+f.Reason)
	}
	if err != nil {
		sum.Error = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[r.Product] = sum
}

// Get returns the latest summary for a product.
func (s *Status) Get(product string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[product]
	return sum, ok
}

// All returns every summary sorted by product.
func (s *Status) All() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}
