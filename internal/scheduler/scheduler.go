// Package scheduler triggers product fetches on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/withObsrvr/grib-fetcher/internal/logging"
)

// ErrBusy is returned by Trigger while the product's previous job runs.
var ErrBusy = errors.New("job already running")

// Job fetches one product.
type Job func(ctx context.Context, product string) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule validates a cron schedule expression.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler runs one job per product on its schedule. A product's job never
// overlaps with itself; a tick that lands while it runs is skipped.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	entries map[string]cron.EntryID
	busy    map[string]*sync.Mutex
	log     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every schedule and registers the jobs. Schedules are
// interpreted in UTC, the time zone model cycles are named in.
func New(schedules map[string]string, job Job) (*Scheduler, error) {
	if len(schedules) == 0 {
		return nil, errors.New("no schedules configured")
	}

	log := logging.Component("scheduler")
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		job:     job,
		entries: make(map[string]cron.EntryID, len(schedules)),
		busy:    make(map[string]*sync.Mutex, len(schedules)),
		log:     log,
		ctx:     context.Background(),
	}

	for _, product := range sortedKeys(schedules) {
		expr := schedules[product]
		if err := ValidateSchedule(expr); err != nil {
			return nil, fmt.Errorf("schedule for %s: %w", product, err)
		}

		product := product
		s.busy[product] = &sync.Mutex{}
		id, err := s.cron.AddFunc(expr, func() {
			if err := s.Trigger(s.context(), product); err != nil && !errors.Is(err, ErrBusy) {
				s.log.Error("scheduled fetch failed", "product", product, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("register schedule for %s: %w", product, err)
		}
		s.entries[product] = id
	}

	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing jobs. Jobs receive a context that is cancelled when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, product := range s.Products() {
		if next, ok := s.Next(product); ok {
			s.log.Info("scheduled", "product", product, "next", next.Format(time.RFC3339))
		}
	}
	s.cron.Start()
}

// Stop halts the scheduler, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Trigger runs a product's job now unless it is already running.
func (s *Scheduler) Trigger(ctx context.Context, product string) error {
	lock, ok := s.busy[product]
	if !ok {
		return fmt.Errorf("no schedule for product %q", product)
	}
	if !lock.TryLock() {
		s.log.Warn("previous fetch still running, skipping tick", "product", product)
		return ErrBusy
	}
	defer lock.Unlock()

	start := time.Now()
	s.log.Info("fetch started", "product", product)
	err := s.job(ctx, product)
	s.log.Info("fetch finished", "product", product, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return err
}

// Next returns the next fire time of a product's schedule.
func (s *Scheduler) Next(product string) (time.Time, bool) {
	id, ok := s.entries[product]
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if e.Next.IsZero() {
		return e.Schedule.Next(time.Now().UTC()), true
	}
	return e.Next, true
}

// Products returns the scheduled product names, sorted.
func (s *Scheduler) Products() []string {
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
