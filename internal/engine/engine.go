// Package engine runs selective GRIB2 fetches for whole model cycles:
// it resolves an available run, fans units out to a worker pool and
// collects per-unit outcomes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/assemble"
	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/fetch"
	"github.com/withObsrvr/grib-fetcher/internal/lineage"
	"github.com/withObsrvr/grib-fetcher/internal/logging"
	"github.com/withObsrvr/grib-fetcher/internal/metrics"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/storage"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Config controls the engine.
type Config struct {
	OutputDir    string
	Workers      int
	MaxRollbacks int
	VerifyGRIB   bool
	Inventory    bool
	Parquet      tables.ParquetConfig
	Lineage      lineage.Emitter // nil disables run events
}

// Engine orchestrates cycle fetches.
type Engine struct {
	cfg        Config
	client     *fetch.Client
	store      storage.Store
	checkpoint checkpoint.Manager
	status     *Status
	log        *slog.Logger
}

// New creates an engine. A nil store or checkpoint manager disables that
// concern.
func New(cfg Config, client *fetch.Client, store storage.Store, cp checkpoint.Manager) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRollbacks < 0 {
		cfg.MaxRollbacks = 0
	}
	if store == nil {
		store, _ = storage.NewStore(storage.StorageConfig{Backend: "none"})
	}
	if cp == nil {
		cp, _ = checkpoint.NewManager(checkpoint.Config{})
	}

	return &Engine{
		cfg:        cfg,
		client:     client,
		store:      store,
		checkpoint: cp,
		status:     NewStatus(),
		log:        logging.Component("engine"),
	}
}

// Status returns the engine's live status tracker.
func (e *Engine) Status() *Status {
	return e.status
}

// Checkpoint returns the last clean run recorded for a product.
func (e *Engine) Checkpoint(ctx context.Context, name string) (*checkpoint.Checkpoint, error) {
	return e.checkpoint.Load(ctx, name)
}

// Run fetches several products concurrently. Every product gets its own
// report; errors are joined. A product named twice runs once, with the
// first request's options.
func (e *Engine) Run(ctx context.Context, reqs []Request) ([]*Report, error) {
	reqs = uniqueRequests(reqs, e.log)
	reports := make([]*Report, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			reports[i], errs[i] = e.RunCycle(ctx, req.Product, req.Start, req.Options)
		}(i, req)
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}

// uniqueRequests drops requests for a product already requested. Two
// cycles of one product would write the same output paths.
func uniqueRequests(reqs []Request, log *slog.Logger) []Request {
	seen := make(map[string]bool, len(reqs))
	out := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		name := req.Product.Name()
		if seen[name] {
			log.Warn("duplicate product request dropped", "product", name)
			continue
		}
		seen[name] = true
		out = append(out, req)
	}
	return out
}

// RunCycle fetches every unit of a product's cycle. If some forecast hour
// has no reachable candidate, it steps back one cycle and starts over, up to
// the rollback bound. A pinned run never rolls back.
func (e *Engine) RunCycle(ctx context.Context, p *product.Product, start cycle.Run, opts Options) (*Report, error) {
	maxRollbacks := e.cfg.MaxRollbacks
	if opts.Pinned {
		maxRollbacks = 0
	}
	resolver := cycle.NewResolver(p.Schedule(), start, maxRollbacks)

	report := &Report{
		Product:   p.Name(),
		Requested: start,
		StartedAt: time.Now().UTC(),
	}
	labels := metrics.Labels{Product: p.Name()}
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	e.status.Start(p.Name(), start)

	for {
		run := resolver.Current()
		log := logging.RunLogger(correlationID, p.Name(), run.YMD(), run.Cycle)

		b, err := e.prepare(ctx, p, run, opts)
		if err != nil {
			e.status.Finish(report, err)
			return report, err
		}

		if b.unavailable != nil {
			next, err := resolver.Rollback()
			if err != nil {
				err = fmt.Errorf("%s: forecast hour %d unavailable: %w", run, b.unavailable.FHR, err)
				log.Error("no available run", "rollbacks", resolver.Rollbacks(), "error", err)
				report.Run = run
				report.Rollbacks = resolver.Rollbacks()
				e.status.Finish(report, err)
				return report, err
			}
			log.Warn("run not available, rolling back",
				"fhr", b.unavailable.FHR,
				"next_date", next.YMD(),
				"next_cycle", next.Cycle,
			)
			if m := metrics.Get(); m != nil {
				m.IncRollbacks(labels)
			}
			continue
		}

		report.Run = run
		report.Rollbacks = resolver.Rollbacks()

		log.Info("starting batch",
			"units", len(b.tasks)+len(b.skipped),
			"to_fetch", len(b.tasks),
			"skipped", len(b.skipped),
			"workers", e.cfg.Workers,
		)

		results := append(b.skipped, e.execute(ctx, b)...)
		for _, r := range results {
			report.Tally.Add(r)
		}
		report.Results = results
		report.FinishedAt = time.Now().UTC()

		if e.cfg.Inventory {
			path, err := e.writeInventory(p, run, results)
			if err != nil {
				log.Warn("failed to write inventory", "error", err)
			}
			report.Inventory = path
		}

		e.finishBatch(ctx, report, log)
		e.status.Finish(report, nil)

		return report, ctx.Err()
	}
}

// finishBatch records metrics and the checkpoint for a completed batch.
func (e *Engine) finishBatch(ctx context.Context, report *Report, log *slog.Logger) {
	t := report.Tally
	labels := metrics.Labels{Product: report.Product}
	elapsed := report.FinishedAt.Sub(report.StartedAt)

	log.Info("batch complete",
		"succeeded", t.Succeeded,
		"skipped", t.Skipped,
		"no_match", t.NoMatch,
		"failed", t.Failed,
		"rollbacks", report.Rollbacks,
		"duration_ms", elapsed.Milliseconds(),
	)
	for _, f := range t.Failures {
		log.Warn("unit failed", "unit", f.Unit.Key(), "reason", f.Reason)
	}

	if m := metrics.Get(); m != nil {
		m.ObserveBatchDuration(labels, elapsed.Seconds())
		if t.OK() {
			m.SetLastSuccess(labels, float64(report.FinishedAt.Unix()))
		}
	}

	if !t.OK() || ctx.Err() != nil {
		return
	}

	cp := &checkpoint.Checkpoint{
		Product:     report.Product,
		Date:        report.Run.YMD(),
		Cycle:       report.Run.Cycle,
		Rollbacks:   report.Rollbacks,
		Succeeded:   t.Succeeded,
		Skipped:     t.Skipped,
		NoMatch:     t.NoMatch,
		Failed:      t.Failed,
		CompletedAt: report.FinishedAt,
	}
	if err := e.checkpoint.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}

	if e.cfg.Lineage != nil {
		evt := runEvent(report)
		if err := e.cfg.Lineage.Emit(ctx, evt); err != nil {
			log.Warn("failed to emit lineage event", "error", err)
		} else {
			log.Debug("lineage event emitted", "event_id", evt.EventID, "event_hash", evt.Chain.EventHash)
		}
	}
}

// runEvent describes a clean batch for the lineage chain. Skipped units
// are counted but carry no artifact.
func runEvent(report *Report) *lineage.RunEvent {
	evt := &lineage.RunEvent{
		Run: lineage.RunInfo{
			Product:   report.Product,
			Date:      report.Run.YMD(),
			Cycle:     report.Run.Cycle,
			Rollbacks: report.Rollbacks,
			Succeeded: report.Tally.Succeeded,
			Skipped:   report.Tally.Skipped,
			NoMatch:   report.Tally.NoMatch,
		},
		Artifacts: make(map[string]lineage.ArtifactInfo),
		Inventory: report.Inventory,
		Producer:  lineage.ProducerInfo{Name: "grib-fetcher", Version: Version, GitSHA: GitSHA},
	}
	for _, r := range report.Results {
		if r.Artifact == nil {
			continue
		}
		where := r.URI
		if where == "" {
			where = r.Artifact.Path
		}
		evt.Artifacts[r.Unit.Key()] = lineage.ArtifactInfo{
			Checksum:    r.Artifact.Checksum,
			ByteSize:    r.Artifact.Size,
			Messages:    len(r.Artifact.Ranges),
			StoragePath: where,
		}
	}
	return evt
}

// newAssembler returns an assembler for one batch.
func (e *Engine) newAssembler(force bool) *assemble.Assembler {
	return assemble.New(e.client, assemble.Options{
		VerifyGRIB: e.cfg.VerifyGRIB,
		Force:      force,
	})
}
