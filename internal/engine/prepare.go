package engine

import (
	"context"
	"fmt"

	"github.com/withObsrvr/grib-fetcher/internal/assemble"
	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/selector"
)

// batch is one run's worth of work after probing.
type batch struct {
	product     *product.Product
	run         cycle.Run
	selector    selector.Selector
	force       bool
	tasks       []unitTask
	skipped     []Result
	unavailable *product.Unit // first unit with no reachable candidate
}

// prepare expands run into units, skips those already on disk with their
// sidecars and probes the rest. Probing stops at the first unit whose candidates all fail.
func (e *Engine) prepare(ctx context.Context, p *product.Product, run cycle.Run, opts Options) (*batch, error) {
	hours := opts.Hours
	if len(hours) == 0 {
		var err error
		if hours, err = p.Hours(run.Cycle); err != nil {
			return nil, fmt.Errorf("%s: %w", run, err)
		}
	}

	sel, err := p.Selector(run.Cycle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", run, err)
	}

	b := &batch{product: p, run: run, selector: sel, force: opts.Force}

	for _, u := range p.Units(run, hours) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outPath, err := p.OutputPath(e.cfg.OutputDir, u)
		if err != nil {
			return nil, err
		}

		refetch := false
		if !opts.Force {
			if _, ok := assemble.Exists(outPath); ok {
				if e.restoreSidecars(u, outPath) {
					e.ensurePublished(ctx, p, u, outPath)
					b.skipped = append(b.skipped, Result{Unit: u, Outcome: OutcomeSkipped, Path: outPath})
					continue
				}
				refetch = true
			}
		}

		task, ok, err := e.probe(ctx, p, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			unit := u
			b.unavailable = &unit
			return b, nil
		}
		task.OutPath = outPath
		task.Force = refetch
		b.tasks = append(b.tasks, task)
	}

	return b, nil
}

// probe returns the first candidate whose index answers a HEAD request.
func (e *Engine) probe(ctx context.Context, p *product.Product, u product.Unit) (unitTask, bool, error) {
	urls, err := p.URLs(u)
	if err != nil {
		return unitTask{}, false, err
	}

	for _, gribURL := range urls {
		indexURL := p.IndexURL(gribURL)
		if err := e.client.Probe(ctx, indexURL); err != nil {
			if ctx.Err() != nil {
				return unitTask{}, false, ctx.Err()
			}
			e.log.Debug("candidate unavailable", "unit", u.Key(), "url", indexURL, "error", err)
			continue
		}
		return unitTask{Unit: u, GribURL: gribURL, IndexURL: indexURL}, true, nil
	}

	return unitTask{}, false, nil
}
