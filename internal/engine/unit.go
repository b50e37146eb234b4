package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/assemble"
	"github.com/withObsrvr/grib-fetcher/internal/index"
	"github.com/withObsrvr/grib-fetcher/internal/logging"
	"github.com/withObsrvr/grib-fetcher/internal/metrics"
	"github.com/withObsrvr/grib-fetcher/internal/planner"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/storage"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// assembler builds an artifact from planned ranges.
type assembler interface {
	Assemble(ctx context.Context, url string, ranges []planner.ByteRange, outPath string) (*assemble.Artifact, error)
}

// processUnit is the lifecycle of one unit:
//  1. Fetch and parse the remote index
//  2. Select messages
//  3. HEAD the GRIB file for its size and plan ranges
//  4. Assemble the artifact
//  5. Write the subset index and manifest sidecars
//  6. Publish to the object store
//  7. Build inventory rows
func (e *Engine) processUnit(ctx context.Context, workerID int, b *batch, asm assembler, task unitTask) Result {
	u := task.Unit
	log := logging.UnitLogger(logging.CorrelationID(ctx), u.Run.Product, u.Run.YMD(), u.Run.Cycle, u.FHR, u.Member).
		With("worker_id", workerID)
	labels := metrics.Labels{Product: u.Run.Product}

	m := metrics.Get()
	if m != nil {
		m.IncInFlight()
		defer m.DecInFlight()
	}

	startTime := time.Now()
	res := Result{Unit: u, Path: task.OutPath}
	fail := func(err error) Result {
		res.Outcome = OutcomeFailure
		res.Err = err
		res.Duration = time.Since(startTime)
		log.Warn("unit failed", "url", task.GribURL, "error", err)
		if m != nil {
			labels.Outcome = res.Outcome.String()
			m.IncUnits(labels)
		}
		return res
	}

	log.Debug("processing unit", "url", task.GribURL)

	// Step 1: Remote index
	data, err := e.client.Get(ctx, task.IndexURL)
	if err != nil {
		return fail(fmt.Errorf("fetch index: %w", err))
	}
	entries, err := index.ParseBytes(data)
	if err != nil {
		return fail(fmt.Errorf("parse index %s: %w", task.IndexURL, err))
	}

	// Step 2: Selection
	selected := planner.Select(entries, func(en index.Entry) bool {
		return b.selector.Match(u.FHR, en)
	})
	if len(selected) == 0 {
		res.Outcome = OutcomeNoMatch
		res.Duration = time.Since(startTime)
		log.Info("no matching messages", "entries", len(entries))
		if m != nil {
			labels.Outcome = res.Outcome.String()
			m.IncUnits(labels)
		}
		return res
	}

	// Step 3: Size and plan
	head, err := e.client.Head(ctx, task.GribURL)
	if err != nil {
		return fail(fmt.Errorf("head grib: %w", err))
	}
	ranges, err := planner.Plan(selected, entries, head.ContentLength)
	if err != nil {
		return fail(fmt.Errorf("plan ranges: %w", err))
	}

	// Step 4: Assemble
	art, err := asm.Assemble(ctx, task.GribURL, ranges, task.OutPath)
	if errors.Is(err, assemble.ErrExists) {
		res.Outcome = OutcomeSkipped
		res.Duration = time.Since(startTime)
		log.Info("artifact appeared while fetching, skipping")
		return res
	}
	if err != nil {
		return fail(fmt.Errorf("assemble: %w", err))
	}

	// Step 5: Sidecars
	indexPath, err := assemble.WriteSubsetIndex(art)
	if err != nil {
		return fail(err)
	}
	manifest := buildManifest(u, task, head.ContentLength, head.LastModified, art)
	manifestData, err := manifest.MarshalJSON()
	if err != nil {
		return fail(fmt.Errorf("marshal manifest: %w", err))
	}
	if err := assemble.WriteFileAtomic(task.OutPath+".json", manifestData); err != nil {
		return fail(err)
	}

	// Step 6: Publish
	if !storage.IsNoop(e.store) {
		ref := artifactRef(u, art.Path)
		pub, err := e.store.Publish(ctx, ref, storage.Files{
			ArtifactPath: art.Path,
			IndexPath:    indexPath,
			Manifest:     manifest,
		})
		if err != nil {
			if m != nil {
				m.IncStorageErrors(metrics.Labels{Backend: e.store.Backend()})
			}
			return fail(fmt.Errorf("publish: %w", err))
		}
		res.URI = pub.URI
		log.Debug("artifact published", "uri", pub.URI)
	}

	// Step 7: Inventory rows
	res.Rows = tables.ExtractRows(tables.UnitInfo{
		Product:      u.Run.Product,
		RunDate:      u.Run.YMD(),
		Cycle:        u.Run.Cycle,
		ForecastHour: u.FHR,
		Member:       u.Member,
	}, tables.ArtifactInfo{
		Name:      filepath.Base(art.Path),
		Checksum:  art.Checksum,
		SourceURL: task.GribURL,
		FetchedAt: art.CreatedAt,
	}, art.Ranges)

	res.Outcome = OutcomeSuccess
	res.Artifact = art
	res.Duration = time.Since(startTime)

	log.Info("unit complete",
		"messages", len(art.Ranges),
		"bytes", art.Size,
		"source_bytes", head.ContentLength,
		"duration_ms", res.Duration.Milliseconds(),
	)

	if m != nil {
		labels.Outcome = res.Outcome.String()
		m.IncUnits(labels)
		m.ObserveUnitDuration(labels, res.Duration.Seconds())
		m.ObserveArtifactBytes(labels, float64(art.Size))
	}

	return res
}

// buildManifest creates the manifest for an assembled artifact.
func buildManifest(u product.Unit, task unitTask, sourceSize int64, lastModified string, art *assemble.Artifact) *storage.Manifest {
	messages := make([]storage.MessageInfo, len(art.Ranges))
	var offset int64
	for i, r := range art.Ranges {
		messages[i] = storage.MessageInfo{
			Message:     r.Message,
			SourceStart: r.Start,
			SourceEnd:   r.End,
			Offset:      offset,
			Description: r.Description,
		}
		offset += r.Len()
	}

	return &storage.Manifest{
		Artifact: storage.ArtifactInfo{
			File:         filepath.Base(art.Path),
			Checksum:     art.Checksum,
			ByteSize:     art.Size,
			MessageCount: len(art.Ranges),
		},
		Run: storage.RunInfo{
			Product:      u.Run.Product,
			Date:         u.Run.YMD(),
			Cycle:        u.Run.CC(),
			ForecastHour: u.FHR,
			Member:       u.Member,
		},
		Source: storage.SourceInfo{
			GribURL:       task.GribURL,
			IndexURL:      task.IndexURL,
			ContentLength: sourceSize,
			LastModified:  lastModified,
		},
		Messages: messages,
		Producer: storage.ProducerInfo{
			Name:    "grib-fetcher",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: art.CreatedAt,
	}
}

func artifactRef(u product.Unit, path string) storage.ArtifactRef {
	return storage.ArtifactRef{
		Product: u.Run.Product,
		Date:    u.Run.YMD(),
		Cycle:   u.Run.CC(),
		Name:    filepath.Base(path),
	}
}

// restoreSidecars checks that an artifact found on disk still has both
// sidecars. A missing subset index is rebuilt from the manifest. It reports
// false when the manifest is gone, in which case the unit is fetched again.
func (e *Engine) restoreSidecars(u product.Unit, outPath string) bool {
	data, err := os.ReadFile(outPath + ".json")
	if err != nil {
		e.log.Warn("existing artifact has no manifest, refetching", "unit", u.Key(), "error", err)
		return false
	}
	if _, ok := assemble.Exists(outPath + ".idx"); ok {
		return true
	}

	var manifest storage.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil || len(manifest.Messages) == 0 {
		e.log.Warn("unusable manifest for existing artifact, refetching", "unit", u.Key(), "error", err)
		return false
	}
	art := &assemble.Artifact{Path: outPath, Ranges: make([]planner.ByteRange, len(manifest.Messages))}
	for i, msg := range manifest.Messages {
		art.Ranges[i] = planner.ByteRange{
			Start:       msg.SourceStart,
			End:         msg.SourceEnd,
			Message:     msg.Message,
			Description: msg.Description,
		}
	}
	if _, err := assemble.WriteSubsetIndex(art); err != nil {
		e.log.Warn("failed to restore subset index, refetching", "unit", u.Key(), "error", err)
		return false
	}
	e.log.Info("subset index restored", "unit", u.Key())
	return true
}

// ensurePublished uploads an artifact found on disk if the store lacks it.
// Errors are logged; the unit still counts as skipped.
func (e *Engine) ensurePublished(ctx context.Context, p *product.Product, u product.Unit, outPath string) {
	if storage.IsNoop(e.store) {
		return
	}

	ref := artifactRef(u, outPath)
	exists, err := e.store.Exists(ctx, ref)
	if err != nil {
		e.log.Warn("store existence check failed", "unit", u.Key(), "error", err)
		return
	}
	if exists {
		return
	}

	files := storage.Files{ArtifactPath: outPath}
	if _, ok := assemble.Exists(outPath + ".idx"); ok {
		files.IndexPath = outPath + ".idx"
	}
	if data, err := os.ReadFile(outPath + ".json"); err == nil {
		var manifest storage.Manifest
		if err := json.Unmarshal(data, &manifest); err == nil {
			files.Manifest = &manifest
		}
	}
	if _, err := e.store.Publish(ctx, ref, files); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(metrics.Labels{Backend: e.store.Backend()})
		}
		e.log.Warn("failed to publish existing artifact", "unit", u.Key(), "product", p.Name(), "error", err)
		return
	}
	e.log.Info("published existing artifact", "unit", u.Key())
}
