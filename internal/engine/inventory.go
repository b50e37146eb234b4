package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// writeInventory merges the batch's rows into the run's inventory file.
// Rows of refetched units replace their old rows. It returns the path, or
// "" when there was nothing to write.
func (e *Engine) writeInventory(p *product.Product, run cycle.Run, results []Result) (string, error) {
	type unitKey struct {
		fhr    int32
		member string
	}

	var fresh []tables.MessageRow
	replaced := make(map[unitKey]bool)
	for _, r := range results {
		if r.Outcome != OutcomeSuccess || len(r.Rows) == 0 {
			continue
		}
		fresh = append(fresh, r.Rows...)
		replaced[unitKey{int32(r.Unit.FHR), r.Unit.Member}] = true
	}
	if len(fresh) == 0 {
		return "", nil
	}

	path := filepath.Join(product.RunDir(e.cfg.OutputDir, run), tables.InventoryFile)

	existing, err := tables.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn("discarding unreadable inventory", "path", path, "error", err)
		existing = nil
	}

	rows := make([]tables.MessageRow, 0, len(existing)+len(fresh))
	for _, row := range existing {
		if !replaced[unitKey{row.ForecastHour, row.Member}] {
			rows = append(rows, row)
		}
	}
	rows = append(rows, fresh...)
	tables.SortRows(rows)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create inventory directory: %w", err)
	}
	if _, err := tables.WriteFile(path, rows, e.cfg.Parquet); err != nil {
		return "", err
	}
	return path, nil
}
