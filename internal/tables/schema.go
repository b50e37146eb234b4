// Package tables defines the per-run message inventory written next to
// assembled artifacts.
package tables

import (
	"time"
)

// InventoryFile is the name of the inventory written into each run directory.
const InventoryFile = "inventory.parquet"

// MessageRow is one GRIB2 message copied into an artifact.
type MessageRow struct {
	// Unit identity
	Product      string `parquet:"product"`
	RunDate      string `parquet:"run_date"` // YYYYMMDD
	Cycle        int32  `parquet:"cycle"`
	ForecastHour int32  `parquet:"forecast_hour"`
	Member       string `parquet:"member,optional"`

	// Position in the artifact
	Message int32 `parquet:"message"` // 1-based
	Offset  int64 `parquet:"offset"`
	Length  int64 `parquet:"length"`

	// Position in the source file
	SourceMessage int32 `parquet:"source_message"`
	SourceStart   int64 `parquet:"source_start"`
	SourceEnd     int64 `parquet:"source_end"` // inclusive

	// Parsed index description
	Variable  string `parquet:"variable"`
	Level     string `parquet:"level"`
	TimeRange string `parquet:"time_range"`
	Details   string `parquet:"details"`

	// Artifact metadata
	Artifact  string    `parquet:"artifact"`
	Checksum  string    `parquet:"checksum"` // of the whole artifact
	SourceURL string    `parquet:"source_url"`
	FetchedAt time.Time `parquet:"fetched_at,timestamp(millisecond)"`
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "zstd",
	}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
