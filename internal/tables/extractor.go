package tables

import (
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/index"
	"github.com/withObsrvr/grib-fetcher/internal/planner"
)

// UnitInfo identifies the unit an artifact belongs to.
type UnitInfo struct {
	Product      string
	RunDate      string
	Cycle        int
	ForecastHour int
	Member       string
}

// ArtifactInfo describes the assembled artifact.
type ArtifactInfo struct {
	Name      string
	Checksum  string
	SourceURL string
	FetchedAt time.Time
}

// ExtractRows builds one row per range in artifact order.
// Ranges must already be sorted by start offset.
func ExtractRows(u UnitInfo, art ArtifactInfo, ranges []planner.ByteRange) []MessageRow {
	rows := make([]MessageRow, 0, len(ranges))
	var offset int64
	for i, r := range ranges {
		f := index.Entry{Message: r.Message, Offset: r.Start, Description: r.Description}.Fields()
		rows = append(rows, MessageRow{
			Product:       u.Product,
			RunDate:       u.RunDate,
			Cycle:         int32(u.Cycle),
			ForecastHour:  int32(u.ForecastHour),
			Member:        u.Member,
			Message:       int32(i + 1),
			Offset:        offset,
			Length:        r.Len(),
			SourceMessage: int32(r.Message),
			SourceStart:   r.Start,
			SourceEnd:     r.End,
			Variable:      f.Var,
			Level:         f.Level,
			TimeRange:     f.TimeRange,
			Details:       f.Details,
			Artifact:      art.Name,
			Checksum:      art.Checksum,
			SourceURL:     art.SourceURL,
			FetchedAt:     art.FetchedAt.UTC(),
		})
		offset += r.Len()
	}
	return rows
}
