// Package planner turns selected inventory entries into byte ranges.
package planner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/withObsrvr/grib-fetcher/internal/index"
)

var (
	// ErrNoContentLength is returned when the remote size is unknown or zero.
	ErrNoContentLength = errors.New("remote file size unknown")

	// ErrUnknownMessage is returned when a selected entry is not in the full index.
	ErrUnknownMessage = errors.New("selected message not in index")
)

// ByteRange is an inclusive span of a remote file holding one message.
type ByteRange struct {
	Start       int64
	End         int64
	Message     int
	Description string
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// String formats the range as an HTTP Range header value.
func (r ByteRange) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Plan computes the byte range of every selected entry. The end of each range
// is the next message's offset in the full index minus one, or totalSize-1 for
// the last message. Ranges are returned sorted by Start.
func Plan(selected, full []index.Entry, totalSize int64) ([]ByteRange, error) {
	if totalSize <= 0 {
		return nil, ErrNoContentLength
	}

	position := make(map[int]int, len(full))
	for i, e := range full {
		position[e.Message] = i
	}

	seen := make(map[int]bool, len(selected))
	ranges := make([]ByteRange, 0, len(selected))
	for _, sel := range selected {
		if seen[sel.Message] {
			continue
		}
		seen[sel.Message] = true

		i, ok := position[sel.Message]
		if !ok {
			return nil, fmt.Errorf("%w: message %d", ErrUnknownMessage, sel.Message)
		}

		start := full[i].Offset
		end := totalSize - 1
		if i+1 < len(full) {
			end = full[i+1].Offset - 1
		}

		if start > end {
			return nil, fmt.Errorf("message %d: empty range %d-%d", sel.Message, start, end)
		}

		ranges = append(ranges, ByteRange{
			Start:       start,
			End:         end,
			Message:     sel.Message,
			Description: full[i].Description,
		})
	}

	SortByStart(ranges)
	return ranges, nil
}

// SortByStart orders ranges by ascending start offset.
func SortByStart(ranges []ByteRange) {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
}

// Total returns the summed length of ranges.
func Total(ranges []ByteRange) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// Select returns entries for which match reports true, in index order.
func Select(entries []index.Entry, match func(index.Entry) bool) []index.Entry {
	var out []index.Entry
	for _, e := range entries {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}
