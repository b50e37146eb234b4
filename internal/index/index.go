// Package index parses GRIB2 sidecar inventories (.idx files).
//
// Each inventory line has the form "<msg>:<offset>:<description>", where the
// description is itself colon-delimited, e.g.
//
//	12:4531622:d=2025112100:APTMP:2 m above ground:6 hour fcst:prob <273.14:prob fcst 255/255
package index

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoEntries is returned when an inventory contains no well-formed lines.
	ErrNoEntries = errors.New("index has no entries")
)

// Inventory line pattern: {msg}:{offset}:{description}
var linePattern = regexp.MustCompile(`^\s*(\d+):(\d+):(.*)$`)

// Entry is one GRIB2 message record from an inventory.
type Entry struct {
	Message     int    // 1-based message number
	Offset      int64  // absolute byte offset of the message in the remote file
	Description string // everything after "<msg>:<offset>:"
}

// Line renders the entry in inventory form.
func (e Entry) Line() string {
	return fmt.Sprintf("%d:%d:%s", e.Message, e.Offset, e.Description)
}

// ParseLine parses a single inventory line.
func ParseLine(line string) (Entry, bool) {
	m := linePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Entry{}, false
	}

	msg, err := strconv.Atoi(m[1])
	if err != nil {
		return Entry{}, false
	}
	offset, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	return Entry{Message: msg, Offset: offset, Description: m[3]}, true
}

// Parse converts inventory lines to entries ordered by message number.
// Malformed lines are skipped. Returns ErrNoEntries if nothing matched.
func Parse(lines []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
	}

	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Message < entries[j].Message
	})

	return entries, nil
}

// ParseReader reads an inventory from r.
func ParseReader(r io.Reader) ([]Entry, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return Parse(lines)
}

// ParseBytes parses an inventory held in memory.
func ParseBytes(data []byte) ([]Entry, error) {
	return ParseReader(bytes.NewReader(data))
}

// Write renders entries in inventory form, one per line.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.Line() + "\n"); err != nil {
			return fmt.Errorf("write index line %d: %w", e.Message, err)
		}
	}
	return bw.Flush()
}
