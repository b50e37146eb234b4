// Package assemble writes selected byte ranges of a remote GRIB2 file into a
// compact local file, promoting it to its final name only when complete.
package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/grib-fetcher/internal/grib"
	"github.com/withObsrvr/grib-fetcher/internal/planner"
)

var (
	// ErrExists is returned when the output is already present and non-empty.
	ErrExists = errors.New("artifact already exists")

	// ErrShortRange is returned when a range delivers a different byte count
	// than requested.
	ErrShortRange = errors.New("range byte count mismatch")

	// ErrNoRanges is returned when there is nothing to assemble.
	ErrNoRanges = errors.New("no ranges to assemble")
)

// RangeFetcher streams one inclusive byte range of url into w.
type RangeFetcher interface {
	GetRange(ctx context.Context, url string, start, end int64, w io.Writer) (int64, error)
}

// Options controls assembly behavior.
type Options struct {
	VerifyGRIB bool // check every range is one framed GRIB2 message
	Force      bool // replace an existing output instead of skipping
}

// Artifact describes a promoted output file.
type Artifact struct {
	Path      string
	Size      int64
	Checksum  string // "sha256:<hex>"
	Ranges    []planner.ByteRange
	SourceURL string
	CreatedAt time.Time
}

// Assembler builds compact artifacts from ranged requests.
type Assembler struct {
	fetcher RangeFetcher
	opts    Options
	log     *slog.Logger
}

// New creates an assembler.
func New(fetcher RangeFetcher, opts Options) *Assembler {
	return &Assembler{
		fetcher: fetcher,
		opts:    opts,
		log:     slog.With("component", "assemble"),
	}
}

// Exists reports whether path is a non-empty regular file.
func Exists(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
		return 0, false
	}
	return fi.Size(), true
}

// Assemble fetches ranges from url in ascending start order and writes them
// to outPath. An existing non-empty outPath is left alone and ErrExists is
// returned without any request being made, unless Force is set.
func (a *Assembler) Assemble(ctx context.Context, url string, ranges []planner.ByteRange, outPath string) (*Artifact, error) {
	if !a.opts.Force {
		if _, ok := Exists(outPath); ok {
			return nil, fmt.Errorf("%s: %w", outPath, ErrExists)
		}
	}
	if len(ranges) == 0 {
		return nil, ErrNoRanges
	}

	ordered := make([]planner.ByteRange, len(ranges))
	copy(ordered, ranges)
	planner.SortByStart(ordered)

	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := outPath + ".part." + uuid.New().String()
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	size, checksum, err := a.writeRanges(ctx, f, url, ordered)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file %s: %w", tempPath, cerr)
	}
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := promote(tempPath, outPath); err != nil {
		return nil, err
	}

	a.log.Debug("artifact promoted", "path", outPath, "bytes", size, "messages", len(ordered))

	return &Artifact{
		Path:      outPath,
		Size:      size,
		Checksum:  checksum,
		Ranges:    ordered,
		SourceURL: url,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// writeRanges streams every range to f, verifying each byte count.
func (a *Assembler) writeRanges(ctx context.Context, f *os.File, url string, ranges []planner.ByteRange) (int64, string, error) {
	hasher := sha256.New()
	var (
		total int64
		check grib.MessageCheck
	)

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}

		var w io.Writer = io.MultiWriter(f, hasher)
		if a.opts.VerifyGRIB {
			check.Reset()
			w = io.MultiWriter(f, hasher, &check)
		}

		n, err := a.fetcher.GetRange(ctx, url, r.Start, r.End, w)
		if err != nil {
			return 0, "", fmt.Errorf("fetch message %d (%s): %w", r.Message, r, err)
		}
		if n != r.Len() {
			return 0, "", fmt.Errorf("%w: message %d (%s) got %d of %d bytes", ErrShortRange, r.Message, r, n, r.Len())
		}
		if a.opts.VerifyGRIB {
			if err := check.Err(); err != nil {
				return 0, "", fmt.Errorf("message %d (%s): %w", r.Message, r, err)
			}
		}
		total += n
	}

	if err := f.Sync(); err != nil {
		return 0, "", fmt.Errorf("sync temp file: %w", err)
	}

	return total, "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// promote replaces outPath with tempPath.
func promote(tempPath, outPath string) error {
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		os.Remove(tempPath)
		return fmt.Errorf("remove existing %s: %w", outPath, err)
	}
	if err := os.Rename(tempPath, outPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, outPath, err)
	}
	return nil
}

// WriteFileAtomic writes data to path through a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp." + uuid.New().String()
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
