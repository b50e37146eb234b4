package assemble

import (
	"bytes"
	"fmt"

	"github.com/withObsrvr/grib-fetcher/internal/index"
)

// SubsetIndex returns index entries describing the artifact's own layout:
// messages renumbered from 1 with offsets into the artifact.
func (a *Artifact) SubsetIndex() []index.Entry {
	entries := make([]index.Entry, len(a.Ranges))
	sizes := make([]int64, len(a.Ranges))
	for i, r := range a.Ranges {
		entries[i] = index.Entry{Message: r.Message, Offset: r.Start, Description: r.Description}
		sizes[i] = r.Len()
	}
	return index.Rebase(entries, sizes)
}

// WriteSubsetIndex writes "<artifact>.idx" and returns its path.
func WriteSubsetIndex(a *Artifact) (string, error) {
	var buf bytes.Buffer
	if err := index.Write(&buf, a.SubsetIndex()); err != nil {
		return "", fmt.Errorf("render subset index: %w", err)
	}

	path := a.Path + ".idx"
	if err := WriteFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}
