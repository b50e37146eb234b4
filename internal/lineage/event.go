// Package lineage emits a tamper-evident record of every completed run.
// Each event carries the hash of the previous event for the same product,
// so a gap or an edit anywhere in the history breaks the chain.
package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	eventVersion = "1"
	eventType    = "grib_run"
)

// RunEvent describes one completed run and the artifacts it produced.
type RunEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run       RunInfo                 `json:"run"`
	Artifacts map[string]ArtifactInfo `json:"artifacts"`
	Inventory string                  `json:"inventory,omitempty"`
	Producer  ProducerInfo            `json:"producer"`
	Chain     ChainInfo               `json:"chain"`
}

// RunInfo identifies the run.
type RunInfo struct {
	Product   string `json:"product"`
	Date      string `json:"date"`
	Cycle     int    `json:"cycle"`
	Rollbacks int    `json:"rollbacks"`
	Succeeded int    `json:"succeeded"`
	Skipped   int    `json:"skipped"`
	NoMatch   int    `json:"no_match"`
}

// ArtifactInfo is keyed by unit in RunEvent.Artifacts.
type ArtifactInfo struct {
	Checksum    string `json:"checksum"`
	ByteSize    int64  `json:"byte_size"`
	Messages    int    `json:"messages"`
	StoragePath string `json:"storage_path"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey is the chain an event belongs to: one chain per product.
func (e *RunEvent) ChainKey() string {
	return e.Run.Product
}

// Seal stamps the event with an ID and links it after prevHash.
func (e *RunEvent) Seal(prevHash string) {
	e.Version = eventVersion
	e.EventType = eventType
	if e.EventID == "" {
		e.EventID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash hashes the event's JSON with EventHash cleared.
// encoding/json sorts map keys, so the encoding is stable.
func ComputeEventHash(e *RunEvent) string {
	c := *e
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Verify checks that events form an unbroken chain in order.
func Verify(events []*RunEvent) error {
	prev := ""
	for i, e := range events {
		if e.Chain.PrevEventHash != prev {
			return &ChainError{Index: i, EventID: e.EventID, Reason: "prev_event_hash does not match predecessor"}
		}
		if ComputeEventHash(e) != e.Chain.EventHash {
			return &ChainError{Index: i, EventID: e.EventID, Reason: "event_hash does not match contents"}
		}
		prev = e.Chain.EventHash
	}
	return nil
}

// ChainError reports where a chain breaks.
type ChainError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *ChainError) Error() string {
	return "lineage chain broken at event " + e.EventID + ": " + e.Reason
}
