package engine

import (
	"fmt"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/assemble"
	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// Outcome is the terminal state of one unit.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped         // output already present, counted with successes
	OutcomeNoMatch         // index had no message the selector wanted
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a worker reports for one unit.
type Result struct {
	Unit     product.Unit
	Outcome  Outcome
	Path     string
	URI      string // object store location, empty when not published
	Artifact *assemble.Artifact
	Rows     []tables.MessageRow
	Err      error
	Duration time.Duration
}

// UnitFailure records why a unit failed.
type UnitFailure struct {
	Unit   product.Unit
	Reason string
}

// Tally counts unit outcomes for one batch.
type Tally struct {
	Succeeded int
	Skipped   int
	NoMatch   int
	Failed    int
	Failures  []UnitFailure
}

// Add counts a result.
func (t *Tally) Add(r Result) {
	switch r.Outcome {
	case OutcomeSuccess:
		t.Succeeded++
	case OutcomeSkipped:
		t.Skipped++
	case OutcomeNoMatch:
		t.NoMatch++
	default:
		t.Failed++
		reason := "unknown error"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		t.Failures = append(t.Failures, UnitFailure{Unit: r.Unit, Reason: reason})
	}
}

// Total returns the number of units counted.
func (t Tally) Total() int {
	return t.Succeeded + t.Skipped + t.NoMatch + t.Failed
}

// OK reports whether no unit failed.
func (t Tally) OK() bool {
	return t.Failed == 0
}

// Options adjust one cycle run.
type Options struct {
	Pinned bool  // the run was chosen by the operator; never roll back
	Hours  []int // restrict to these forecast hours
	Force  bool  // refetch units whose output already exists
}

// Request asks for one product to be fetched starting at Start.
type Request struct {
	Product *product.Product
	Start   cycle.Run
	Options Options
}

// Report summarizes one product's batch.
type Report struct {
	Product    string
	Requested  cycle.Run
	Run        cycle.Run
	Rollbacks  int
	Tally      Tally
	Results    []Result
	Inventory  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// unitTask is sent to workers for processing.
type unitTask struct {
	Unit     product.Unit
	GribURL  string
	IndexURL string
	OutPath  string
	Force    bool // replace an output left without its manifest
}
