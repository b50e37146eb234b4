package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/fetch"
	"github.com/withObsrvr/grib-fetcher/internal/grib"
	"github.com/withObsrvr/grib-fetcher/internal/index"
	"github.com/withObsrvr/grib-fetcher/internal/lineage"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/selector"
	"github.com/withObsrvr/grib-fetcher/internal/storage"
	"github.com/withObsrvr/grib-fetcher/internal/tables"
)

// archive is a fake model archive serving GRIB files and their indexes.
type archive struct {
	mu        sync.Mutex
	files     map[string][]byte
	messages  map[string][][]byte // grib path -> framed messages
	failRange map[string]bool
	requests  int
}

func newArchive() *archive {
	return &archive{
		files:     make(map[string][]byte),
		messages:  make(map[string][][]byte),
		failRange: make(map[string]bool),
	}
}

func (a *archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests++
	data, ok := a.files[r.URL.Path]
	fail := a.failRange[r.URL.Path]
	a.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if fail && r.Header.Get("Range") != "" {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, path.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
}

func (a *archive) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

func (a *archive) resetRequests() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = 0
}

func gribPath(date, cc string, fhr int) string {
	return fmt.Sprintf("/%s/%s/test.f%03d.grib2", date, cc, fhr)
}

// addRun publishes three messages per forecast hour: two TMP and one UGRD.
func (a *archive) addRun(date, cc string, hours ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, fhr := range hours {
		descs := []string{
			fmt.Sprintf("d=%s%s:TMP:2 m above ground:%d hour fcst:", date, cc, fhr),
			fmt.Sprintf("d=%s%s:UGRD:10 m above ground:%d hour fcst:", date, cc, fhr),
			fmt.Sprintf("d=%s%s:TMP:850 mb:%d hour fcst:", date, cc, fhr),
		}

		var file, idx bytes.Buffer
		var msgs [][]byte
		for i, d := range descs {
			body := bytes.Repeat([]byte{byte(fhr*10 + i)}, 100*(i+1))
			msg := grib.Frame(0, body)
			fmt.Fprintf(&idx, "%d:%d:%s\n", i+1, file.Len(), d)
			file.Write(msg)
			msgs = append(msgs, msg)
		}

		p := gribPath(date, cc, fhr)
		a.files[p] = file.Bytes()
		a.files[p+".idx"] = idx.Bytes()
		a.messages[p] = msgs
	}
}

type fixture struct {
	archive *archive
	server  *httptest.Server
	dir     string
	engine  *Engine
	store   *storage.BlobStore
	cp      checkpoint.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	a := newArchive()
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: filepath.Join(dir, "checkpoints")})
	require.NoError(t, err)

	store := storage.NewMemStore("grib/")
	t.Cleanup(func() { store.Close() })

	em, err := lineage.NewEmitter(lineage.Config{Enabled: true, Dir: filepath.Join(dir, "lineage")})
	require.NoError(t, err)

	client := fetch.New(fetch.Config{
		Timeout:        5 * time.Second,
		MaxAttempts:    2,
		ProbeAttempts:  1,
		InitialBackoff: time.Millisecond,
		Multiplier:     1.6,
		MaxBackoff:     5 * time.Millisecond,
	}, srv.Client())

	e := New(Config{
		OutputDir:    filepath.Join(dir, "out"),
		Workers:      4,
		MaxRollbacks: 2,
		VerifyGRIB:   true,
		Inventory:    true,
		Parquet:      tables.DefaultParquetConfig(),
		Lineage:      em,
	}, client, store, cp)

	return &fixture{archive: a, server: srv, dir: dir, engine: e, store: store, cp: cp}
}

func (f *fixture) product(t *testing.T, name string, patterns ...string) *product.Product {
	t.Helper()
	if len(patterns) == 0 {
		patterns = []string{":TMP:"}
	}
	p, err := product.Compile(product.Definition{
		Name:     name,
		Cycles:   []int{0, 6, 12, 18},
		FHRWidth: 3,
		Hours:    product.Hours{From: 1, To: 3},
		URLs:     []string{f.server.URL + "/{{.Date}}/{{.Cycle}}/test.f{{.FHR}}.grib2"},
		Output:   name + ".t{{.Cycle}}z.f{{.FHR}}.subset.grib2",
		Patterns: patterns,
	})
	require.NoError(t, err)
	return p
}

func mustRun(t *testing.T, name, date string, cc int) cycle.Run {
	t.Helper()
	r, err := cycle.ParseRun(name, date, cc)
	require.NoError(t, err)
	return r
}

func partFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err == nil && strings.Contains(filepath.Base(p), ".part.") {
			found = append(found, p)
		}
		return nil
	})
	return found
}

func TestRunCycleSuccess(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test")
	ctx := context.Background()

	report, err := f.engine.RunCycle(ctx, p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Tally.Succeeded)
	assert.Equal(t, 0, report.Tally.Failed)
	assert.Equal(t, 0, report.Rollbacks)
	assert.Equal(t, 12, report.Run.Cycle)

	for _, fhr := range []int{1, 2, 3} {
		out := filepath.Join(f.dir, "out", "test", "20251201", "12", fmt.Sprintf("test.t12z.f%03d.subset.grib2", fhr))
		data, err := os.ReadFile(out)
		require.NoError(t, err)

		msgs := f.archive.messages[gribPath("20251201", "12", fhr)]
		want := append(append([]byte{}, msgs[0]...), msgs[2]...)
		assert.Equal(t, want, data, "artifact holds both TMP messages in source order")

		scanned, err := grib.Scan(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Len(t, scanned, 2)

		// Subset index describes the artifact itself
		idxData, err := os.ReadFile(out + ".idx")
		require.NoError(t, err)
		entries, err := index.ParseBytes(idxData)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(0), entries[0].Offset)
		assert.Equal(t, int64(len(msgs[0])), entries[1].Offset)
		assert.Contains(t, entries[1].Description, ":TMP:850 mb:")

		// Manifest
		raw, err := os.ReadFile(out + ".json")
		require.NoError(t, err)
		var m storage.Manifest
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, 2, m.Artifact.MessageCount)
		assert.Equal(t, int64(len(want)), m.Artifact.ByteSize)
		assert.Equal(t, fhr, m.Run.ForecastHour)
		assert.Equal(t, 3, m.Messages[1].Message, "source message number is kept")

		// Published
		ok, err := f.store.Exists(ctx, storage.ArtifactRef{Product: "test", Date: "20251201", Cycle: "12", Name: filepath.Base(out)})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	rows, err := tables.ReadFile(report.Inventory)
	require.NoError(t, err)
	assert.Len(t, rows, 6)

	cp, err := f.cp.Load(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, "20251201/12", cp.RunKey())
	assert.Equal(t, 3, cp.Succeeded)

	sum, ok := f.engine.Status().Get("test")
	require.True(t, ok)
	assert.False(t, sum.Running)
	assert.Equal(t, 3, sum.Succeeded)

	sink, err := lineage.NewFileSink(filepath.Join(f.dir, "lineage"))
	require.NoError(t, err)
	events, err := sink.Load("test")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, lineage.Verify(events))
	assert.Len(t, events[0].Artifacts, 3)
	assert.Equal(t, 12, events[0].Run.Cycle)
	for _, a := range events[0].Artifacts {
		assert.True(t, strings.HasPrefix(a.StoragePath, "mem://"), a.StoragePath)
		assert.Equal(t, 2, a.Messages)
	}

	assert.Empty(t, partFiles(t, f.dir))
}

func TestRunCycleSkipsExistingWithoutRequests(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test")
	ctx := context.Background()
	start := mustRun(t, "test", "20251201", 12)

	_, err := f.engine.RunCycle(ctx, p, start, Options{})
	require.NoError(t, err)

	f.archive.resetRequests()
	report, err := f.engine.RunCycle(ctx, p, start, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Tally.Skipped)
	assert.Equal(t, 0, report.Tally.Succeeded)
	assert.Equal(t, 0, f.archive.requestCount(), "existing outputs are not probed")

	// Forced refetch goes back to the archive
	report, err = f.engine.RunCycle(ctx, p, start, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Tally.Succeeded)
	assert.Greater(t, f.archive.requestCount(), 0)

	rows, err := tables.ReadFile(report.Inventory)
	require.NoError(t, err)
	assert.Len(t, rows, 6, "refetched units replace their inventory rows")
}

func TestRunCycleNoMatch(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test", ":NOPE:")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Tally.NoMatch)
	assert.Equal(t, "", report.Inventory)

	_, err = os.Stat(filepath.Join(f.dir, "out", "test", "20251201", "12", "test.t12z.f001.subset.grib2"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCycleFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	f.archive.failRange[gribPath("20251201", "12", 2)] = true
	p := f.product(t, "test")
	ctx := context.Background()

	report, err := f.engine.RunCycle(ctx, p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Tally.Succeeded)
	assert.Equal(t, 1, report.Tally.Failed)
	require.Len(t, report.Tally.Failures, 1)
	assert.Equal(t, 2, report.Tally.Failures[0].Unit.FHR)

	_, err = os.Stat(filepath.Join(f.dir, "out", "test", "20251201", "12", "test.t12z.f002.subset.grib2"))
	assert.True(t, os.IsNotExist(err), "failed unit leaves no artifact")
	assert.Empty(t, partFiles(t, f.dir))

	_, err = f.cp.Load(ctx, "test")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint, "no checkpoint for a batch with failures")
}

func TestRunCycleEmptyIndexFailsUnit(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	f.archive.files[gribPath("20251201", "12", 1)+".idx"] = []byte("not an index\n")
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Tally.Failed)
	for _, r := range report.Results {
		if r.Unit.FHR == 1 {
			assert.ErrorIs(t, r.Err, index.ErrNoEntries)
		}
	}
}

func TestRunCycleRollsBack(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "06", 1, 2, 3)
	f.archive.addRun("20251201", "12", 1, 2) // f003 not yet published
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)

	assert.Equal(t, 6, report.Run.Cycle)
	assert.Equal(t, 12, report.Requested.Cycle)
	assert.Equal(t, 1, report.Rollbacks)
	assert.Equal(t, 3, report.Tally.Succeeded)

	_, err = os.Stat(filepath.Join(f.dir, "out", "test", "20251201", "12"))
	assert.True(t, os.IsNotExist(err), "nothing is written for the abandoned run")
}

func TestRunCycleRollsBackAcrossDay(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251130", "18", 1, 2, 3)
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 0), Options{})
	require.NoError(t, err)

	assert.Equal(t, "20251130", report.Run.YMD())
	assert.Equal(t, 18, report.Run.Cycle)
}

func TestRunCycleRollbackExhausted(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cycle.ErrRollbackExhausted)
	assert.Equal(t, 2, report.Rollbacks)

	sum, ok := f.engine.Status().Get("test")
	require.True(t, ok)
	assert.NotEmpty(t, sum.Error)
}

func TestRunCyclePinnedNeverRollsBack(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "06", 1, 2, 3)
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{Pinned: true})
	assert.ErrorIs(t, err, cycle.ErrRollbackExhausted)
	assert.Equal(t, 0, report.Rollbacks)
}

func TestRunCycleHoursOption(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 2)
	p := f.product(t, "test")

	report, err := f.engine.RunCycle(context.Background(), p, mustRun(t, "test", "20251201", 12), Options{Hours: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tally.Succeeded)
	assert.Equal(t, 1, report.Tally.Total())
}

func TestRunCycleCancelled(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RunCycle(ctx, p, mustRun(t, "test", "20251201", 12), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test")
	ctx := context.Background()

	b, err := f.engine.prepare(ctx, p, mustRun(t, "test", "20251201", 12), Options{})
	require.NoError(t, err)
	require.Len(t, b.tasks, 3)

	b.selector = selector.Func(func(fhr int, e index.Entry) bool {
		if fhr == 2 {
			panic("boom")
		}
		return strings.Contains(e.Description, ":TMP:")
	})

	results := f.engine.execute(ctx, b)
	require.Len(t, results, 3)

	var tally Tally
	for _, r := range results {
		tally.Add(r)
		if r.Unit.FHR == 2 {
			assert.Equal(t, OutcomeFailure, r.Outcome)
			assert.Contains(t, r.Err.Error(), "panic: boom")
		}
	}
	assert.Equal(t, 2, tally.Succeeded)
	assert.Equal(t, 1, tally.Failed)
}

func TestRunMultipleProducts(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	a := f.product(t, "alpha")
	b := f.product(t, "beta", ":UGRD:")

	reports, err := f.engine.Run(context.Background(), []Request{
		{Product: a, Start: mustRun(t, "alpha", "20251201", 12)},
		{Product: b, Start: mustRun(t, "beta", "20251201", 12)},
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, "alpha", reports[0].Product)
	assert.Equal(t, 3, reports[0].Tally.Succeeded)
	assert.Equal(t, "beta", reports[1].Product)
	assert.Equal(t, 3, reports[1].Tally.Succeeded)

	all := f.engine.Status().All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Product)
}

func TestRunCycleRestoresMissingSidecars(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	p := f.product(t, "test")
	ctx := context.Background()
	start := mustRun(t, "test", "20251201", 12)

	_, err := f.engine.RunCycle(ctx, p, start, Options{})
	require.NoError(t, err)

	outDir := filepath.Join(f.dir, "out", "test", "20251201", "12")
	f1 := filepath.Join(outDir, "test.t12z.f001.subset.grib2")
	f2 := filepath.Join(outDir, "test.t12z.f002.subset.grib2")
	wantIdx, err := os.ReadFile(f1 + ".idx")
	require.NoError(t, err)

	require.NoError(t, os.Remove(f1+".idx"))
	require.NoError(t, os.Remove(f2+".json"))

	f.archive.resetRequests()
	report, err := f.engine.RunCycle(ctx, p, start, Options{})
	require.NoError(t, err)

	// The index comes back from the manifest; the unit without a manifest is refetched.
	assert.Equal(t, 2, report.Tally.Skipped)
	assert.Equal(t, 1, report.Tally.Succeeded)
	assert.Greater(t, f.archive.requestCount(), 0)

	gotIdx, err := os.ReadFile(f1 + ".idx")
	require.NoError(t, err)
	assert.Equal(t, string(wantIdx), string(gotIdx))

	raw, err := os.ReadFile(f2 + ".json")
	require.NoError(t, err)
	var m storage.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, 2, m.Run.ForecastHour)
	assert.Empty(t, partFiles(t, f.dir))
}

func TestRunDropsDuplicateProducts(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	a := f.product(t, "alpha")
	start := mustRun(t, "alpha", "20251201", 12)

	reports, err := f.engine.Run(context.Background(), []Request{
		{Product: a, Start: start},
		{Product: a, Start: start, Options: Options{Force: true}},
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 3, reports[0].Tally.Succeeded)
	assert.Empty(t, partFiles(t, f.dir))

	var leftovers []string
	filepath.Walk(filepath.Join(f.dir, "out"), func(p string, info os.FileInfo, err error) error {
		if err == nil && strings.Contains(filepath.Base(p), ".tmp") {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	assert.Empty(t, leftovers)
}

func TestRunReportsJoinedErrors(t *testing.T) {
	f := newFixture(t)
	f.archive.addRun("20251201", "12", 1, 2, 3)
	a := f.product(t, "alpha")
	b := f.product(t, "beta")

	reports, err := f.engine.Run(context.Background(), []Request{
		{Product: a, Start: mustRun(t, "alpha", "20251201", 12)},
		{Product: b, Start: mustRun(t, "beta", "20250101", 0), Options: Options{Pinned: true}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cycle.ErrRollbackExhausted))
	assert.Equal(t, 3, reports[0].Tally.Succeeded)
}

func TestTally(t *testing.T) {
	var tally Tally
	tally.Add(Result{Outcome: OutcomeSuccess})
	tally.Add(Result{Outcome: OutcomeSkipped})
	tally.Add(Result{Outcome: OutcomeNoMatch})
	tally.Add(Result{Outcome: OutcomeFailure, Err: errors.New("boom")})

	assert.Equal(t, 4, tally.Total())
	assert.False(t, tally.OK())
	require.Len(t, tally.Failures, 1)
	assert.Equal(t, "boom", tally.Failures[0].Reason)
	assert.Equal(t, "no_match", OutcomeNoMatch.String())
}
