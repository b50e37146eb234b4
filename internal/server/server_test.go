package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/engine"
)

type fakeStatus struct {
	summaries map[string]engine.Summary
}

func (f fakeStatus) All() []engine.Summary {
	var out []engine.Summary
	for _, s := range f.summaries {
		out = append(out, s)
	}
	return out
}

func (f fakeStatus) Get(product string) (engine.Summary, bool) {
	s, ok := f.summaries[product]
	return s, ok
}

type fakeCheckpoints map[string]*checkpoint.Checkpoint

func (f fakeCheckpoints) Checkpoint(ctx context.Context, product string) (*checkpoint.Checkpoint, error) {
	if cp, ok := f[product]; ok {
		return cp, nil
	}
	return nil, checkpoint.ErrNoCheckpoint
}

func newTestServer() *httptest.Server {
	status := fakeStatus{summaries: map[string]engine.Summary{
		"rrfs": {Product: "rrfs", Run: "rrfs 20251201/06z", Succeeded: 12, Failed: 1},
	}}
	cps := fakeCheckpoints{
		"href": {Product: "href", Date: "20251130", Cycle: 12, CompletedAt: time.Now()},
	}
	s := NewServer(Config{Address: ":0"}, status, cps)
	return httptest.NewServer(s.Handler())
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	var all []engine.Summary
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &all))
	require.Len(t, all, 1)
	assert.Equal(t, 12, all[0].Succeeded)
}

func TestProductStatus(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	var rrfs productStatus
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/rrfs", &rrfs))
	assert.Equal(t, 1, rrfs.Failed)
	assert.Nil(t, rrfs.Checkpoint)

	var href productStatus
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/href", &href))
	require.NotNil(t, href.Checkpoint)
	assert.Equal(t, "20251130/12", href.Checkpoint.RunKey())

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/status/refs", nil))
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
