package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.ProbeAttempts = 1
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	cfg.ChunkSize = 7
	return cfg
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func contentServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.grib2", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHead(t *testing.T) {
	srv := contentServer(t, payload(2000))
	c := New(testConfig(), srv.Client())

	h, err := c.Head(context.Background(), srv.URL+"/file.grib2")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), h.ContentLength)
}

func TestHeadRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	h, err := c.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(42), h.ContentLength)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestProbeUsesProbeBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	err := c.Probe(context.Background(), srv.URL+"/missing.idx")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetDecodesGzip(t *testing.T) {
	const text = "1:0:d=2025112100:TMP:2 m above ground:anl:\n2:100:d=2025112100:RH:2 m above ground:anl:\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte(text))
		zw.Close()
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, text, string(body))
}

func TestGetRangeStreamsExactBytes(t *testing.T) {
	data := payload(2000)
	srv := contentServer(t, data)
	c := New(testConfig(), srv.Client())

	var buf bytes.Buffer
	n, err := c.GetRange(context.Background(), srv.URL, 500, 1199, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(700), n)
	assert.Equal(t, data[500:1200], buf.Bytes())
}

func TestGetRangeRejectsFullResponse(t *testing.T) {
	var calls int32
	data := payload(300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Ignore the Range header and send everything.
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	var buf bytes.Buffer
	_, err := c.GetRange(context.Background(), srv.URL, 10, 19, &buf)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRangeIgnored))
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetRangeRequiresContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload(10))
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	_, err := c.GetRange(context.Background(), srv.URL, 0, 9, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrRangeIgnored))
}

func TestGetRangeMismatchIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload(10))
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	_, err := c.GetRange(context.Background(), srv.URL, 20, 29, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrRangeMismatch))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// truncatingServer answers every ranged GET with a 206 whose body stops after
// sent bytes, then drops the connection.
func truncatingServer(t *testing.T, calls *int32, sent int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Range", "bytes 0-799/1000")
		w.Header().Set("Content-Length", "800")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload(sent))
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetRangeTruncatedBodyIsNotRetried(t *testing.T) {
	var calls int32
	srv := truncatingServer(t, &calls, 300)

	c := New(testConfig(), srv.Client())
	var buf bytes.Buffer
	n, err := c.GetRange(context.Background(), srv.URL, 0, 799, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialBody), "got %v", err)
	assert.Equal(t, int64(300), n)
	assert.Equal(t, 300, buf.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHeadWithoutLength(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(), srv.Client())
	_, err := c.Head(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrNoContentLength), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Probe only needs existence.
	assert.NoError(t, c.Probe(context.Background(), srv.URL))
}

func TestGetRangeHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 50
	cfg.InitialBackoff = time.Second
	c := New(cfg, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetRange(ctx, srv.URL, 0, 9, &bytes.Buffer{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParseContentRange(t *testing.T) {
	s, e, total, err := ParseContentRange("bytes 500-1199/2000")
	require.NoError(t, err)
	assert.Equal(t, []int64{500, 1199, 2000}, []int64{s, e, total})

	_, _, total, err = ParseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	_, _, _, err = ParseContentRange("items 1-2")
	assert.Error(t, err)
}
