// Package fetch performs HEAD, GET and ranged GET requests against model
// archives with bounded retries and geometric backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/withObsrvr/grib-fetcher/internal/metrics"
)

var (
	// ErrRangeIgnored is returned when a server answers a range request with
	// anything other than 206 and a Content-Range header.
	ErrRangeIgnored = errors.New("server did not honor range request")

	// ErrRangeMismatch is returned when Content-Range does not match the request.
	ErrRangeMismatch = errors.New("content-range does not match request")

	// ErrPartialBody is returned when a ranged body failed after some bytes
	// were already written to the destination.
	ErrPartialBody = errors.New("range body interrupted after partial write")

	// ErrNoContentLength is returned when a HEAD response carries no usable length.
	ErrNoContentLength = errors.New("missing content length")
)

// StatusError is a non-success HTTP status.
type StatusError struct {
	Op     string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Op, e.URL, e.Status)
}

// Config controls retry and transport behavior.
type Config struct {
	Timeout        time.Duration // per attempt
	MaxAttempts    int           // total attempts for HEAD/GET/ranged GET
	ProbeAttempts  int           // total attempts for availability probes
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	UserAgent      string
	ChunkSize      int
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		Timeout:        60 * time.Second,
		MaxAttempts:    5,
		ProbeAttempts:  2,
		InitialBackoff: time.Second,
		Multiplier:     1.6,
		MaxBackoff:     30 * time.Second,
		UserAgent:      "grib-fetcher/1.0",
		ChunkSize:      1 << 20,
	}
}

// Head is the result of a HEAD request.
type Head struct {
	URL           string
	ContentLength int64
	LastModified  string
	ETag          string
}

// Client is a retrying HTTP client for archive access.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a client. A nil httpClient uses a dedicated default client.
func New(cfg Config, httpClient *http.Client) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ProbeAttempts < 1 {
		cfg.ProbeAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  slog.With("component", "fetch"),
	}
}

// newBackOff builds the retry schedule: InitialBackoff * Multiplier^n, no
// jitter, at most attempts-1 retries.
func (c *Client) newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = c.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs op until it succeeds, returns a permanent error or the attempt
// budget is spent. The number of attempts made is returned with the error.
func (c *Client) retry(ctx context.Context, op string, url string, attempts int, fn func(ctx context.Context) error) (int, error) {
	made := 0
	operation := func() error {
		made++
		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return fn(actx)
	}

	notify := func(err error, wait time.Duration) {
		c.log.Debug("retrying request",
			"op", op,
			"url", url,
			"attempt", made,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: op})
		}
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx, attempts), notify)
	if m := metrics.Get(); m != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.IncRequests(metrics.Labels{Operation: op, Outcome: outcome})
	}
	if err != nil {
		return made, fmt.Errorf("%s %s after %d attempt(s): %w", op, url, made, err)
	}
	return made, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return req, nil
}

// Head issues a HEAD request and returns the remote size. A response without
// a length fails with ErrNoContentLength and is not retried.
func (c *Client) Head(ctx context.Context, url string) (Head, error) {
	h, err := c.head(ctx, url, c.cfg.MaxAttempts)
	if err != nil {
		return h, err
	}
	if h.ContentLength < 0 {
		return h, fmt.Errorf("head %s: %w", url, ErrNoContentLength)
	}
	return h, nil
}

// Probe checks that url exists using the probe attempt budget.
func (c *Client) Probe(ctx context.Context, url string) error {
	_, err := c.head(ctx, url, c.cfg.ProbeAttempts)
	return err
}

func (c *Client) head(ctx context.Context, url string, attempts int) (Head, error) {
	var h Head
	_, err := c.retry(ctx, "head", url, attempts, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodHead, url)
		if err != nil {
			return err
		}
		req.Header.Set("Accept-Encoding", "identity")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{Op: "head", URL: url, Status: resp.StatusCode}
		}

		size := resp.ContentLength
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if v, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				size = v
			}
		}

		h = Head{
			URL:           url,
			ContentLength: size,
			LastModified:  resp.Header.Get("Last-Modified"),
			ETag:          resp.Header.Get("ETag"),
		}
		return nil
	})
	return h, err
}

// Get downloads a whole resource. 200 and 206 are accepted. Gzip-encoded
// bodies are decoded.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	_, err := c.retry(ctx, "get", url, c.cfg.MaxAttempts, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, url)
		if err != nil {
			return err
		}
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			io.Copy(io.Discard, resp.Body)
			return &StatusError{Op: "get", URL: url, Status: resp.StatusCode}
		}

		var r io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return fmt.Errorf("open gzip body: %w", err)
			}
			defer zr.Close()
			r = zr
		}

		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = data
		return nil
	})
	return body, err
}

// GetRange streams bytes [start, end] of url into w and returns the number of
// bytes written. The response must be 206 with a matching Content-Range; a
// 200 means the server sent the whole file and is retried, never accepted.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64, w io.Writer) (int64, error) {
	var written int64
	_, err := c.retry(ctx, "get_range", url, c.cfg.MaxAttempts, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, url)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		req.Header.Set("Accept-Encoding", "identity")
		req.Header.Set("Connection", "close")
		req.Close = true

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("%w: HTTP %d", ErrRangeIgnored, resp.StatusCode)
		}
		cr := resp.Header.Get("Content-Range")
		if cr == "" {
			return fmt.Errorf("%w: no Content-Range header", ErrRangeIgnored)
		}
		gotStart, gotEnd, _, err := ParseContentRange(cr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if gotStart != start || gotEnd != end {
			return backoff.Permanent(fmt.Errorf("%w: asked %d-%d, got %q", ErrRangeMismatch, start, end, cr))
		}

		buf := make([]byte, c.cfg.ChunkSize)
		n, err := io.CopyBuffer(w, resp.Body, buf)
		written += n
		if err != nil {
			if written > 0 {
				return backoff.Permanent(fmt.Errorf("%w: %d bytes: %v", ErrPartialBody, written, err))
			}
			return fmt.Errorf("read range body: %w", err)
		}
		return nil
	})

	if m := metrics.Get(); m != nil && written > 0 {
		m.AddBytesFetched(float64(written))
	}
	return written, err
}

// ParseContentRange parses "bytes start-end/total". total is -1 when "*".
func ParseContentRange(v string) (start, end, total int64, err error) {
	var totalStr string
	if _, err = fmt.Sscanf(v, "bytes %d-%d/%s", &start, &end, &totalStr); err != nil {
		return 0, 0, 0, fmt.Errorf("parse content-range %q: %w", v, err)
	}
	total = -1
	if totalStr != "*" {
		if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("parse content-range total %q: %w", v, err)
		}
	}
	return start, end, total, nil
}
