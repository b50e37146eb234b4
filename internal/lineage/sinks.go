package lineage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FileSink writes one JSON file per event under dir/<product>/.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "./lineage"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lineage dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Save writes evt as <date>T<cycle>_<event id>.json.
func (f *FileSink) Save(evt *RunEvent) error {
	dir := filepath.Join(f.dir, evt.Run.Product)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create lineage dir: %w", err)
	}
	name := fmt.Sprintf("%sT%02d_%s.json", evt.Run.Date, evt.Run.Cycle, evt.EventID)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a product's saved events ordered by timestamp.
func (f *FileSink) Load(product string) ([]*RunEvent, error) {
	dir := filepath.Join(f.dir, product)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var events []*RunEvent
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, err
		}
		var evt RunEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", de.Name(), err)
		}
		events = append(events, &evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// HTTPSink posts events to a collector.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	attempts uint64
	initial  time.Duration
}

// NewHTTPSink returns a sink posting JSON to endpoint.
func NewHTTPSink(endpoint string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		initial:  time.Second,
	}
}

// Post sends evt, retrying transport errors and 5xx responses.
func (h *HTTPSink) Post(ctx context.Context, evt *RunEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.initial
	var bo backoff.BackOff = backoff.WithMaxRetries(eb, h.attempts-1)
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := h.post(ctx, body)
		if err != nil {
			log.Printf("[lineage] attempt %d/%d failed: %v", attempt, h.attempts, err)
		}
		return err
	}, bo)
}

func (h *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}
