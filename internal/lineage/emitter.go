package lineage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Config selects where lineage events go.
type Config struct {
	Enabled  bool
	Dir      string // local copies and chain heads
	Endpoint string // optional HTTP collector
	Timeout  time.Duration
}

// Emitter records run events.
type Emitter interface {
	Emit(ctx context.Context, evt *RunEvent) error
	Close() error
}

// NewEmitter builds an emitter for cfg. Without an endpoint, events are
// only written to Dir.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return noopEmitter{}, nil
	}

	chain, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, err
	}
	files, err := NewFileSink(cfg.Dir)
	if err != nil {
		return nil, err
	}

	e := &chainEmitter{chain: chain, files: files}
	if cfg.Endpoint != "" {
		e.http = NewHTTPSink(cfg.Endpoint, cfg.Timeout)
		log.Printf("[lineage] emitting to %s (copies in %s)", cfg.Endpoint, cfg.Dir)
	} else {
		log.Printf("[lineage] emitting to %s", cfg.Dir)
	}
	return e, nil
}

// chainEmitter links each event to the previous one for its product and
// writes it to every sink. The chain head only advances once every sink
// has accepted the event.
type chainEmitter struct {
	mu    sync.Mutex
	chain *ChainTracker
	files *FileSink
	http  *HTTPSink
}

func (e *chainEmitter) Emit(ctx context.Context, evt *RunEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := evt.ChainKey()
	prev, err := e.chain.Head(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.Seal(prev)

	if e.http != nil {
		if err := e.http.Post(ctx, evt); err != nil {
			return fmt.Errorf("lineage emit failed: %w", err)
		}
	}
	if err := e.files.Save(evt); err != nil {
		return err
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		return fmt.Errorf("update chain head: %w", err)
	}
	return nil
}

func (e *chainEmitter) Close() error {
	return nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *RunEvent) error { return nil }
func (noopEmitter) Close() error                          { return nil }
