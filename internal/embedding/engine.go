// Package embedding maps text to fixed-dimension L2-normalized vectors using
// an in-process inference runtime. No network I/O happens on any path.
//
// The engine layers an LRU cache and a batching coalescer over a Model.
// Concurrent Embed calls within the batching window share one inference
// call; a failure in the shared call surfaces to every coalesced caller.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/logging"
)

// Options configures the engine.
type Options struct {
	BatchSize    int           // max texts per inference call (default 16)
	BatchLatency time.Duration // max coalescing wait (default 10ms)
	CacheSize    int           // LRU capacity (default 500)
}

// Engine is the embedding pipeline: cache in front, batcher behind.
type Engine struct {
	model Model
	cache *lru.Cache[string, []float32]

	requests chan *request
	done     chan struct{}

	batchSize    int
	batchLatency time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type request struct {
	ctx    context.Context
	text   string
	result chan result
}

type result struct {
	vec []float32
	err error
}

// NewEngine creates an engine over the given model and starts the batching
// worker.
func NewEngine(model Model, opts Options) (*Engine, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.BatchLatency <= 0 {
		opts.BatchLatency = 10 * time.Millisecond
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 500
	}
	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		model:        model,
		cache:        cache,
		requests:     make(chan *request, opts.BatchSize*4),
		done:         make(chan struct{}),
		batchSize:    opts.BatchSize,
		batchLatency: opts.BatchLatency,
	}
	go e.batchLoop()
	return e, nil
}

// Close stops the batching worker without waiting for it. A batch the worker
// is collecting is still flushed; requests still queued are not served.
func (e *Engine) Close() {
	close(e.done)
}

// Dimensions returns the model's vector dimension.
func (e *Engine) Dimensions() int { return e.model.Dimensions() }

// ModelVersion returns the model version tag used for cache keying and for
// stamping extracted entities.
func (e *Engine) ModelVersion() string { return e.model.Version() }

// CacheStats returns hit/miss counters.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.hits.Load(), e.misses.Load()
}

func (e *Engine) cacheKey(text string) string {
	h := sha256.Sum256([]byte(e.model.Version() + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// Embed returns the vector for text. Empty text yields the zero vector.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return vec, nil
	}
	e.misses.Add(1)

	req := &request{ctx: ctx, text: text, result: make(chan result, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, "embedding canceled", ctx.Err())
	}

	select {
	case r := <-req.result:
		if r.err != nil {
			return nil, r.err
		}
		e.cache.Add(key, r.vec)
		return r.vec, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, "embedding canceled", ctx.Err())
	}
}

// EmbedBatch embeds texts preserving order. A single failure fails the batch.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// batchLoop coalesces concurrent requests into shared inference calls.
func (e *Engine) batchLoop() {
	for {
		select {
		case <-e.done:
			return
		case first := <-e.requests:
			batch := []*request{first}
			timer := time.NewTimer(e.batchLatency)
		collect:
			for len(batch) < e.batchSize {
				select {
				case req := <-e.requests:
					batch = append(batch, req)
				case <-timer.C:
					break collect
				case <-e.done:
					timer.Stop()
					e.flush(batch)
					return
				}
			}
			timer.Stop()
			e.flush(batch)
		}
	}
}

func (e *Engine) flush(batch []*request) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}
	// The shared call runs under the first caller's context; cancellation of
	// one coalesced caller must not abort work for the others, so Background
	// is used when the batch has more than one member.
	ctx := batch[0].ctx
	if len(batch) > 1 {
		ctx = context.Background()
	}
	vecs, err := e.model.Infer(ctx, texts)
	if err != nil {
		shared := errs.Wrap(errs.KindEmbedding, "inference failed", err)
		for _, req := range batch {
			req.result <- result{err: shared}
		}
		return
	}
	for i, req := range batch {
		req.result <- result{vec: vecs[i]}
	}
}

// warmupCorpus seeds caches and hot paths with common query shapes.
var warmupCorpus = []string{
	"project status",
	"meeting notes",
	"who works on",
	"recent decisions",
	"open questions",
	"deadline",
}

// Warmup embeds a small fixed corpus. Errors are logged and non-fatal.
func (e *Engine) Warmup(ctx context.Context) {
	start := time.Now()
	for _, q := range warmupCorpus {
		if _, err := e.Embed(ctx, q); err != nil {
			logging.Warn("embedding", "warmup failed on %q: %v", q, err)
			return
		}
	}
	logging.Info("embedding", "warmup: %d texts in %s", len(warmupCorpus), time.Since(start))
}
