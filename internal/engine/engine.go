// Package engine coordinates the in-memory store, the journal, and the
// hit/miss counters behind a single lock so that journal order always
// matches in-memory append order.
package engine

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/journal"
	"github.com/recall-proxy/recall/internal/store"
	"github.com/recall-proxy/recall/internal/telemetry"
)

var tracer = telemetry.Tracer("recall/engine")

// Lookup is the result of consulting the cache for one request.
type Lookup struct {
	Fingerprint recall.Fingerprint
	// Cached holds min(n, available) completions, a private copy.
	Cached []recall.Completion
	// N is the requested sample count.
	N int
	// Needed is how many completions must still be generated upstream.
	Needed int
	// Hit reports whether the entry had at least one completion.
	Hit bool
}

// Engine is the cache core. A request is counted as exactly one hit or
// one miss at lookup time, regardless of how many completions it wants
// or how many are later stored.
type Engine struct {
	store   *store.Store
	journal *journal.Journal

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// New creates an Engine over the given store and journal.
func New(st *store.Store, jl *journal.Journal) *Engine {
	return &Engine{store: st, journal: jl}
}

// Lookup fetches up to n cached completions for f and records one hit
// or one miss.
func (e *Engine) Lookup(ctx context.Context, f recall.Fingerprint, n int) Lookup {
	_, span := tracer.Start(ctx, "cache.lookup")
	defer span.End()

	cached := e.store.List(f)

	e.mu.Lock()
	if len(cached) > 0 {
		e.hits++
	} else {
		e.misses++
	}
	e.mu.Unlock()

	serve := cached
	if len(serve) > n {
		serve = serve[:n]
	}
	span.SetAttributes(
		attribute.Bool("cache.hit", len(cached) > 0),
		attribute.Int("cache.requested", n),
		attribute.Int("cache.served", len(serve)),
	)
	return Lookup{
		Fingerprint: f,
		Cached:      serve,
		N:           n,
		Needed:      n - len(serve),
		Hit:         len(cached) > 0,
	}
}

// Store appends freshly generated completions to the entry for f and
// enqueues one journal record per completion. The lock spans both so a
// concurrent Store for the same fingerprint cannot interleave its
// journal records with this one.
func (e *Engine) Store(ctx context.Context, f recall.Fingerprint, completions []recall.Completion) {
	if len(completions) == 0 {
		return
	}
	_, span := tracer.Start(ctx, "cache.store")
	span.SetAttributes(attribute.Int("cache.stored", len(completions)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Append(f, completions)
	for _, c := range completions {
		e.journal.Append(f, c)
	}
}

// Load inserts a replayed journal record into the store without
// re-journaling it. Only used while replaying on startup, before any
// requests are served.
func (e *Engine) Load(f recall.Fingerprint, c recall.Completion) {
	e.store.Append(f, []recall.Completion{c})
}

// Clear empties the store, resets the counters, and enqueues a journal
// truncation behind any pending appends.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Clear()
	e.journal.Clear()
	e.hits = 0
	e.misses = 0
}

// Stats assembles a point-in-time view of the cache. Store mutations
// all happen under e.mu (Store, Clear), so reading the store sizes
// inside the same critical section yields a consistent snapshot.
func (e *Engine) Stats() recall.CacheStats {
	e.mu.Lock()
	s := recall.CacheStats{
		Hits:           e.hits,
		Misses:         e.misses,
		NumKeys:        e.store.Keys(),
		TotalResponses: e.store.Total(),
		PendingWrites:  e.journal.Pending(),
	}
	e.mu.Unlock()

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
