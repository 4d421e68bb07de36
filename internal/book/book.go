// Package book holds live per-(market, outcome) order-book replicas,
// updated from a venue feed and sampled by the snapshotter.
package book

import (
	"sync"

	"github.com/gw/surveillance/internal/schema"
)

// Key identifies a book replica within a venue's BookStore.
type Key struct {
	MarketID  string
	OutcomeID string
}

// Replica is the live state for one (market, outcome). Fields are
// replaced wholesale on each update; no incremental delta application
// is attempted here. The adaptor owns whatever delta/snapshot
// reconciliation its wire protocol requires and hands the core a
// flattened bid/ask view.
type Replica struct {
	mu         sync.RWMutex
	lastUpdate int64
	bids       []schema.PriceLevel
	asks       []schema.PriceLevel
	lastSeq    int64
}

func newReplica() *Replica {
	return &Replica{}
}

func (r *Replica) update(bids, asks []schema.PriceLevel, tsMs, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bids = bids
	r.asks = asks
	r.lastUpdate = tsMs
	r.lastSeq = seq
}

// Snapshot returns the replica's current bids, asks and last sequence
// without mutating state.
func (r *Replica) Snapshot() (bids, asks []schema.PriceLevel, seq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bids, r.asks, r.lastSeq
}

// Store is a concurrency-safe map of (market_id, outcome_id) -> Replica.
// Writes to distinct keys never block each other; updates to the same
// key serialize through that key's own replica lock.
type Store struct {
	mu    sync.RWMutex
	books map[Key]*Replica
}

// NewStore creates an empty BookStore.
func NewStore() *Store {
	return &Store{books: make(map[Key]*Replica)}
}

// Update replaces the book state for key, creating the replica on first
// use. Concurrent updates to distinct keys proceed without contention.
func (s *Store) Update(key Key, bids, asks []schema.PriceLevel, tsMs, seq int64) {
	r := s.getOrCreate(key)
	r.update(bids, asks, tsMs, seq)
}

func (s *Store) getOrCreate(key Key) *Replica {
	s.mu.RLock()
	r, ok := s.books[key]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.books[key]; ok {
		return r
	}
	r = newReplica()
	s.books[key] = r
	return r
}

// Get returns the replica for key, or nil if no update has ever been
// received for it.
func (s *Store) Get(key Key) *Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[key]
}

// Keys returns a stable-order-free snapshot of every key the store has
// ever seen an update for.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.books))
	for k := range s.books {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot produces a SnapshotRecord for key using the writer clock
// tsRecv for ts_recv, without mutating the replica.
func (s *Store) Snapshot(key Key, venue string, tsRecv int64, topK int) (schema.Record, bool) {
	r := s.Get(key)
	if r == nil {
		return schema.Record{}, false
	}
	bids, asks, seq := r.Snapshot()
	rec := schema.BuildRecord(venue, key.MarketID, key.OutcomeID, seq, bids, asks, tsRecv, nil, topK)
	return rec, true
}
