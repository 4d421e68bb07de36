// Package snapshotter drives the dual-tier (HOT/WARM) sampling timer
// that turns live BookStore state into SnapshotRecords for the
// columnar writer.
package snapshotter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gw/surveillance/internal/book"
	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/venue"
)

const tickInterval = 100 * time.Millisecond

// Writer is the subset of the columnar writer's surface the snapshotter
// needs, kept narrow to avoid an import cycle.
type Writer interface {
	Write(rec schema.Record) error
}

// Snapshotter owns one venue's HOT/WARM tier membership and the
// next_sample_at timer state per BookStore key.
type Snapshotter struct {
	venueName string
	store     *book.Store
	writer    Writer
	topK      int

	hotInterval  time.Duration
	warmInterval time.Duration

	tiersMu sync.RWMutex
	hot     map[venue.FeedKey]bool
	warm    map[venue.FeedKey]bool

	sampleMu     sync.Mutex
	nextSampleAt map[book.Key]time.Time

	loadUniverse func(ctx context.Context) ([]schema.MarketDescriptor, error)
	identityOnce sync.Once
	identityErr  error
	identity     map[book.Key]venue.FeedKey
}

// New creates a Snapshotter. loadUniverse is consulted at most once, the
// first time a token-identity lookup is needed, and its result is cached
// for the process lifetime.
func New(venueName string, store *book.Store, writer Writer, topK int, hotInterval, warmInterval time.Duration, loadUniverse func(ctx context.Context) ([]schema.MarketDescriptor, error)) *Snapshotter {
	return &Snapshotter{
		venueName:    venueName,
		store:        store,
		writer:       writer,
		topK:         topK,
		hotInterval:  hotInterval,
		warmInterval: warmInterval,
		hot:          make(map[venue.FeedKey]bool),
		warm:         make(map[venue.FeedKey]bool),
		nextSampleAt: make(map[book.Key]time.Time),
		loadUniverse: loadUniverse,
	}
}

// UpdateTiers atomically replaces the HOT and WARM sets. A key present in
// both is resolved in favor of HOT, per the scheduler's tie-break rule.
// Stale next_sample_at entries for demoted keys are left in place; they
// are simply ignored until the key re-enters a tier.
func (s *Snapshotter) UpdateTiers(hot, warm map[venue.FeedKey]bool) {
	cleanWarm := make(map[venue.FeedKey]bool, len(warm))
	for k := range warm {
		if !hot[k] {
			cleanWarm[k] = true
		}
	}

	s.tiersMu.Lock()
	s.hot = hot
	s.warm = cleanWarm
	s.tiersMu.Unlock()
}

// Run ticks every 100ms until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick enumerates BookStore keys, resolves each to a venue feed_key,
// determines tier membership, and samples the keys whose next_sample_at
// has arrived.
func (s *Snapshotter) tick(ctx context.Context, now time.Time) {
	s.tiersMu.RLock()
	hot, warm := s.hot, s.warm
	s.tiersMu.RUnlock()

	if len(hot) == 0 && len(warm) == 0 {
		return
	}

	for _, key := range s.store.Keys() {
		fk, ok := s.resolve(ctx, key)
		if !ok {
			continue
		}

		var interval time.Duration
		switch {
		case hot[fk]:
			interval = s.hotInterval
		case warm[fk]:
			interval = s.warmInterval
		default:
			continue
		}

		s.sampleMu.Lock()
		due, scheduled := s.nextSampleAt[key]
		ready := !scheduled || !now.Before(due)
		if ready {
			s.nextSampleAt[key] = now.Add(interval)
		}
		s.sampleMu.Unlock()

		if !ready {
			continue
		}

		rec, ok := s.store.Snapshot(key, s.venueName, now.UnixMilli(), s.topK)
		if !ok {
			continue
		}
		if err := s.writer.Write(rec); err != nil {
			slog.Error("snapshotter write failed", "venue", s.venueName, "market_id", key.MarketID, "outcome_id", key.OutcomeID, "err", err)
		}
	}
}

// resolve maps a BookStore key to the venue's subscription-key space,
// loading and caching the universe-derived identity map on first use.
func (s *Snapshotter) resolve(ctx context.Context, key book.Key) (venue.FeedKey, bool) {
	s.identityOnce.Do(func() {
		s.identity, s.identityErr = s.buildIdentity(ctx)
		if s.identityErr != nil {
			slog.Warn("snapshotter identity map load failed, falling back to outcome keys", "venue", s.venueName, "err", s.identityErr)
		}
	})

	if fk, ok := s.identity[key]; ok {
		return fk, true
	}
	// Venues whose subscription-key space already matches (market,
	// outcome) never populate the identity map for this key; treat it
	// as an outcome key directly.
	return venue.OutcomeKey(key.MarketID, key.OutcomeID), true
}

func (s *Snapshotter) buildIdentity(ctx context.Context) (map[book.Key]venue.FeedKey, error) {
	if s.loadUniverse == nil {
		return nil, nil
	}
	markets, err := s.loadUniverse(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}

	out := make(map[book.Key]venue.FeedKey)
	for _, m := range markets {
		if len(m.TokenIDs) == 0 {
			continue // outcome-keyed venue, resolve() falls back directly
		}
		for i, outcomeID := range m.OutcomeIDs {
			if i >= len(m.TokenIDs) {
				break
			}
			bk := book.Key{MarketID: m.MarketID, OutcomeID: outcomeID}
			out[bk] = venue.TokenKey(m.TokenIDs[i])
		}
	}
	return out, nil
}
