package snapshotter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gw/surveillance/internal/book"
	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/venue"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []schema.Record
}

func (w *fakeWriter) Write(rec schema.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, rec)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func TestTickSamplesHotKeyOnFirstTick(t *testing.T) {
	store := book.NewStore()
	key := book.Key{MarketID: "M1", OutcomeID: "yes"}
	store.Update(key, []schema.PriceLevel{{Price: 0.5, Size: 10}}, nil, 1000, 1)

	w := &fakeWriter{}
	snap := New("v", store, w, 10, 2*time.Second, 10*time.Second, nil)
	fk := venue.OutcomeKey("M1", "yes")
	snap.UpdateTiers(map[venue.FeedKey]bool{fk: true}, nil)

	snap.tick(context.Background(), time.Now())
	if w.count() != 1 {
		t.Fatalf("written = %d, want 1", w.count())
	}

	// Immediately-following tick should not re-sample (interval not elapsed).
	snap.tick(context.Background(), time.Now())
	if w.count() != 1 {
		t.Fatalf("written after second immediate tick = %d, want still 1", w.count())
	}
}

func TestTickSkipsKeyNotInAnyTier(t *testing.T) {
	store := book.NewStore()
	key := book.Key{MarketID: "M1", OutcomeID: "yes"}
	store.Update(key, []schema.PriceLevel{{Price: 0.5, Size: 10}}, nil, 1000, 1)

	w := &fakeWriter{}
	snap := New("v", store, w, 10, 2*time.Second, 10*time.Second, nil)
	snap.UpdateTiers(map[venue.FeedKey]bool{venue.OutcomeKey("OTHER", "yes"): true}, nil)

	snap.tick(context.Background(), time.Now())
	if w.count() != 0 {
		t.Fatalf("written = %d, want 0 for untiered key", w.count())
	}
}

func TestUpdateTiersHotWinsOnOverlap(t *testing.T) {
	store := book.NewStore()
	w := &fakeWriter{}
	snap := New("v", store, w, 10, time.Second, time.Second, nil)

	fk := venue.OutcomeKey("M1", "yes")
	snap.UpdateTiers(map[venue.FeedKey]bool{fk: true}, map[venue.FeedKey]bool{fk: true})

	snap.tiersMu.RLock()
	defer snap.tiersMu.RUnlock()
	if !snap.hot[fk] {
		t.Fatal("expected fk to remain in hot set")
	}
	if snap.warm[fk] {
		t.Fatal("expected fk to be removed from warm set on overlap")
	}
}

func TestResolveUsesUniverseIdentityForTokenVenues(t *testing.T) {
	store := book.NewStore()
	key := book.Key{MarketID: "M1", OutcomeID: "yes"}
	store.Update(key, []schema.PriceLevel{{Price: 0.5, Size: 10}}, nil, 1000, 1)

	loadUniverse := func(ctx context.Context) ([]schema.MarketDescriptor, error) {
		return []schema.MarketDescriptor{
			{
				MarketID:   "M1",
				OutcomeIDs: []string{"yes", "no"},
				TokenIDs:   []string{"tok-yes", "tok-no"},
			},
		}, nil
	}

	w := &fakeWriter{}
	snap := New("v", store, w, 10, time.Second, time.Second, loadUniverse)
	tokenKey := venue.TokenKey("tok-yes")
	snap.UpdateTiers(map[venue.FeedKey]bool{tokenKey: true}, nil)

	snap.tick(context.Background(), time.Now())
	if w.count() != 1 {
		t.Fatalf("written = %d, want 1 (token identity resolved)", w.count())
	}
}

func TestResolveFallsBackToOutcomeKeyWithoutUniverse(t *testing.T) {
	store := book.NewStore()
	key := book.Key{MarketID: "M1", OutcomeID: "yes"}
	store.Update(key, []schema.PriceLevel{{Price: 0.5, Size: 10}}, nil, 1000, 1)

	w := &fakeWriter{}
	snap := New("v", store, w, 10, time.Second, time.Second, nil)
	snap.UpdateTiers(map[venue.FeedKey]bool{venue.OutcomeKey("M1", "yes"): true}, nil)

	snap.tick(context.Background(), time.Now())
	if w.count() != 1 {
		t.Fatalf("written = %d, want 1", w.count())
	}
}
