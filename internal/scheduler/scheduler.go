// Package scheduler scores a venue's market universe and produces the
// HOT/WARM subscription target sets, pacing rotations on a fixed period.
package scheduler

import (
	"log/slog"
	"sort"
	"time"

	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/venue"
)

// Config holds one venue's scheduling parameters.
type Config struct {
	MaxSubs         int
	HotCount        int // 0 means derive as max(1, MaxSubs/10)
	RotationPeriod  time.Duration
	RotationEnabled bool
	// TokenKeyed marks a venue whose subscription unit is a per-outcome
	// token: markets carrying no tokens cannot be subscribed there and
	// are skipped during selection.
	TokenKeyed bool
}

func (c Config) hotCount() int {
	if c.HotCount > 0 {
		return c.HotCount
	}
	n := c.MaxSubs / 10
	if n < 1 {
		n = 1
	}
	return n
}

// Stats is the optional historical aggregate the scoring formula
// consults per market, keyed by market_id.
type Stats struct {
	AvgDepth    float64
	AvgSpread   float64
	UpdateCount int64
}

// Scheduler holds one venue's rotation state. The rotation loop is its
// sole writer; should_rotate is safe to call read-only from elsewhere
// because it only reads a timestamp this same goroutine last wrote.
type Scheduler struct {
	venueName string
	cfg       Config

	cursor         int
	lastRotation   time.Time
	hasRotatedOnce bool
}

// New creates a Scheduler for one venue.
func New(venueName string, cfg Config) *Scheduler {
	return &Scheduler{venueName: venueName, cfg: cfg}
}

// ShouldRotate reports whether a rotation is due. It is always false
// while rotation is disabled; otherwise it is true when none has ever
// occurred or the rotation period has elapsed.
func (s *Scheduler) ShouldRotate(now time.Time) bool {
	if !s.cfg.RotationEnabled {
		return false
	}
	if !s.hasRotatedOnce {
		return true
	}
	return now.Sub(s.lastRotation) >= s.cfg.RotationPeriod
}

// scoredMarket pairs a market with its computed score for sorting.
type scoredMarket struct {
	market schema.MarketDescriptor
	score  float64
}

// score computes recency_component + status_component + stats_component
// for one market, per the documented scoring formula.
func score(m schema.MarketDescriptor, nowMs int64, stats *Stats) float64 {
	var recency float64
	if m.CloseTs != nil && *m.CloseTs > nowMs {
		daysUntilClose := float64(*m.CloseTs-nowMs) / (1000 * 60 * 60 * 24)
		recency = 1 / (1 + daysUntilClose/30)
	}

	var status float64
	if m.Status == "active" {
		status = 0.5
	}

	var statsComponent float64
	if stats != nil {
		statsComponent += stats.AvgDepth / 1000
		if stats.AvgSpread > 0 {
			statsComponent += 1 / (1 + stats.AvgSpread*100)
		}
		statsComponent += float64(stats.UpdateCount) / 10000
	}

	return recency + status + statsComponent
}

// feedKeysFor returns the venue feed_keys a selected market contributes:
// one per token when the market carries TokenIDs, otherwise one per
// outcome. A market with zero outcomes contributes nothing. Token-keyed
// venues skip token-less markets in Rotate before this is called.
func feedKeysFor(m schema.MarketDescriptor) []venue.FeedKey {
	if len(m.OutcomeIDs) == 0 {
		return nil
	}
	if len(m.TokenIDs) > 0 {
		keys := make([]venue.FeedKey, 0, len(m.TokenIDs))
		for _, tok := range m.TokenIDs {
			keys = append(keys, venue.TokenKey(tok))
		}
		return keys
	}
	keys := make([]venue.FeedKey, 0, len(m.OutcomeIDs))
	for _, oid := range m.OutcomeIDs {
		keys = append(keys, venue.OutcomeKey(m.MarketID, oid))
	}
	return keys
}

// Rotate scores universe, selects the HOT pool and advances the
// rotation cursor to select the WARM pool from the remainder, and marks
// rotation done. Returns the target feed_key sets.
func (s *Scheduler) Rotate(universe []schema.MarketDescriptor, stats map[string]*Stats, now time.Time) (hot, warm map[venue.FeedKey]bool) {
	s.lastRotation = now
	s.hasRotatedOnce = true

	hot = make(map[venue.FeedKey]bool)
	warm = make(map[venue.FeedKey]bool)

	if len(universe) == 0 {
		slog.Warn("scheduler: empty universe, producing empty target sets", "venue", s.venueName)
		return hot, warm
	}

	scored := make([]scoredMarket, 0, len(universe))
	nowMs := now.UnixMilli()
	for _, m := range universe {
		if len(m.OutcomeIDs) == 0 {
			continue
		}
		if s.cfg.TokenKeyed && len(m.TokenIDs) == 0 {
			slog.Debug("scheduler: market has no subscribable tokens, skipping",
				"venue", s.venueName, "market_id", m.MarketID)
			continue
		}
		scored = append(scored, scoredMarket{market: m, score: score(m, nowMs, stats[m.MarketID])})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].market.MarketID < scored[j].market.MarketID
	})

	hotCount := s.cfg.hotCount()
	if hotCount > len(scored) {
		hotCount = len(scored)
	}

	hotCapacity := s.cfg.MaxSubs
	for _, sm := range scored[:hotCount] {
		for _, fk := range feedKeysFor(sm.market) {
			if len(hot) >= hotCapacity {
				break
			}
			hot[fk] = true
		}
	}

	remainder := scored[hotCount:]
	warmBudget := s.cfg.MaxSubs - len(hot)
	if warmBudget > 0 && len(remainder) > 0 {
		n := len(remainder)
		start := s.cursor % n
		taken := 0
		for i := 0; i < n && len(warm) < warmBudget; i++ {
			idx := (start + i) % n
			sm := remainder[idx]
			for _, fk := range feedKeysFor(sm.market) {
				if hot[fk] {
					continue // HOT wins on overlap
				}
				if len(warm) >= warmBudget {
					break
				}
				warm[fk] = true
			}
			taken++
		}
		s.cursor = (start + taken) % n
	}

	return hot, warm
}
