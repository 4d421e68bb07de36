// Package collector is the composition root: one VenueRunner per
// enabled venue, wiring its adaptor to a shared BookStore, Snapshotter,
// Scheduler, SubscriptionManager and the columnar writer, per the venue
// lifecycle spelled out in VenueRunner.Run's doc comment.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gw/surveillance/internal/book"
	"github.com/gw/surveillance/internal/config"
	"github.com/gw/surveillance/internal/metrics"
	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/scheduler"
	"github.com/gw/surveillance/internal/snapshotter"
	"github.com/gw/surveillance/internal/statscache"
	"github.com/gw/surveillance/internal/subscription"
	"github.com/gw/surveillance/internal/universe"
	"github.com/gw/surveillance/internal/venue"
)

// Writer is the subset of the columnar writer's surface VenueRunner
// needs, mirrored from the snapshotter package's own narrow interface.
type Writer = snapshotter.Writer

// VenueRunner owns one venue's full task cluster: feed-read, the
// subscription-pending timer, the snapshot timer, the metrics-report
// timer, and the outer rotation loop.
type VenueRunner struct {
	venueName string
	dataDir   string
	adaptor   venue.Adaptor
	store     *book.Store
	metrics   *metrics.Metrics
	sub       *subscription.Manager
	snap      *snapshotter.Snapshotter
	sched     *scheduler.Scheduler
	cfg       config.VenueConfig

	heartbeatMu  sync.Mutex
	updateCount  int64
	lastUpdateAt time.Time
}

// NewVenueRunner wires one venue's adaptor to the shared writer and
// produces its own BookStore, Metrics, SubscriptionManager, Snapshotter
// and Scheduler.
func NewVenueRunner(dataDir string, adaptor venue.Adaptor, cfg config.VenueConfig, writer Writer, rotationEnabled bool, topK int) *VenueRunner {
	store := book.NewStore()
	mx := metrics.New(adaptor.Name())
	sub := subscription.New(adaptor, cfg.MaxSubs, cfg.ChurnLimitPerMinute)

	r := &VenueRunner{
		venueName: adaptor.Name(),
		dataDir:   dataDir,
		adaptor:   adaptor,
		store:     store,
		metrics:   mx,
		sub:       sub,
		cfg:       cfg,
	}

	r.snap = snapshotter.New(adaptor.Name(), store, writer, topK, cfg.HotInterval(), cfg.WarmInterval(), r.loadUniverse)
	r.sched = scheduler.New(adaptor.Name(), scheduler.Config{
		MaxSubs:         cfg.MaxSubs,
		HotCount:        cfg.HotCount,
		RotationPeriod:  cfg.RotationPeriod(),
		RotationEnabled: rotationEnabled,
		TokenKeyed:      cfg.Kind == "token",
	})

	return r
}

// loadUniverse loads today's universe file for this venue, falling back
// to a fresh discovery call if nothing has been scanned yet today.
func (r *VenueRunner) loadUniverse(ctx context.Context) ([]schema.MarketDescriptor, error) {
	today := time.Now()
	markets, err := universe.Load(r.dataDir, r.venueName, today)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	if len(markets) > 0 {
		return markets, nil
	}
	markets, err = r.adaptor.DiscoverMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover markets: %w", err)
	}
	if err := universe.Write(r.dataDir, r.venueName, today, markets); err != nil {
		slog.Warn("universe write failed, continuing with in-memory copy", "venue", r.venueName, "err", err)
	}
	return markets, nil
}

// loadUniverseForRotation is loadUniverse's rotation-time wrapper: when
// the feed is down it re-polls DiscoverMarkets directly instead of
// serving the once-daily cached universe file, so status/close_ts keep
// moving off of live REST data while the WebSocket is out.
func (r *VenueRunner) loadUniverseForRotation(ctx context.Context) ([]schema.MarketDescriptor, error) {
	if r.adaptor.IsOpen() {
		return r.loadUniverse(ctx)
	}

	markets, err := r.adaptor.DiscoverMarkets(ctx)
	if err != nil {
		slog.Warn("rest fallback discovery failed, falling back to cached universe", "venue", r.venueName, "err", err)
		return r.loadUniverse(ctx)
	}
	if err := universe.Write(r.dataDir, r.venueName, time.Now(), markets); err != nil {
		slog.Warn("universe write failed during rest fallback", "venue", r.venueName, "err", err)
	}
	return markets, nil
}

// Run executes this venue's full task cluster until ctx is cancelled,
// per the documented per-venue lifecycle:
//  1. open the feed (fail fast),
//  2. spawn the subscription-pending timer (1 Hz),
//  3. spawn the feed-read loop,
//  4. spawn the metrics-report timer (60 s),
//  5. spawn the snapshot timer (100 ms tick inside the Snapshotter),
//  6. run the rotation loop (10 s ticks) on the calling goroutine.
func (r *VenueRunner) Run(ctx context.Context) error {
	if err := r.adaptor.OpenFeed(ctx); err != nil {
		return fmt.Errorf("venue %s: open feed: %w", r.venueName, err)
	}

	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		defer wg.Done()
		if err := r.adaptor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("venue feed run exited", "venue", r.venueName, "err", err)
		}
	}()
	go func() { defer wg.Done(); r.runSubscriptionTimer(ctx) }()
	go func() { defer wg.Done(); r.runFeedReadLoop(ctx) }()
	go func() { defer wg.Done(); r.metrics.RunReportLoop(ctx, 60*time.Second) }()
	go func() {
		defer wg.Done()
		if err := r.snap.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("snapshotter run exited", "venue", r.venueName, "err", err)
		}
	}()

	go r.watchdog(ctx)

	err := r.runRotationLoop(ctx)
	wg.Wait()
	return err
}

func (r *VenueRunner) runSubscriptionTimer(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.sub.ProcessPending(now); err != nil {
				slog.Error("subscription processing failed", "venue", r.venueName, "err", err)
			}
		}
	}
}

func (r *VenueRunner) runFeedReadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		update, err := r.adaptor.NextUpdate()
		if err != nil {
			r.metrics.RecordError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if update == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		r.metrics.RecordMessage()
		key := book.Key{MarketID: update.MarketID, OutcomeID: update.OutcomeID}
		r.store.Update(key, update.Bids, update.Asks, time.Now().UnixMilli(), update.Sequence)
		r.metrics.RecordUpdate(metrics.Key{MarketID: update.MarketID, OutcomeID: update.OutcomeID}, update.Sequence)

		r.heartbeatMu.Lock()
		r.updateCount++
		r.lastUpdateAt = time.Now()
		r.heartbeatMu.Unlock()
	}
}

func (r *VenueRunner) runRotationLoop(ctx context.Context) error {
	// ShouldRotate is always true before the first rotation, so run one
	// immediately instead of waiting out the first 10s tick idle.
	if err := r.rotate(ctx, time.Now()); err != nil {
		slog.Error("rotation failed", "venue", r.venueName, "err", err)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if r.sched.ShouldRotate(now) {
				if err := r.rotate(ctx, now); err != nil {
					slog.Error("rotation failed", "venue", r.venueName, "err", err)
				}
			}
		}
	}
}

func (r *VenueRunner) rotate(ctx context.Context, now time.Time) error {
	mkts, err := r.loadUniverseForRotation(ctx)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	stats, err := statscache.Load(r.dataDir, r.venueName, now)
	if err != nil {
		slog.Warn("stats cache load failed, scoring without stats", "venue", r.venueName, "err", err)
		stats = nil
	}

	hot, warm := r.sched.Rotate(mkts, stats, now)
	r.snap.UpdateTiers(hot, warm)

	target := make(map[venue.FeedKey]bool, len(hot)+len(warm))
	for k := range hot {
		target[k] = true
	}
	for k := range warm {
		target[k] = true
	}
	r.sub.UpdateTarget(target)

	slog.Info("rotated", "venue", r.venueName, "hot", len(hot), "warm", len(warm))
	return nil
}

// watchdog emits a periodic heartbeat log. It never cancels the context
// itself; cancellation belongs solely to the composition root.
func (r *VenueRunner) watchdog(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatMu.Lock()
			count := r.updateCount
			last := r.lastUpdateAt
			r.heartbeatMu.Unlock()

			staleness := "n/a"
			if !last.IsZero() {
				staleness = time.Since(last).Round(time.Second).String()
			}
			slog.Info("heartbeat",
				"venue", r.venueName,
				"updates", count,
				"last_update_ago", staleness,
				"feed_open", r.adaptor.IsOpen(),
			)
		}
	}
}

// Collector runs every enabled venue's VenueRunner concurrently and
// returns once all have stopped (on ctx cancellation or a fatal error).
type Collector struct {
	runners []*VenueRunner
}

// New wires one VenueRunner per runner passed in.
func New(runners []*VenueRunner) *Collector {
	return &Collector{runners: runners}
}

// Run starts every venue runner and blocks until all return.
func (c *Collector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.runners))
	for i, r := range c.runners {
		wg.Add(1)
		go func(i int, r *VenueRunner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				errs[i] = err
			}
		}(i, r)
	}
	wg.Wait()

	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("collector: %s", strings.Join(msgs, "; "))
	}
	return nil
}
