// Command collect is the surveillance data plane's composition root: it
// loads the declarative venue configuration, builds one VenueRunner per
// enabled venue sharing a single columnar writer, and runs them until a
// signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gw/surveillance/internal/collector"
	"github.com/gw/surveillance/internal/columnar"
	"github.com/gw/surveillance/internal/config"
	"github.com/gw/surveillance/internal/venue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the collector's YAML config")
	dataDir := flag.String("data-dir", "", "override data_dir from config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	slog.Info("collector starting", "data_dir", cfg.DataDir, "venues", len(cfg.Venues))

	adaptors, err := buildAdaptors(cfg)
	if err != nil {
		slog.Error("adaptor build failed", "err", err)
		os.Exit(1)
	}
	if len(adaptors) == 0 {
		slog.Error("no venue adaptors built from config")
		os.Exit(1)
	}

	writer := columnar.NewWriter(cfg.DataDir, cfg.Storage.BucketMinutes, cfg.Storage.FlushRows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	flushInterval := time.Duration(cfg.Storage.FlushSeconds) * time.Second
	go writer.RunFlushLoop(ctx, flushInterval)

	var runners []*collector.VenueRunner
	for name, adaptor := range adaptors {
		if err := preflight(ctx, name, adaptor); err != nil {
			slog.Error("venue preflight failed, skipping venue", "venue", name, "err", err)
			continue
		}
		vc := cfg.Venues[name]
		runners = append(runners, collector.NewVenueRunner(cfg.DataDir, adaptor, vc, writer, cfg.Rotation.Enabled, cfg.Storage.TopK))
	}
	if len(runners) == 0 {
		slog.Error("no venue passed preflight, nothing to run")
		os.Exit(1)
	}

	c := collector.New(runners)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("collector error", "err", err)
		os.Exit(1)
	}

	slog.Info("collector stopped")
}

// preflight retries a venue's credential sanity check with quadratic
// backoff. A venue that never passes is skipped, not fatal to the rest
// of the collector. Venues that do not implement venue.AuthPreflighter
// (no credentials to check) pass immediately.
func preflight(ctx context.Context, name string, adaptor venue.Adaptor) error {
	pf, ok := adaptor.(venue.AuthPreflighter)
	if !ok {
		return nil
	}

	const maxAttempts = 5
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = pf.Preflight(ctx); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			return err
		}
		backoff := time.Duration(attempt*attempt) * 15 * time.Second
		slog.Warn("venue preflight failed, retrying", "venue", name, "err", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// buildAdaptors constructs one venue.Adaptor per enabled venue entry,
// plus a mock adaptor when mock.enabled is set.
func buildAdaptors(cfg *config.Config) (map[string]venue.Adaptor, error) {
	out := make(map[string]venue.Adaptor)

	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		switch vc.Kind {
		case "token":
			out[name] = venue.NewToken(venue.TokenVenueConfig{
				Name:     name,
				GammaURL: vc.RestURL,
				WSURL:    vc.WSURL,
			})
		default:
			out[name] = venue.NewOutcome(venue.OutcomeVenueConfig{
				Name:      name,
				RestURL:   vc.RestURL,
				WSURL:     vc.WSURL,
				APIKey:    vc.APIKey,
				APISecret: vc.APISecret,
			})
		}
	}

	if cfg.Mock.Enabled {
		out["mock"] = venue.NewMock("mock", venue.MockConfig{MarketsPerVenue: cfg.Mock.MarketsPerVenue}, time.Now().UnixNano())
		if cfg.Venues == nil {
			cfg.Venues = make(map[string]config.VenueConfig)
		}
		if _, ok := cfg.Venues["mock"]; !ok {
			cfg.Venues["mock"] = config.VenueConfig{
				MaxSubs:                200,
				HotCount:               40,
				RotationPeriodSecs:     180,
				SnapshotIntervalMsHot:  2000,
				SnapshotIntervalMsWarm: 10000,
				ChurnLimitPerMinute:    20,
			}
		}
	}

	return out, nil
}
