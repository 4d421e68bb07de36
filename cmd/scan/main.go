// Command scan is the one-shot universe refresher: it discovers every
// enabled venue's tradable markets over REST and writes today's
// universe.jsonl files, the same files cmd/collect's scheduler consumes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/gw/surveillance/internal/config"
	"github.com/gw/surveillance/internal/universe"
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

	adaptors := buildAdaptors(cfg)
	if len(adaptors) == 0 {
		slog.Error("no venue adaptors built from config")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	today := time.Now()
	scanned := 0
	for name, adaptor := range adaptors {
		markets, err := adaptor.DiscoverMarkets(ctx)
		if err != nil {
			slog.Error("discovery failed", "venue", name, "err", err)
			continue
		}
		if err := universe.Write(cfg.DataDir, name, today, markets); err != nil {
			slog.Error("universe write failed", "venue", name, "err", err)
			continue
		}
		slog.Info("universe written", "venue", name, "markets", len(markets), "path", universe.Path(cfg.DataDir, name, today))
		scanned++
	}

	if scanned == 0 {
		slog.Error("no venue scanned successfully")
		os.Exit(1)
	}
}

// buildAdaptors mirrors cmd/collect's venue dispatch, minus preflight:
// discovery is itself the first real call against the venue.
func buildAdaptors(cfg *config.Config) map[string]venue.Adaptor {
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
	}
	return out
}
