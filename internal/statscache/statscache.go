// Package statscache reads the miner's historical per-market stats
// cache, aggregated by market_id, for the scheduler's scoring formula.
package statscache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/gw/surveillance/internal/scheduler"
)

// Row is the stats.parquet schema: one row per (market_id, outcome_id).
type Row struct {
	MarketID    string  `parquet:"market_id"`
	OutcomeID   string  `parquet:"outcome_id"`
	AvgSpread   float64 `parquet:"avg_spread"`
	UpdateCount int64   `parquet:"update_count"`
	AvgDepth    float64 `parquet:"avg_depth"`
}

// Path returns the stats cache file path for (dataDir, venue, date).
func Path(dataDir, venueName string, date time.Time) string {
	return filepath.Join(dataDir, "stats", fmt.Sprintf("venue=%s", venueName),
		fmt.Sprintf("date=%s", date.UTC().Format("2006-01-02")), "stats.parquet")
}

// Load reads and aggregates the stats cache by market_id, averaging
// avg_spread and avg_depth across outcomes and summing update_count.
// Returns an empty map, not an error, when no cache file exists yet:
// the scheduler treats missing stats as "score with recency/status
// components only" for every market.
func Load(dataDir, venueName string, date time.Time) (map[string]*scheduler.Stats, error) {
	path := Path(dataDir, venueName, date)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]*scheduler.Stats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statscache: open: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f, parquet.SchemaOf(Row{}))
	defer reader.Close()

	var out []Row
	batch := make([]Row, 1024)
	for {
		n, err := reader.Read(batch)
		out = append(out, batch[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("statscache: read: %w", err)
		}
		if n == 0 {
			break
		}
	}

	type accum struct {
		depthSum  float64
		spreadSum float64
		updateSum int64
		n         int
	}
	byMarket := make(map[string]*accum)
	for _, r := range out {
		a, ok := byMarket[r.MarketID]
		if !ok {
			a = &accum{}
			byMarket[r.MarketID] = a
		}
		a.depthSum += r.AvgDepth
		a.spreadSum += r.AvgSpread
		a.updateSum += r.UpdateCount
		a.n++
	}

	result := make(map[string]*scheduler.Stats, len(byMarket))
	for marketID, a := range byMarket {
		if a.n == 0 {
			continue
		}
		result[marketID] = &scheduler.Stats{
			AvgDepth:    a.depthSum / float64(a.n),
			AvgSpread:   a.spreadSum / float64(a.n),
			UpdateCount: a.updateSum,
		}
	}
	return result, nil
}
