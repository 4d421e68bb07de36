// Package universe persists and loads the daily per-venue market
// descriptor list scanners discover and the scheduler consumes.
package universe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gw/surveillance/internal/schema"
)

// Path returns the universe file path for (dataDir, venue, date).
func Path(dataDir, venueName string, date time.Time) string {
	return filepath.Join(dataDir, "metadata", fmt.Sprintf("venue=%s", venueName),
		fmt.Sprintf("date=%s", date.UTC().Format("2006-01-02")), "universe.jsonl")
}

// Write persists markets as one JSON object per line, via write-to-temp
// then atomic rename, the same crash-safe discipline the columnar
// writer uses for snapshot files.
func Write(dataDir, venueName string, date time.Time, markets []schema.MarketDescriptor) error {
	path := Path(dataDir, venueName, date)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("universe: create dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("universe: create temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, m := range markets {
		data, err := json.Marshal(m)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("universe: marshal market %s: %w", m.MarketID, err)
		}
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("universe: write: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("universe: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("universe: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("universe: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("universe: rename into place: %w", err)
	}
	return nil
}

// Load reads the universe file for (dataDir, venue, date). Returns
// (nil, nil) if no file has been written yet for that date.
func Load(dataDir, venueName string, date time.Time) ([]schema.MarketDescriptor, error) {
	path := Path(dataDir, venueName, date)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("universe: open: %w", err)
	}
	defer f.Close()

	var out []schema.MarketDescriptor
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m schema.MarketDescriptor
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("universe: unmarshal line: %w", err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("universe: scan: %w", err)
	}
	return out, nil
}
