package columnar

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/gw/surveillance/internal/schema"
)

func rec(venue string, tsRecv int64) schema.Record {
	return schema.BuildRecord(venue, "M1", "yes", 1,
		[]schema.PriceLevel{{Price: 0.5, Size: 10}},
		[]schema.PriceLevel{{Price: 0.6, Size: 8}},
		tsRecv, nil, 10)
}

func TestWriteFlushesOnRowThreshold(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 2)

	if err := w.Write(rec("mock", 1_700_000_000_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(rec("mock", 1_700_000_000_100)); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one flushed file after hitting flush_rows, got %v", matches)
	}
}

func TestWriteFlushesOnBucketRollover(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 1, 1000) // 1-minute bucket, high flush_rows

	if err := w.Write(rec("mock", 1_700_000_000_000)); err != nil {
		t.Fatal(err)
	}
	// 2 minutes later: new bucket, should flush the first row immediately.
	if err := w.Write(rec("mock", 1_700_000_000_000+2*60*1000)); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 1 {
		t.Fatalf("expected one flushed file from the rolled-over bucket, got %v", matches)
	}
}

func TestFlushWritesRemainingBufferedRows(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)

	if err := w.Write(rec("mock", 1_700_000_000_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 1 {
		t.Fatalf("expected one flushed file after explicit Flush, got %v", matches)
	}
}

func TestFlushOneLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)
	w.Write(rec("mock", 1_700_000_000_000))
	w.Flush()

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover .tmp files, got %v", matches)
	}
}

func TestFailedFlushIsRetriedOnNextFlush(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)

	if err := w.Write(rec("mock", 1_700_000_000_000)); err != nil {
		t.Fatal(err)
	}

	// Replace the venue's partition directory with a file of the same
	// name so MkdirAll fails on the first flush attempt.
	badDir := filepath.Join(dir, "orderbook_snapshots", "venue=mock")
	if err := os.MkdirAll(filepath.Dir(badDir), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(badDir, []byte("blocker"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := w.Flush(); err == nil {
		t.Fatal("expected first flush to fail")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 0 {
		t.Fatalf("expected no file written on failed flush, got %v", matches)
	}

	// Clear the obstruction and retry: the rows should still be queued.
	if err := os.Remove(badDir); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	matches, _ = filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 1 {
		t.Fatalf("expected the retried flush to succeed, got %v", matches)
	}
}

func readRows(t *testing.T, path string) []Row {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	var out []Row
	batch := make([]Row, 64)
	for {
		n, err := r.Read(batch)
		out = append(out, batch[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
	}
	return out
}

func TestWriteThenReadRoundTripsFields(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)

	in := schema.BuildRecord("mock", "M1", "yes", 42,
		[]schema.PriceLevel{{Price: 0.40, Size: 100}, {Price: 0.45, Size: 50}},
		[]schema.PriceLevel{{Price: 0.50, Size: 20}, {Price: 0.55, Size: 80}},
		1_700_000_000_000, nil, 10)
	if err := w.Write(in); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 1 {
		t.Fatalf("expected one file, got %v", matches)
	}

	rows := readRows(t, matches[0])
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.TsRecv != in.TsRecv || got.Venue != in.Venue || got.MarketID != in.MarketID || got.OutcomeID != in.OutcomeID || got.Seq != in.Seq {
		t.Fatalf("scalar identity fields mangled: %+v", got)
	}
	if got.BestBidPx != 0.45 || got.BestAskPx != 0.50 || got.Mid != in.Mid || got.Spread != in.Spread {
		t.Fatalf("derived fields mangled: %+v", got)
	}
	if got.BidPx[0] != 0.45 || got.BidPx[1] != 0.40 {
		t.Fatalf("bid list order not preserved: %v", got.BidPx)
	}
	if got.AskPx[0] != 0.50 || got.AskPx[1] != 0.55 {
		t.Fatalf("ask list order not preserved: %v", got.AskPx)
	}
	if got.Status != schema.StatusOK {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestBucketRolloverSplitsRowsAcrossTwoFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)

	base := int64(1768471470000) // 2026-01-15 10:04:30 UTC, bucket 10-00
	for _, ts := range []int64{base, base + 10_000, base + 60_000, base + 70_000} {
		if err := w.Write(rec("mock", ts)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue=mock", "date=*", "hour=*", "*.parquet"))
	if len(matches) != 2 {
		t.Fatalf("expected two files across the bucket boundary, got %v", matches)
	}

	byPrefix := map[string]int{}
	for _, path := range matches {
		name := filepath.Base(path)
		rows := readRows(t, path)
		byPrefix[name] = len(rows)
		for _, r := range rows {
			want := "snapshots_2026-01-15T10-00"
			if r.TsRecv >= base+60_000 {
				want = "snapshots_2026-01-15T10-05"
			}
			if !strings.HasPrefix(name, want) {
				t.Fatalf("row ts=%d landed in %s, want prefix %s", r.TsRecv, name, want)
			}
		}
	}
	if byPrefix["snapshots_2026-01-15T10-00.parquet"] != 2 || byPrefix["snapshots_2026-01-15T10-05.parquet"] != 2 {
		t.Fatalf("row split = %v, want 2 rows in each bucket file", byPrefix)
	}
}

func TestWriterHandlesMultipleVenuesIndependently(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 5, 1000)
	w.Write(rec("mock-a", 1_700_000_000_000))
	w.Write(rec("mock-b", 1_700_000_000_000))
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"mock-a", "mock-b"} {
		matches, _ := filepath.Glob(filepath.Join(dir, "orderbook_snapshots", "venue="+v, "date=*", "hour=*", "*.parquet"))
		if len(matches) != 1 {
			t.Fatalf("venue %s: expected one flushed file, got %v", v, matches)
		}
	}
}
