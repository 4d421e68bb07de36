// Package columnar buffers SnapshotRecords per (venue, TimeBucket) and
// flushes them to Parquet files via write-to-temp-then-atomic-rename,
// so a consumer never observes a partially written file.
package columnar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/timebucket"
)

// Row is the on-disk Parquet schema for one SnapshotRecord. Field names
// are the Parquet column names.
type Row struct {
	TsRecv    int64     `parquet:"ts_recv"`
	Venue     string    `parquet:"venue"`
	MarketID  string    `parquet:"market_id"`
	OutcomeID string    `parquet:"outcome_id"`
	Seq       int64     `parquet:"seq"`
	BestBidPx float64   `parquet:"best_bid_px"`
	BestBidSz float64   `parquet:"best_bid_sz"`
	BestAskPx float64   `parquet:"best_ask_px"`
	BestAskSz float64   `parquet:"best_ask_sz"`
	Mid       float64   `parquet:"mid"`
	Spread    float64   `parquet:"spread"`
	BidPx     []float64 `parquet:"bid_px"`
	BidSz     []float64 `parquet:"bid_sz"`
	AskPx     []float64 `parquet:"ask_px"`
	AskSz     []float64 `parquet:"ask_sz"`
	Status    string    `parquet:"status"`
	Err       string    `parquet:"err"`
	SourceTs  int64     `parquet:"source_ts"`
}

func toRow(rec schema.Record) Row {
	var sourceTs int64
	if rec.SourceTs != nil {
		sourceTs = *rec.SourceTs
	}
	return Row{
		TsRecv:    rec.TsRecv,
		Venue:     rec.Venue,
		MarketID:  rec.MarketID,
		OutcomeID: rec.OutcomeID,
		Seq:       rec.Seq,
		BestBidPx: rec.BestBidPx,
		BestBidSz: rec.BestBidSz,
		BestAskPx: rec.BestAskPx,
		BestAskSz: rec.BestAskSz,
		Mid:       rec.Mid,
		Spread:    rec.Spread,
		BidPx:     rec.BidPx,
		BidSz:     rec.BidSz,
		AskPx:     rec.AskPx,
		AskSz:     rec.AskSz,
		Status:    rec.Status,
		Err:       rec.Err,
		SourceTs:  sourceTs,
	}
}

// venueBuffer holds one venue's in-progress bucket and accumulated rows.
type venueBuffer struct {
	bucket timebucket.Bucket
	rows   []Row
}

// pendingFlush is a batch of rows pulled out of a venueBuffer for
// flushing. It is held in Writer.retry until flushOne succeeds, so a
// failed flush is retried on the next trigger instead of losing rows.
type pendingFlush struct {
	venue  string
	bucket timebucket.Bucket
	rows   []Row
}

// Writer groups SnapshotRecords by venue and TimeBucket, flushing each
// group to its own Parquet file on a bucket rollover, a row-count
// threshold, or a periodic timer.
type Writer struct {
	dataDir       string
	bucketMinutes int
	flushRows     int

	mu      sync.Mutex
	buffers map[string]*venueBuffer // venue -> buffer

	retryMu sync.Mutex
	retry   []pendingFlush
}

// NewWriter creates a Writer rooted at dataDir. Flushed files live under
// {dataDir}/orderbook_snapshots/venue={v}/date={d}/hour={h}/.
func NewWriter(dataDir string, bucketMinutes, flushRows int) *Writer {
	if flushRows <= 0 {
		flushRows = 50000
	}
	return &Writer{
		dataDir:       dataDir,
		bucketMinutes: bucketMinutes,
		flushRows:     flushRows,
		buffers:       make(map[string]*venueBuffer),
	}
}

// Write appends rec to its venue's buffer, flushing first if rec's
// bucket differs from the buffer's current bucket, and flushing after
// append if the row threshold is reached.
func (w *Writer) Write(rec schema.Record) error {
	bucket := timebucket.FromTimestamp(rec.TsRecv, w.bucketMinutes)

	w.mu.Lock()
	buf, ok := w.buffers[rec.Venue]
	if !ok {
		buf = &venueBuffer{bucket: bucket}
		w.buffers[rec.Venue] = buf
	}

	var toFlush *venueBuffer
	if ok && len(buf.rows) > 0 && !buf.bucket.Equal(bucket) {
		toFlush = &venueBuffer{bucket: buf.bucket, rows: buf.rows}
		buf.rows = nil
	}
	buf.bucket = bucket
	buf.rows = append(buf.rows, toRow(rec))
	flushNow := len(buf.rows) >= w.flushRows
	var flushRows []Row
	if flushNow {
		flushRows = buf.rows
		buf.rows = nil
	}
	venue := rec.Venue
	w.mu.Unlock()

	var firstErr error
	if toFlush != nil {
		firstErr = w.flushRetryable(venue, toFlush.bucket, toFlush.rows)
	}
	if flushNow {
		if err := w.flushRetryable(venue, bucket, flushRows); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush first retries any previously failed flush batches, then
// materializes every venue's non-empty buffer to disk. Intended to be
// called by a periodic timer (flush_seconds) and at shutdown.
func (w *Writer) Flush() error {
	w.drainRetryQueue()

	w.mu.Lock()
	var batch []pendingFlush
	for venue, buf := range w.buffers {
		if len(buf.rows) == 0 {
			continue
		}
		batch = append(batch, pendingFlush{venue: venue, bucket: buf.bucket, rows: buf.rows})
		buf.rows = nil
	}
	w.mu.Unlock()

	var firstErr error
	for _, p := range batch {
		if err := w.flushRetryable(p.venue, p.bucket, p.rows); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushRetryable attempts flushOne once; on failure it enqueues the rows
// onto the retry queue (so the next Flush call retries them) and
// propagates the error to the immediate caller. No buffered row is ever
// dropped on a failed flush, and the caller is never blocked on an
// unbounded retry loop.
func (w *Writer) flushRetryable(venue string, bucket timebucket.Bucket, rows []Row) error {
	if err := w.flushOne(venue, bucket, rows); err != nil {
		w.retryMu.Lock()
		w.retry = append(w.retry, pendingFlush{venue: venue, bucket: bucket, rows: rows})
		w.retryMu.Unlock()
		return err
	}
	return nil
}

// drainRetryQueue retries every previously failed flush batch. Batches
// that still fail remain queued for the next call.
func (w *Writer) drainRetryQueue() {
	w.retryMu.Lock()
	batch := w.retry
	w.retry = nil
	w.retryMu.Unlock()

	var stillFailing []pendingFlush
	for _, p := range batch {
		if err := w.flushOne(p.venue, p.bucket, p.rows); err != nil {
			slog.Warn("columnar: retry flush failed, will retry again", "venue", p.venue, "err", err)
			stillFailing = append(stillFailing, p)
		}
	}

	if len(stillFailing) > 0 {
		w.retryMu.Lock()
		w.retry = append(stillFailing, w.retry...)
		w.retryMu.Unlock()
	}
}

// flushOne writes rows for (venue, bucket) to a temp file and renames it
// into place. A failed write leaves the caller's rows un-flushed;
// flushOne itself does not re-queue them (flushRetryable and
// drainRetryQueue keep them on Writer.retry).
func (w *Writer) flushOne(venue string, bucket timebucket.Bucket, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	dir := filepath.Join(w.dataDir, "orderbook_snapshots", fmt.Sprintf("venue=%s", venue), bucket.PathSegments())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("columnar: create partition dir: %w", err)
	}

	finalPath := filepath.Join(dir, bucket.FilePrefix()+".parquet")
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("columnar: create temp file: %w", err)
	}

	pw := parquet.NewGenericWriter[Row](f)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("columnar: write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("columnar: close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("columnar: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("columnar: rename into place: %w", err)
	}

	slog.Info("columnar: flushed", "venue", venue, "path", finalPath, "rows", len(rows))
	return nil
}

// RunFlushLoop flushes on a fixed interval until ctx is cancelled.
func (w *Writer) RunFlushLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(); err != nil {
				slog.Error("columnar: final flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				slog.Error("columnar: periodic flush failed", "err", err)
			}
		}
	}
}
