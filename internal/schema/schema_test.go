package schema

import (
	"math"
	"testing"
)

func TestBuildRecordOK(t *testing.T) {
	bids := []PriceLevel{{Price: 0.40, Size: 100}, {Price: 0.45, Size: 50}}
	asks := []PriceLevel{{Price: 0.55, Size: 80}, {Price: 0.50, Size: 20}}

	rec := BuildRecord("mock", "M1", "yes", 7, bids, asks, 1000, nil, 50)

	if rec.Status != StatusOK {
		t.Fatalf("status = %q, want ok", rec.Status)
	}
	if rec.BidPx[0] != 0.45 || rec.BidPx[1] != 0.40 {
		t.Fatalf("bids not sorted descending: %v", rec.BidPx)
	}
	if rec.AskPx[0] != 0.50 || rec.AskPx[1] != 0.55 {
		t.Fatalf("asks not sorted ascending: %v", rec.AskPx)
	}
	if rec.Mid != (0.45+0.50)/2 {
		t.Fatalf("mid = %v", rec.Mid)
	}
	bestBid, bestAsk := 0.45, 0.50
	if rec.Spread != bestAsk-bestBid {
		t.Fatalf("spread = %v", rec.Spread)
	}
	if len(rec.BidPx) != len(rec.BidSz) || len(rec.AskPx) != len(rec.AskSz) {
		t.Fatal("px/sz length mismatch")
	}
}

func TestBuildRecordPartialEmptySideIsNaN(t *testing.T) {
	bids := []PriceLevel{{Price: 0.4, Size: 10}}
	rec := BuildRecord("mock", "M1", "yes", 1, bids, nil, 1000, nil, 50)
	if rec.Status != StatusPartial {
		t.Fatalf("status = %q, want partial", rec.Status)
	}
	if !math.IsNaN(rec.BestAskPx) || !math.IsNaN(rec.Mid) || !math.IsNaN(rec.Spread) {
		t.Fatal("expected NaN for missing ask side")
	}
}

func TestBuildRecordEmpty(t *testing.T) {
	rec := BuildRecord("mock", "M1", "yes", 1, nil, nil, 1000, nil, 50)
	if rec.Status != StatusEmpty {
		t.Fatalf("status = %q, want empty", rec.Status)
	}
}

func TestBuildRecordTopKTruncation(t *testing.T) {
	var bids []PriceLevel
	for i := 0; i < 10; i++ {
		bids = append(bids, PriceLevel{Price: float64(i), Size: 1})
	}
	rec := BuildRecord("mock", "M1", "yes", 1, bids, nil, 1000, nil, 3)
	if len(rec.BidPx) != 3 {
		t.Fatalf("len = %d, want 3", len(rec.BidPx))
	}
	if rec.BidPx[0] != 9 {
		t.Fatalf("expected best-first ordering preserved, got %v", rec.BidPx)
	}
}

func TestBuildRecordCrossedBookNoUncrossing(t *testing.T) {
	bids := []PriceLevel{{Price: 0.9, Size: 1}}
	asks := []PriceLevel{{Price: 0.1, Size: 1}}
	rec := BuildRecord("mock", "M1", "yes", 1, bids, asks, 1000, nil, 50)
	if rec.Status != StatusOK {
		t.Fatalf("status = %q, want ok (no implicit uncrossing)", rec.Status)
	}
	if rec.BestBidPx != 0.9 || rec.BestAskPx != 0.1 {
		t.Fatal("crossed book levels should be stored as given")
	}
}
