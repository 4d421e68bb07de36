package metrics

import "testing"

func TestRecordUpdateGapDetection(t *testing.T) {
	m := New("mock")
	key := Key{MarketID: "M", OutcomeID: "yes"}

	for _, seq := range []int64{1, 2, 5, 4} {
		m.RecordUpdate(key, seq)
	}

	snap := m.Snapshot()
	if snap.GapsReported != 2 {
		t.Fatalf("gaps_reported = %d, want 2", snap.GapsReported)
	}
	if snap.OutOfOrder != 1 {
		t.Fatalf("out_of_order = %d, want 1", snap.OutOfOrder)
	}
}

func TestRecordUpdateMonotoneNoGaps(t *testing.T) {
	m := New("mock")
	key := Key{MarketID: "M"}
	for _, seq := range []int64{1, 2, 3} {
		m.RecordUpdate(key, seq)
	}
	snap := m.Snapshot()
	if snap.GapsReported != 0 || snap.OutOfOrder != 0 {
		t.Fatalf("expected no gaps/ooo, got %+v", snap)
	}
}

func TestRecordUpdateSumsGapFormula(t *testing.T) {
	// gaps_reported = sum(max(0, s_i - s_(i-1) - 1))
	m := New("mock")
	key := Key{MarketID: "M"}
	seqs := []int64{10, 13, 14, 20}
	expected := int64(0)
	prev := int64(-1)
	for _, s := range seqs {
		if prev >= 0 {
			d := s - prev - 1
			if d > 0 {
				expected += d
			}
		}
		prev = s
	}
	for _, s := range seqs {
		m.RecordUpdate(key, s)
	}
	snap := m.Snapshot()
	if snap.GapsReported != expected {
		t.Fatalf("gaps_reported = %d, want %d", snap.GapsReported, expected)
	}
}

func TestRecordMessageAndErrorCounters(t *testing.T) {
	m := New("mock")
	m.RecordMessage()
	m.RecordMessage()
	m.RecordError()
	snap := m.Snapshot()
	if snap.FeedMessages != 2 || snap.Errors != 1 {
		t.Fatalf("snap = %+v", snap)
	}
}
