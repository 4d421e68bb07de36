package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/gw/surveillance/internal/schema"
	"github.com/gw/surveillance/internal/venue"
)

// fakeAdaptor records subscribe/unsubscribe calls for assertions.
type fakeAdaptor struct {
	name       string
	batchCap   int
	subCalls   [][]venue.FeedKey
	unsubCalls [][]venue.FeedKey
	calls      []string // "sub"/"unsub" in call order
}

func (f *fakeAdaptor) Name() string { return f.name }
func (f *fakeAdaptor) DiscoverMarkets(ctx context.Context) ([]schema.MarketDescriptor, error) {
	return nil, nil
}
func (f *fakeAdaptor) OpenFeed(ctx context.Context) error { return nil }
func (f *fakeAdaptor) Run(ctx context.Context) error      { return nil }
func (f *fakeAdaptor) Subscribe(keys []venue.FeedKey) error {
	f.subCalls = append(f.subCalls, keys)
	f.calls = append(f.calls, "sub")
	return nil
}
func (f *fakeAdaptor) Unsubscribe(keys []venue.FeedKey) error {
	f.unsubCalls = append(f.unsubCalls, keys)
	f.calls = append(f.calls, "unsub")
	return nil
}
func (f *fakeAdaptor) NextUpdate() (*schema.FeedUpdate, error) { return nil, nil }
func (f *fakeAdaptor) IsOpen() bool                            { return true }
func (f *fakeAdaptor) BatchCap() int                           { return f.batchCap }

var _ venue.BatchCap = (*fakeAdaptor)(nil)

func TestUpdateTargetComputesSymmetricDifference(t *testing.T) {
	a := &fakeAdaptor{name: "v"}
	m := New(a, 200, 20)

	m.UpdateTarget(map[venue.FeedKey]bool{
		venue.OutcomeKey("M1", "yes"): true,
		venue.OutcomeKey("M2", "yes"): true,
	})
	adds, removes := m.PendingCounts()
	if adds != 2 || removes != 0 {
		t.Fatalf("adds=%d removes=%d, want 2/0", adds, removes)
	}

	m.UpdateTarget(map[venue.FeedKey]bool{
		venue.OutcomeKey("M1", "yes"): true,
		venue.OutcomeKey("M3", "yes"): true,
	})
	adds, removes = m.PendingCounts()
	if adds != 3 || removes != 1 {
		t.Fatalf("adds=%d removes=%d, want 3/1 (M3 added, M2 removed)", adds, removes)
	}
}

func TestUpdateTargetIdempotentAfterDrain(t *testing.T) {
	a := &fakeAdaptor{name: "v"}
	m := New(a, 200, 20)

	target := map[venue.FeedKey]bool{
		venue.OutcomeKey("M1", "yes"): true,
		venue.OutcomeKey("M2", "yes"): true,
	}
	m.UpdateTarget(target)
	if err := m.ProcessPending(time.Now()); err != nil {
		t.Fatal(err)
	}

	m.UpdateTarget(target)
	adds, removes := m.PendingCounts()
	if adds != 0 || removes != 0 {
		t.Fatalf("second identical target enqueued work: adds=%d removes=%d", adds, removes)
	}
}

func TestProcessPendingRespectsChurnCap(t *testing.T) {
	a := &fakeAdaptor{name: "v"} // per-call venue, no batch cap
	m := New(a, 200, 20)

	target := map[venue.FeedKey]bool{}
	for i := 0; i < 30; i++ {
		target[venue.OutcomeKey(string(rune('A'+i)), "yes")] = true
	}
	m.UpdateTarget(target)

	now := time.Now()
	if err := m.ProcessPending(now); err != nil {
		t.Fatal(err)
	}
	if len(a.subCalls) != 20 {
		t.Fatalf("subCalls = %d, want 20 (churn cap)", len(a.subCalls))
	}
	adds, _ := m.PendingCounts()
	if adds != 10 {
		t.Fatalf("remaining pending adds = %d, want 10", adds)
	}

	// Next minute drains the rest.
	if err := m.ProcessPending(now.Add(61 * time.Second)); err != nil {
		t.Fatal(err)
	}
	adds, _ = m.PendingCounts()
	if adds != 0 {
		t.Fatalf("pending adds after second window = %d, want 0", adds)
	}
}

func TestProcessPendingAddsBeforeRemoves(t *testing.T) {
	a := &fakeAdaptor{name: "v"}
	m := New(a, 200, 5)

	m.UpdateTarget(map[venue.FeedKey]bool{venue.OutcomeKey("M1", "yes"): true})
	m.ProcessPending(time.Now())
	m.UpdateTarget(map[venue.FeedKey]bool{venue.OutcomeKey("M2", "yes"): true}) // drops M1, adds M2

	if err := m.ProcessPending(time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(a.subCalls) == 0 {
		t.Fatal("expected at least one subscribe call")
	}
	if len(a.unsubCalls) == 0 {
		t.Fatal("expected at least one unsubscribe call")
	}
	seenUnsub := false
	for i, c := range a.calls {
		if c == "unsub" {
			seenUnsub = true
		} else if seenUnsub {
			t.Fatalf("subscribe call %d issued after an unsubscribe: %v", i, a.calls)
		}
	}
}

func TestProcessPendingBatchOrientedVenue(t *testing.T) {
	a := &fakeAdaptor{name: "v", batchCap: 5}
	m := New(a, 200, 20)

	target := map[venue.FeedKey]bool{}
	for i := 0; i < 12; i++ {
		target[venue.TokenKey(string(rune('a'+i)))] = true
	}
	m.UpdateTarget(target)
	if err := m.ProcessPending(time.Now()); err != nil {
		t.Fatal(err)
	}
	// 12 keys / batch 5 -> 3 calls (5, 5, 2), each one churn unit.
	if len(a.subCalls) != 3 {
		t.Fatalf("subCalls = %d, want 3", len(a.subCalls))
	}
}

func TestUpdateTargetOverflowDropsOldest(t *testing.T) {
	a := &fakeAdaptor{name: "v"}
	m := New(a, 5, 20) // maxSubs=5

	target := map[venue.FeedKey]bool{}
	for i := 0; i < 10; i++ {
		target[venue.OutcomeKey(string(rune('A'+i)), "yes")] = true
	}
	m.UpdateTarget(target)
	adds, _ := m.PendingCounts()
	if adds != 5 {
		t.Fatalf("adds = %d, want 5 (overflow dropped)", adds)
	}
}
