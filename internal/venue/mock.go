package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gw/surveillance/internal/schema"
)

// MockConfig controls the synthetic universe a Mock venue generates.
type MockConfig struct {
	MarketsPerVenue int
	UpdateInterval  time.Duration // default 100ms
}

// Mock is a synthetic venue used for local development and tests: it
// generates a fixed universe of binary (yes/no) markets and emits
// random book updates for whichever keys are currently subscribed.
type Mock struct {
	name string
	cfg  MockConfig
	rng  *rand.Rand

	mu          sync.Mutex
	subscribed  map[FeedKey]bool
	seqCounters map[FeedKey]int64
	pending     []schema.FeedUpdate
	open        bool
}

// NewMock creates a mock venue. seed fixes the RNG for reproducible tests.
func NewMock(name string, cfg MockConfig, seed int64) *Mock {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 100 * time.Millisecond
	}
	if cfg.MarketsPerVenue <= 0 {
		cfg.MarketsPerVenue = 500
	}
	return &Mock{
		name:        name,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(seed)),
		subscribed:  make(map[FeedKey]bool),
		seqCounters: make(map[FeedKey]int64),
	}
}

func (m *Mock) Name() string { return m.name }

// DiscoverMarkets synthesizes a fixed binary-outcome universe.
func (m *Mock) DiscoverMarkets(ctx context.Context) ([]schema.MarketDescriptor, error) {
	n := m.cfg.MarketsPerVenue
	out := make([]schema.MarketDescriptor, 0, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		closeTs := now.Add(time.Duration(i%240) * time.Minute).UnixMilli()
		out = append(out, schema.MarketDescriptor{
			MarketID:   fmt.Sprintf("mock-market-%04d", i),
			Title:      fmt.Sprintf("Mock market %d", i),
			OutcomeIDs: []string{"yes", "no"},
			CloseTs:    &closeTs,
			Status:     "active",
		})
	}
	return out, nil
}

func (m *Mock) OpenFeed(ctx context.Context) error {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.open = false
			m.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			m.generateUpdates()
		}
	}
}

func (m *Mock) generateUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.subscribed {
		mid := 0.2 + m.rng.Float64()*0.6
		spread := 0.01 + m.rng.Float64()*0.03
		bids := []schema.PriceLevel{{Price: round4(mid - spread/2), Size: float64(10 + m.rng.Intn(90))}}
		asks := []schema.PriceLevel{{Price: round4(mid + spread/2), Size: float64(10 + m.rng.Intn(90))}}

		m.seqCounters[key]++
		m.pending = append(m.pending, schema.FeedUpdate{
			MarketID:  key.MarketID,
			OutcomeID: key.OutcomeID,
			Bids:      bids,
			Asks:      asks,
			Sequence:  m.seqCounters[key],
		})
	}
}

func round4(f float64) float64 {
	return float64(int(f*10000)) / 10000
}

func (m *Mock) Subscribe(keys []FeedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.subscribed[k] = true
	}
	return nil
}

func (m *Mock) Unsubscribe(keys []FeedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.subscribed, k)
	}
	return nil
}

func (m *Mock) NextUpdate() (*schema.FeedUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, nil
	}
	u := m.pending[0]
	m.pending = m.pending[1:]
	return &u, nil
}

func (m *Mock) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
