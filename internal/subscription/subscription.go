// Package subscription drives a venue's subscribe/unsubscribe traffic
// under a per-minute churn budget, diffing the scheduler's target set
// against what is currently tracked.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gw/surveillance/internal/venue"
)

const defaultMaxSubs = 200

// Manager holds one venue's adaptor and tracks the current set, the
// pending add/remove queues, and the rolling churn window.
type Manager struct {
	venueName  string
	adaptor    venue.Adaptor
	batchCap   int // 0 means the venue is not batch-oriented
	maxSubs    int
	churnLimit int

	mu               sync.Mutex
	current          map[venue.FeedKey]bool
	pendingAdd       []venue.FeedKey
	pendingRemove    []venue.FeedKey
	churnCount       int
	churnWindowStart time.Time
}

// New creates a SubscriptionManager for adaptor. If adaptor implements
// venue.BatchCap, pending adds/removes are sent in batches of up to its
// reported cap; otherwise one key is sent per call.
func New(adaptor venue.Adaptor, maxSubs, churnLimitPerMinute int) *Manager {
	if maxSubs <= 0 {
		maxSubs = defaultMaxSubs
	}
	batchCap := 0
	if bc, ok := adaptor.(venue.BatchCap); ok {
		batchCap = bc.BatchCap()
	}
	return &Manager{
		venueName:        adaptor.Name(),
		adaptor:          adaptor,
		batchCap:         batchCap,
		maxSubs:          maxSubs,
		churnLimit:       churnLimitPerMinute,
		current:          make(map[venue.FeedKey]bool),
		churnWindowStart: time.Now(),
	}
}

// UpdateTarget diffs target against the tracked current set, appending
// the symmetric-difference keys to the pending queues, and adopts
// target as the new current set immediately (the pending queues are
// what eventually make the venue's remote state match it).
func (m *Manager) UpdateTarget(target map[venue.FeedKey]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range target {
		if !m.current[k] {
			m.pendingAdd = append(m.pendingAdd, k)
		}
	}
	for k := range m.current {
		if !target[k] {
			m.pendingRemove = append(m.pendingRemove, k)
		}
	}

	m.current = make(map[venue.FeedKey]bool, len(target))
	for k := range target {
		m.current[k] = true
	}

	if len(m.pendingAdd) > m.maxSubs {
		excess := len(m.pendingAdd) - m.maxSubs
		slog.Warn("subscription pending_add overflow, dropping oldest",
			"venue", m.venueName, "dropped", excess)
		m.pendingAdd = m.pendingAdd[excess:]
	}
}

// ProcessPending is the 1 Hz timer body. It resets the churn window if
// expired, then spends the remaining per-minute churn budget on adds
// before removes. A fatal adaptor error halts the cycle with the
// queues left intact, to be resumed on the next tick (or after
// reconnect).
func (m *Manager) ProcessPending(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.churnWindowStart) >= 60*time.Second {
		m.churnCount = 0
		m.churnWindowStart = now
	}

	if err := m.drain(&m.pendingAdd, true); err != nil {
		return err
	}
	if err := m.drain(&m.pendingRemove, false); err != nil {
		return err
	}
	return nil
}

// drain spends churn budget on one queue. Caller holds m.mu.
func (m *Manager) drain(queue *[]venue.FeedKey, adding bool) error {
	for m.churnCount < m.churnLimit && len(*queue) > 0 {
		if m.batchCap > 0 {
			n := m.batchCap
			if n > len(*queue) {
				n = len(*queue)
			}
			batch := (*queue)[:n]
			var err error
			if adding {
				err = m.adaptor.Subscribe(batch)
			} else {
				err = m.adaptor.Unsubscribe(batch)
			}
			if err != nil {
				return fmt.Errorf("venue %s: batch call failed: %w", m.venueName, err)
			}
			*queue = (*queue)[n:]
			m.churnCount++
		} else {
			key := (*queue)[0]
			var err error
			if adding {
				err = m.adaptor.Subscribe([]venue.FeedKey{key})
			} else {
				err = m.adaptor.Unsubscribe([]venue.FeedKey{key})
			}
			if err != nil {
				return fmt.Errorf("venue %s: call failed: %w", m.venueName, err)
			}
			*queue = (*queue)[1:]
			m.churnCount++
		}
	}
	return nil
}

// PendingCounts reports queue depths, used by tests and diagnostics.
func (m *Manager) PendingCounts() (adds, removes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingAdd), len(m.pendingRemove)
}
