// Package venue defines the adaptor capability set the core consumes,
// plus the discriminated subscription-key union that lets the
// scheduler, snapshotter, and subscription manager all operate in a
// venue's own subscription-key space.
package venue

import (
	"context"

	"github.com/gw/surveillance/internal/schema"
)

// KeyKind distinguishes the two subscription-key shapes seen across the
// reference venues.
type KeyKind int

const (
	// KindOutcome is a venue that subscribes by (market_id, outcome_id)
	// pair, e.g. a market with one ticker per binary outcome.
	KindOutcome KeyKind = iota
	// KindToken is a venue that subscribes by a single per-outcome token,
	// independent of any market grouping the core tracks.
	KindToken
)

// FeedKey is the venue's unit of subscription. Exactly one of
// (MarketID, OutcomeID) or Token is meaningful, selected by Kind.
// FeedKey is comparable and usable directly as a map key.
type FeedKey struct {
	Kind      KeyKind
	MarketID  string
	OutcomeID string
	Token     string
}

// OutcomeKey builds a FeedKey for an outcome-keyed venue.
func OutcomeKey(marketID, outcomeID string) FeedKey {
	return FeedKey{Kind: KindOutcome, MarketID: marketID, OutcomeID: outcomeID}
}

// TokenKey builds a FeedKey for a token-keyed venue.
func TokenKey(token string) FeedKey {
	return FeedKey{Kind: KindToken, Token: token}
}

// Adaptor is the capability set the core needs from a venue: discover
// its tradable market universe, open a live feed, subscribe/unsubscribe
// by FeedKey, and pull the next update non-blockingly.
type Adaptor interface {
	// Name identifies the venue for logging and file partitioning.
	Name() string

	// DiscoverMarkets returns the current tradable universe via REST.
	DiscoverMarkets(ctx context.Context) ([]schema.MarketDescriptor, error)

	// OpenFeed establishes the live feed connection. Fails fast on
	// connection error; the caller does not retry OpenFeed itself, Run
	// owns reconnection.
	OpenFeed(ctx context.Context) error

	// Run maintains the feed connection (dial, reconnect-with-backoff,
	// keepalive) until ctx is cancelled.
	Run(ctx context.Context) error

	// Subscribe and Unsubscribe request the venue start/stop delivering
	// updates for the given keys. Eventually honored; not necessarily
	// synchronous with the call returning.
	Subscribe(keys []FeedKey) error
	Unsubscribe(keys []FeedKey) error

	// NextUpdate returns the next buffered update, or nil if idle. Never
	// blocks.
	NextUpdate() (*schema.FeedUpdate, error)

	// IsOpen reports whether the feed connection is currently live.
	IsOpen() bool
}

// AuthPreflighter is implemented by venues that can sanity-check
// configured credentials before the main loop starts, so a bad API key
// fails fast instead of silently producing empty books.
type AuthPreflighter interface {
	Adaptor
	Preflight(ctx context.Context) error
}

// BatchCap is implemented by venues whose wire protocol accepts an
// array of FeedKeys per subscribe/unsubscribe call (e.g. a CLOB-style
// batch subscribe). The SubscriptionManager uses this to decide whether
// one call should carry many keys (one churn unit) or one key at a time
// (one churn unit per key).
type BatchCap interface {
	Adaptor
	BatchCap() int
}
