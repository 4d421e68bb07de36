package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/gw/surveillance/internal/schema"
)

const tokenBatchCap = 500

// TokenVenueConfig configures a token-keyed venue adaptor: one whose
// wire protocol subscribes by a single per-outcome asset token,
// independent of market grouping, modeled on a CLOB-style exchange.
type TokenVenueConfig struct {
	Name     string
	GammaURL string // REST discovery base URL
	WSURL    string // public market-data WS URL
}

// gammaMarket is the discovery payload shape; field names follow the
// reference exchange's market-listing API.
type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
	Outcomes     string `json:"outcomes"`     // JSON-encoded string array
	ClobTokenIds string `json:"clobTokenIds"` // JSON-encoded string array
}

// tokenIdentity resolves a subscription token back to the market/outcome
// identity BookStore keys on, since the wire protocol's book event only
// carries the asset (token) ID.
type tokenIdentity struct {
	MarketID  string
	OutcomeID string
}

// Token is a token-keyed venue adaptor: paginated REST discovery plus a
// reconnecting WebSocket feed that batch-subscribes by asset (token) ID.
type Token struct {
	cfg  TokenVenueConfig
	rest *resty.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	preopened *websocket.Conn // dialed by OpenFeed, adopted by Run's first connect
	desired   map[string]bool // token -> wanted, survives disconnects
	subbed    map[string]bool // token -> actually sent over the current conn

	connMu    sync.Mutex
	connected bool

	pendingMu sync.Mutex
	pending   []schema.FeedUpdate
	seqMu     sync.Mutex
	seqByKey  map[FeedKey]int64

	identityMu sync.RWMutex
	identity   map[string]tokenIdentity // token -> (market_id, outcome_id)
}

// NewToken creates a token-keyed venue adaptor.
func NewToken(cfg TokenVenueConfig) *Token {
	client := resty.New().
		SetBaseURL(cfg.GammaURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Token{
		cfg:      cfg,
		rest:     client,
		desired:  make(map[string]bool),
		subbed:   make(map[string]bool),
		seqByKey: make(map[FeedKey]int64),
		identity: make(map[string]tokenIdentity),
	}
}

func (t *Token) Name() string { return t.cfg.Name }

// BatchCap reports the venue's per-call subscribe/unsubscribe batch
// size, satisfying venue.BatchCap for the subscription manager.
func (t *Token) BatchCap() int { return tokenBatchCap }

// DiscoverMarkets paginates the Gamma-style listing API. Each market's
// outcomes become a MarketDescriptor with one TokenID per outcome,
// ordered to match OutcomeIDs.
func (t *Token) DiscoverMarkets(ctx context.Context) ([]schema.MarketDescriptor, error) {
	var all []gammaMarket
	offset, limit := 0, 100

	for {
		var page []gammaMarket
		resp, err := t.rest.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("discover markets page %d: %w", offset, err)
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("discover markets: status %d", resp.StatusCode())
		}
		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	out := make([]schema.MarketDescriptor, 0, len(all))
	for _, m := range all {
		var outcomeNames, tokenIDs []string
		_ = json.Unmarshal([]byte(m.Outcomes), &outcomeNames)
		_ = json.Unmarshal([]byte(m.ClobTokenIds), &tokenIDs)
		if len(tokenIDs) == 0 {
			continue // no subscribable tokens for this market, skip
		}

		outcomeIDs := make([]string, len(tokenIDs))
		for i := range tokenIDs {
			if i < len(outcomeNames) {
				outcomeIDs[i] = outcomeNames[i]
			} else {
				outcomeIDs[i] = strconv.Itoa(i)
			}
		}

		status := "active"
		if m.Closed {
			status = "closed"
		} else if !m.Active {
			status = "inactive"
		}

		var closeTs *int64
		if ts, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			ms := ts.UnixMilli()
			closeTs = &ms
		}

		out = append(out, schema.MarketDescriptor{
			MarketID:   m.ConditionID,
			Title:      m.Question,
			OutcomeIDs: outcomeIDs,
			CloseTs:    closeTs,
			Status:     status,
			TokenIDs:   tokenIDs,
		})
	}

	t.identityMu.Lock()
	for _, m := range out {
		for i, tok := range m.TokenIDs {
			if i >= len(m.OutcomeIDs) {
				break
			}
			t.identity[tok] = tokenIdentity{MarketID: m.MarketID, OutcomeID: m.OutcomeIDs[i]}
		}
	}
	t.identityMu.Unlock()

	return out, nil
}

func (t *Token) OpenFeed(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.preopened = conn
	t.mu.Unlock()
	t.setConnected(true)
	return nil
}

// Run maintains the WebSocket connection with exponential backoff
// (1s -> 30s cap), re-subscribing all tracked tokens on reconnect.
func (t *Token) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("venue ws disconnected, reconnecting", "venue", t.cfg.Name, "err", err, "backoff", backoff)
		t.setConnected(false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (t *Token) connectAndRead(ctx context.Context) error {
	t.mu.Lock()
	conn := t.preopened
	t.preopened = nil
	t.mu.Unlock()

	if conn == nil {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, t.cfg.WSURL, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.subbed = make(map[string]bool)
	tokens := make([]string, 0, len(t.desired))
	for tok := range t.desired {
		tokens = append(tokens, tok)
	}
	t.mu.Unlock()

	if len(tokens) > 0 {
		if err := t.writeSubscribe(tokens); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	t.setConnected(true)
	slog.Info("venue ws connected", "venue", t.cfg.Name, "subscriptions", len(tokens))

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.pingLoop(pingCtx, conn)

	backoff := 90 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(backoff))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		t.dispatch(msg)
	}
}

func (t *Token) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(50 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type tokenBookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

func (t *Token) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	if envelope.EventType != "book" {
		return
	}

	var evt tokenBookEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		slog.Debug("venue ws: book unmarshal error", "err", err)
		return
	}

	key := TokenKey(evt.AssetID)
	t.seqMu.Lock()
	t.seqByKey[key]++
	seq := t.seqByKey[key]
	t.seqMu.Unlock()

	// The book event only carries the asset (token) ID; resolve it back
	// to (market_id, outcome_id) via the discovery-populated identity
	// map so BookStore keys stay venue-independent. Before the first
	// discovery pass, fall back to the token itself.
	marketID, outcomeID := evt.AssetID, ""
	t.identityMu.RLock()
	if id, ok := t.identity[evt.AssetID]; ok {
		marketID, outcomeID = id.MarketID, id.OutcomeID
	}
	t.identityMu.RUnlock()

	update := schema.FeedUpdate{
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Bids:      parseStringLevels(evt.Bids),
		Asks:      parseStringLevels(evt.Asks),
		Sequence:  seq,
	}

	t.pendingMu.Lock()
	t.pending = append(t.pending, update)
	t.pendingMu.Unlock()
}

func parseStringLevels(raw [][2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		px, err1 := strconv.ParseFloat(level[0], 64)
		sz, err2 := strconv.ParseFloat(level[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, schema.PriceLevel{Price: px, Size: sz})
	}
	return out
}

func (t *Token) writeSubscribe(tokens []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	msg := map[string]any{"type": "market", "assets_ids": tokens}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteJSON(msg); err != nil {
		return err
	}
	for _, tok := range tokens {
		t.subbed[tok] = true
	}
	return nil
}

func (t *Token) writeUnsubscribe(tokens []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	msg := map[string]any{"operation": "unsubscribe", "assets_ids": tokens}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteJSON(msg); err != nil {
		return err
	}
	for _, tok := range tokens {
		delete(t.subbed, tok)
	}
	return nil
}

// Subscribe records tokens as desired and, if connected, sends them
// immediately. The desired set survives disconnects so a reconnect
// re-sends everything currently wanted.
func (t *Token) Subscribe(keys []FeedKey) error {
	tokens := make([]string, 0, len(keys))
	t.mu.Lock()
	for _, k := range keys {
		t.desired[k.Token] = true
		tokens = append(tokens, k.Token)
	}
	t.mu.Unlock()

	if len(tokens) == 0 || !t.IsOpen() {
		return nil
	}
	return t.writeSubscribe(tokens)
}

// Unsubscribe drops tokens from the desired set and, if connected,
// sends the removal immediately.
func (t *Token) Unsubscribe(keys []FeedKey) error {
	tokens := make([]string, 0, len(keys))
	t.mu.Lock()
	for _, k := range keys {
		delete(t.desired, k.Token)
		tokens = append(tokens, k.Token)
	}
	t.mu.Unlock()

	if len(tokens) == 0 || !t.IsOpen() {
		return nil
	}
	return t.writeUnsubscribe(tokens)
}

func (t *Token) NextUpdate() (*schema.FeedUpdate, error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if len(t.pending) == 0 {
		return nil, nil
	}
	u := t.pending[0]
	t.pending = t.pending[1:]
	return &u, nil
}

func (t *Token) IsOpen() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.connected
}

func (t *Token) setConnected(v bool) {
	t.connMu.Lock()
	t.connected = v
	t.connMu.Unlock()
}

var _ BatchCap = (*Token)(nil)
