package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/gw/surveillance/internal/schema"
)

// OutcomeVenueConfig configures an outcome-keyed venue adaptor: one
// whose wire protocol subscribes by (market_id, outcome_id), modeled
// on a binary-market exchange where each outcome has its own ticker.
type OutcomeVenueConfig struct {
	Name       string
	RestURL    string
	WSURL      string
	APIKey     string
	APISecret  string
	HTTPHeader func() (http.Header, error) // optional auth header builder
}

// restMarket is the discovery payload shape; field names follow the
// reference exchange's REST API.
type restMarket struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CloseTime string `json:"close_time"`
}

// Outcome is an outcome-keyed venue adaptor: REST discovery plus a
// reconnecting WebSocket feed that tracks a desired-ticker set and
// replays it on every reconnect.
type Outcome struct {
	cfg  OutcomeVenueConfig
	rest *resty.Client

	mu      sync.RWMutex
	desired map[string]bool // ticker -> wanted

	writeMu    sync.Mutex
	conn       *websocket.Conn
	preopened  *websocket.Conn // dialed by OpenFeed, adopted by Run's first connect
	subscribed map[string]bool
	cmdSeq     int64

	connMu    sync.Mutex
	connected bool

	pendingMu sync.Mutex
	pending   []schema.FeedUpdate
	seqMu     sync.Mutex
	seqByKey  map[FeedKey]int64
}

// apiKeyHeader builds the key/signature/timestamp header triad an
// outcome-keyed venue expects: the timestamp is signed with HMAC-SHA256
// under apiSecret.
func apiKeyHeader(apiKey, apiSecret string) func() (http.Header, error) {
	return func() (http.Header, error) {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(apiSecret))
		mac.Write([]byte(ts))
		sig := hex.EncodeToString(mac.Sum(nil))

		h := http.Header{}
		h.Set("ACCESS-KEY", apiKey)
		h.Set("ACCESS-SIGNATURE", sig)
		h.Set("ACCESS-TIMESTAMP", ts)
		return h, nil
	}
}

// NewOutcome creates an outcome-keyed venue adaptor. When APIKey is
// set and no HTTPHeader builder was supplied, one is derived from
// APIKey/APISecret.
func NewOutcome(cfg OutcomeVenueConfig) *Outcome {
	client := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	if cfg.HTTPHeader == nil && cfg.APIKey != "" {
		cfg.HTTPHeader = apiKeyHeader(cfg.APIKey, cfg.APISecret)
	}

	return &Outcome{
		cfg:        cfg,
		rest:       client,
		desired:    make(map[string]bool),
		subscribed: make(map[string]bool),
		seqByKey:   make(map[FeedKey]int64),
	}
}

func (o *Outcome) Name() string { return o.cfg.Name }

// DiscoverMarkets fetches the current market list over REST. Markets
// here are binary: one ticker maps to market_id == ticker and a single
// implicit "yes" outcome, matching the reference exchange's
// one-ticker-per-market shape.
func (o *Outcome) DiscoverMarkets(ctx context.Context) ([]schema.MarketDescriptor, error) {
	var page struct {
		Markets []restMarket `json:"markets"`
		Cursor  string       `json:"cursor"`
	}

	resp, err := o.rest.R().
		SetContext(ctx).
		SetQueryParam("limit", "200").
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("discover markets: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("discover markets: status %d", resp.StatusCode())
	}

	out := make([]schema.MarketDescriptor, 0, len(page.Markets))
	for _, m := range page.Markets {
		var closeTs *int64
		if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
			ms := t.UnixMilli()
			closeTs = &ms
		}
		status := "active"
		switch m.Status {
		case "closed", "finalized", "settled":
			status = "closed"
		case "", "inactive":
			status = "inactive"
		}
		out = append(out, schema.MarketDescriptor{
			MarketID:   m.Ticker,
			Title:      m.Title,
			OutcomeIDs: []string{"yes"},
			CloseTs:    closeTs,
			Status:     status,
		})
	}
	return out, nil
}

// Preflight sanity-checks configured credentials by attaching the
// configured auth header to a public discovery call. Venues with no
// HTTPHeader builder have nothing to check and return nil immediately.
func (o *Outcome) Preflight(ctx context.Context) error {
	if o.cfg.HTTPHeader == nil {
		return nil
	}
	header, err := o.cfg.HTTPHeader()
	if err != nil {
		return fmt.Errorf("preflight: build auth header: %w", err)
	}
	resp, err := o.rest.R().
		SetContext(ctx).
		SetHeaderMultiValues(map[string][]string(header)).
		SetQueryParam("limit", "1").
		Get("/markets")
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("preflight: auth rejected, status %d", resp.StatusCode())
	}
	return nil
}

func (o *Outcome) OpenFeed(ctx context.Context) error {
	conn, err := o.dial(ctx)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	o.writeMu.Lock()
	o.conn = conn
	o.preopened = conn
	o.writeMu.Unlock()
	o.setConnected(true)
	return nil
}

func (o *Outcome) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if o.cfg.HTTPHeader != nil {
		h, err := o.cfg.HTTPHeader()
		if err != nil {
			return nil, fmt.Errorf("auth header: %w", err)
		}
		header = h
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, o.cfg.WSURL, header)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	return conn, nil
}

// Run maintains the WebSocket connection with reconnect-with-backoff,
// re-subscribing the desired ticker set on every successful reconnect.
func (o *Outcome) Run(ctx context.Context) error {
	for {
		if err := o.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("venue ws disconnected", "venue", o.cfg.Name, "err", err)
		}
		o.setConnected(false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (o *Outcome) connectAndRead(ctx context.Context) error {
	o.writeMu.Lock()
	conn := o.preopened
	o.preopened = nil
	o.writeMu.Unlock()

	if conn == nil {
		var err error
		conn, err = o.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
	}
	defer conn.Close()

	o.writeMu.Lock()
	o.conn = conn
	o.subscribed = make(map[string]bool)
	o.cmdSeq = 0
	o.writeMu.Unlock()

	o.mu.RLock()
	tickers := make([]string, 0, len(o.desired))
	for t := range o.desired {
		tickers = append(tickers, t)
	}
	o.mu.RUnlock()

	if len(tickers) > 0 {
		if err := o.sendSubscribe(tickers); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	o.setConnected(true)
	slog.Info("venue ws connected", "venue", o.cfg.Name, "subscriptions", len(tickers))

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.pingLoop(pingCtx, conn)

	return o.readLoop(ctx, conn)
}

func (o *Outcome) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

type outcomeEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type outcomeDelta struct {
	Ticker string  `json:"market_ticker"`
	Price  float64 `json:"price"`
	Side   string  `json:"side"`
	Size   float64 `json:"size"`
}

func (o *Outcome) readLoop(ctx context.Context, conn *websocket.Conn) error {
	levels := make(map[string]map[string]map[float64]float64) // ticker -> side -> price -> size

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		var env outcomeEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.Type != "orderbook_delta" && env.Type != "orderbook_snapshot" {
			continue
		}

		var d outcomeDelta
		if err := json.Unmarshal(env.Msg, &d); err != nil {
			continue
		}

		book, ok := levels[d.Ticker]
		if !ok {
			book = map[string]map[float64]float64{"yes": {}, "no": {}}
			levels[d.Ticker] = book
		}
		side := book[d.Side]
		if d.Size <= 0 {
			delete(side, d.Price)
		} else {
			side[d.Price] = d.Size
		}

		key := OutcomeKey(d.Ticker, "yes")
		o.seqMu.Lock()
		o.seqByKey[key]++
		seq := o.seqByKey[key]
		o.seqMu.Unlock()

		update := schema.FeedUpdate{
			MarketID:  d.Ticker,
			OutcomeID: "yes",
			Bids:      toLevels(book["yes"]),
			Asks:      toLevels(book["no"]),
			Sequence:  seq,
		}

		o.pendingMu.Lock()
		o.pending = append(o.pending, update)
		o.pendingMu.Unlock()
	}
}

func toLevels(m map[float64]float64) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(m))
	for px, sz := range m {
		out = append(out, schema.PriceLevel{Price: px, Size: sz})
	}
	return out
}

func (o *Outcome) sendSubscribe(tickers []string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.conn == nil {
		return fmt.Errorf("not connected")
	}
	o.cmdSeq++
	cmd := map[string]any{
		"id":  o.cmdSeq,
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{"orderbook_delta"},
			"market_tickers": tickers,
		},
	}
	o.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := o.conn.WriteJSON(cmd); err != nil {
		return err
	}
	o.conn.SetWriteDeadline(time.Time{})
	for _, t := range tickers {
		o.subscribed[t] = true
	}
	return nil
}

func (o *Outcome) sendUnsubscribe(tickers []string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.conn == nil {
		return fmt.Errorf("not connected")
	}
	o.cmdSeq++
	cmd := map[string]any{
		"id":  o.cmdSeq,
		"cmd": "update_subscription",
		"params": map[string]any{
			"market_tickers": tickers,
			"action":         "remove_markets",
		},
	}
	o.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := o.conn.WriteJSON(cmd); err != nil {
		return err
	}
	o.conn.SetWriteDeadline(time.Time{})
	for _, t := range tickers {
		delete(o.subscribed, t)
	}
	return nil
}

// Subscribe requests outcome-keyed tickers be added to the desired set
// and, if connected, sends them immediately.
func (o *Outcome) Subscribe(keys []FeedKey) error {
	tickers := make([]string, 0, len(keys))
	o.mu.Lock()
	for _, k := range keys {
		o.desired[k.MarketID] = true
		tickers = append(tickers, k.MarketID)
	}
	o.mu.Unlock()

	if !o.IsOpen() || len(tickers) == 0 {
		return nil
	}
	return o.sendSubscribe(tickers)
}

// Unsubscribe removes outcome-keyed tickers from the desired set and,
// if connected, sends the removal immediately.
func (o *Outcome) Unsubscribe(keys []FeedKey) error {
	tickers := make([]string, 0, len(keys))
	o.mu.Lock()
	for _, k := range keys {
		delete(o.desired, k.MarketID)
		tickers = append(tickers, k.MarketID)
	}
	o.mu.Unlock()

	if !o.IsOpen() || len(tickers) == 0 {
		return nil
	}
	return o.sendUnsubscribe(tickers)
}

func (o *Outcome) NextUpdate() (*schema.FeedUpdate, error) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if len(o.pending) == 0 {
		return nil, nil
	}
	u := o.pending[0]
	o.pending = o.pending[1:]
	return &u, nil
}

func (o *Outcome) IsOpen() bool {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return o.connected
}

func (o *Outcome) setConnected(v bool) {
	o.connMu.Lock()
	o.connected = v
	o.connMu.Unlock()
}
