package deribit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrReadOnly          = errors.New("client is read-only")
	ErrNoTradePermit     = errors.New("credentials lack trade permission")
	ErrNotReady          = errors.New("obligatory subscriptions not active")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderClosed       = errors.New("order already closed")
	ErrOrderPending      = errors.New("order still pending")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// Config is the construction-time configuration of a session.
type Config struct {
	Env          Env
	ClientID     string
	ClientSecret string

	// ReadOnly blocks every order operation regardless of scope.
	ReadOnly bool

	// Reconnect re-dials with a fixed delay after a drop. SilentReauth
	// suppresses the routine token-renewal logs.
	Reconnect    bool
	SilentReauth bool

	// Instruments to track via ticker (and book, if WithOrderBook)
	// channels once reference data is in. Indexes to track via the
	// price index channels.
	Instruments   []string
	Indexes       []string
	WithOrderBook bool

	// FetchTransactionsLogFrom enables a one-shot transaction log
	// backfill from that point; TrackTransactionsLog adds an hourly
	// refresh of the last hour.
	FetchTransactionsLogFrom time.Time
	TrackTransactionsLog     bool

	InstanceID string
	Logger     *zerolog.Logger

	// OnMessage receives every parsed inbound frame after internal
	// handling. OnError receives read failures and fatal session errors.
	OnOpen    func()
	OnClose   func()
	OnError   func(error)
	OnMessage func(RPCMessage)
}

// Client is a stateful Deribit session: one WebSocket connection plus the
// authoritative local mirror of everything the session learned from it.
type Client struct {
	cfg   Config
	wsURL string
	log   zerolog.Logger
	bus   *Bus

	transport *transport
	send      func(rpcRequest) error

	mu      sync.RWMutex
	pending map[string]requestIntent

	authData     AuthData
	authorizedAt time.Time
	openedAt     time.Time
	username     string
	accountType  string
	userID       int64

	subscriptionsPending map[string]struct{}
	subscriptionsActive  map[string]struct{}

	obligatoryPending  map[string]struct{}
	obligatoryReceived map[string]struct{}
	obligatoryFired    bool
	instanceReady      bool

	instrumentsByKind map[Kind][]Instrument
	instrumentsByName map[string]*Instrument
	currencies        []CurrencyData

	indexes map[string]float64
	tickers map[string]*TickerView
	books   map[string]*BookView

	accountSummaries map[string]AccountSummary
	positions        map[string]Position

	pendingOrdersCount int
	ordersByLabel      map[string]*LocalOrder
	ordersByRefID      map[string]*LocalOrder
	ordersList         []*LocalOrder
	trades             []Trade
	tradesByID         map[string]Trade
	userChanges        []UserChanges

	transactionLog        map[string]*transactionLogState
	transactionLogStarted bool

	sessionDone chan struct{}
	closeOnce   sync.Once
	fatalErr    error
}

// New validates the configuration and builds a client. No connection is
// made until Connect.
func New(cfg Config) (*Client, error) {
	var wsURL string
	switch cfg.Env {
	case EnvProd:
		wsURL = wsURLProd
	case EnvTest:
		wsURL = wsURLTest
	default:
		return nil, fmt.Errorf("%w: unknown env %q", ErrInvalidConfig, cfg.Env)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: api credentials required", ErrInvalidConfig)
	}
	if cfg.OnMessage == nil {
		return nil, fmt.Errorf("%w: OnMessage callback required", ErrInvalidConfig)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().
		Str("component", "deribit").
		Str("env", string(cfg.Env)).
		Str("instance", cfg.InstanceID).
		Logger()

	c := &Client{
		cfg:   cfg,
		wsURL: wsURL,
		log:   logger,
		bus:   NewBus(),

		pending: make(map[string]requestIntent),

		subscriptionsPending: make(map[string]struct{}),
		subscriptionsActive:  make(map[string]struct{}),
		obligatoryPending:    make(map[string]struct{}),
		obligatoryReceived:   make(map[string]struct{}),

		instrumentsByKind: make(map[Kind][]Instrument),
		instrumentsByName: make(map[string]*Instrument),

		indexes: make(map[string]float64),
		tickers: make(map[string]*TickerView),
		books:   make(map[string]*BookView),

		accountSummaries: make(map[string]AccountSummary),
		positions:        make(map[string]Position),

		ordersByLabel: make(map[string]*LocalOrder),
		ordersByRefID: make(map[string]*LocalOrder),
		tradesByID:    make(map[string]Trade),

		transactionLog: make(map[string]*transactionLogState),

		sessionDone: make(chan struct{}),
	}

	// get_instruments never returns spot instruments, seed the known pairs
	for _, name := range spotSeedInstruments {
		c.instrumentsByName[name] = &Instrument{
			InstrumentName: name,
			Kind:           KindSpot,
			IsActive:       true,
		}
	}

	t := newTransport(wsURL, cfg.Reconnect, c.log)
	t.onOpen = c.handleOpen
	t.onClose = c.handleClose
	t.onMessage = c.handleMessage
	t.onError = func(err error) {
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
	}
	c.transport = t
	c.send = t.send

	return c, nil
}

// Connect dials the endpoint. Authorization and the rest of the session
// bring-up run from the open callback.
func (c *Client) Connect() error {
	return c.transport.connect()
}

// Close shuts the session down for good.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.sessionDone) })
	return c.transport.close()
}

// Events exposes the session event bus.
func (c *Client) Events() *Bus {
	return c.bus
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	c.openedAt = time.Now()
	c.mu.Unlock()

	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen()
	}

	c.mu.Lock()
	c.requestAuth()
	c.mu.Unlock()
}

// handleClose resets every piece of connection-scoped state: the server
// forgets subscriptions and auth on drop, so the session must too.
func (c *Client) handleClose() {
	c.mu.Lock()
	c.authData = AuthData{}
	c.pending = make(map[string]requestIntent)
	c.subscriptionsPending = make(map[string]struct{})
	c.subscriptionsActive = make(map[string]struct{})
	c.obligatoryPending = make(map[string]struct{})
	c.obligatoryReceived = make(map[string]struct{})
	c.instanceReady = false
	for _, view := range c.books {
		view.SnapshotReceived = false
	}
	c.mu.Unlock()

	c.log.Info().Msg("Connection closed, session state reset")
	c.bus.Publish(EventDisconnected, nil)

	if c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
}

// failLocked terminates the session on an unrecoverable error. Caller
// holds the client mutex; the transport teardown runs asynchronously
// because the read loop may be the caller.
func (c *Client) failLocked(err error) {
	if c.fatalErr != nil {
		return
	}
	c.fatalErr = err
	c.log.Error().Err(err).Msg("Fatal session error")

	c.transport.disableReconnect()
	c.closeOnce.Do(func() { close(c.sessionDone) })
	go c.transport.close()

	if c.cfg.OnError != nil {
		go c.cfg.OnError(err)
	}
}

// handleMessage classifies one inbound frame: error response, push
// notification, success response, unhandled. Every frame is forwarded to
// the consumer callback after internal handling.
func (c *Client) handleMessage(raw []byte) {
	var msg RPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.mu.Lock()
		c.failLocked(fmt.Errorf("malformed frame: %w", err))
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	switch {
	case msg.Error != nil:
		c.handleErrorResponse(&msg)
	case msg.Method == "subscription" && msg.Params != nil:
		c.handleSubscriptionMessage(msg.Params)
	case msg.Result != nil:
		c.handleSuccessResponse(&msg)
	default:
		c.log.Debug().Str("id", msg.ID).Str("method", msg.Method).Msg("Unhandled message")
	}
	c.mu.Unlock()

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

func (c *Client) handleErrorResponse(msg *RPCMessage) {
	c.log.Error().
		Str("id", msg.ID).
		Int("code", msg.Error.Code).
		Str("message", msg.Error.Message).
		Msg("RPC error")

	intent, ok := c.takeIntent(msg.ID)

	if msg.Error.Code == codeInvalidCredentials {
		c.failLocked(fmt.Errorf("invalid credentials: %w", msg.Error))
		return
	}

	if !ok {
		return
	}
	switch intent.kind {
	case intentOpenOrder, intentEditOrder, intentCancelOrder:
		c.handleOrderError(intent, msg.Error)
	case intentSubscribe:
		delete(c.subscriptionsPending, intent.topic)
	case intentReauth:
		// next refresh cycle retries
	}
}

// handleSubscriptionMessage routes a push notification by channel family.
func (c *Client) handleSubscriptionMessage(params *SubscriptionParams) {
	channel := params.Channel
	switch {
	case strings.HasPrefix(channel, "ticker."):
		c.handleTickerPush(channel, params.Data)
	case strings.HasPrefix(channel, "book."):
		c.handleBookPush(params.Data)
	case strings.HasPrefix(channel, "deribit_price_index."):
		c.handleIndexPush(params.Data)
	case strings.HasPrefix(channel, "user.changes."):
		c.handleUserChanges(params.Data)
	case strings.HasPrefix(channel, "user.portfolio."):
		c.handlePortfolioPush(params.Data)
	default:
		c.log.Debug().Str("channel", channel).Msg("Push on unhandled channel")
	}
}

// handleSuccessResponse routes a success response by the intent recorded
// when the request was sent.
func (c *Client) handleSuccessResponse(msg *RPCMessage) {
	intent, ok := c.takeIntent(msg.ID)
	if !ok {
		c.log.Debug().Str("id", msg.ID).Msg("Response without matching request")
		return
	}

	switch intent.kind {
	case intentAuth, intentReauth:
		var res authResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			c.failLocked(fmt.Errorf("auth result: %w", err))
			return
		}
		c.handleAuthResult(res, intent.kind == intentReauth)

	case intentSubscribe:
		var channels []string
		if err := json.Unmarshal(msg.Result, &channels); err != nil {
			c.failLocked(fmt.Errorf("subscribe result: %w", err))
			return
		}
		c.handleSubscribed(channels)

	case intentAccountSummaries:
		var res accSummariesResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			c.failLocked(fmt.Errorf("account summaries result: %w", err))
			return
		}
		c.handleAccountSummaries(res)

	case intentPositions:
		var positions []Position
		if err := json.Unmarshal(msg.Result, &positions); err != nil {
			c.failLocked(fmt.Errorf("positions result: %w", err))
			return
		}
		c.handlePositions(positions)

	case intentCurrencies:
		var currencies []CurrencyData
		if err := json.Unmarshal(msg.Result, &currencies); err != nil {
			c.failLocked(fmt.Errorf("currencies result: %w", err))
			return
		}
		c.handleCurrencies(currencies)

	case intentInstruments:
		var instruments []Instrument
		if err := json.Unmarshal(msg.Result, &instruments); err != nil {
			c.failLocked(fmt.Errorf("instruments result: %w", err))
			return
		}
		c.handleInstruments(intent.instrumentKind, instruments)

	case intentTransactionLog:
		var res transactionLogResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			c.failLocked(fmt.Errorf("transaction log result: %w", err))
			return
		}
		c.handleTransactionLog(intent.currency, res)

	case intentOpenOrder:
		c.handleOpenOrderResult(intent.label, msg.Result)

	case intentEditOrder:
		c.handleEditOrderResult(intent.label, msg.Result)

	case intentCancelOrder:
		c.handleCancelOrderResult(intent.label)
	}
}

// SessionIdentity is the account identity captured from the summaries.
type SessionIdentity struct {
	Username    string
	AccountType string
	UserID      int64
	InstanceID  string
	Env         Env
}

func (c *Client) Identity() SessionIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SessionIdentity{
		Username:    c.username,
		AccountType: c.accountType,
		UserID:      c.userID,
		InstanceID:  c.cfg.InstanceID,
		Env:         c.cfg.Env,
	}
}

// Auth returns a copy of the authorization state.
func (c *Client) Auth() AuthData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	auth := c.authData
	auth.Scope = make(map[string]string, len(c.authData.Scope))
	for k, v := range c.authData.Scope {
		auth.Scope[k] = v
	}
	return auth
}

// CanTrade reports whether order operations would pass their
// preconditions right now.
func (c *Client) CanTrade() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateTradeReadiness() == nil
}

// IsReady reports whether the session is fully settled: authorized, no
// pending subscriptions and no pending obligatory data.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceReady
}

func (c *Client) PendingSubscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subscriptionsPending)
}

func (c *Client) ActiveSubscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subscriptionsActive)
}

func (c *Client) PendingObligatoryData() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.obligatoryPending)
}

func (c *Client) Instruments(kind Kind) []Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instrument, len(c.instrumentsByKind[kind]))
	copy(out, c.instrumentsByKind[kind])
	return out
}

func (c *Client) InstrumentByName(name string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instrumentsByName[name]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

func (c *Client) Currencies() []CurrencyData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CurrencyData, len(c.currencies))
	copy(out, c.currencies)
	return out
}

// CurrenciesInWork is the currency set derived from the configured
// instrument names.
func (c *Client) CurrenciesInWork() []string {
	return currenciesInWork(c.cfg.Instruments)
}

func (c *Client) Index(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.indexes[name]
	return price, ok
}

func (c *Client) Ticker(instrument string) (TickerView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view, ok := c.tickers[instrument]
	if !ok {
		return TickerView{}, false
	}
	return *view, true
}

func (c *Client) Book(instrument string) (BookView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view, ok := c.books[instrument]
	if !ok {
		return BookView{}, false
	}
	out := *view
	out.Bids = make([]BookLevel, len(view.Bids))
	copy(out.Bids, view.Bids)
	out.Asks = make([]BookLevel, len(view.Asks))
	copy(out.Asks, view.Asks)
	return out, true
}

func (c *Client) AccountSummary(currency string) (AccountSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	summary, ok := c.accountSummaries[currency]
	return summary, ok
}

func (c *Client) AccountSummaries() map[string]AccountSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]AccountSummary, len(c.accountSummaries))
	for k, v := range c.accountSummaries {
		out[k] = v
	}
	return out
}

func (c *Client) Position(instrument string) (Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[instrument]
	return pos, ok
}

func (c *Client) Positions() map[string]Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Position, len(c.positions))
	for k, v := range c.positions {
		out[k] = v
	}
	return out
}

func copyLocalOrder(order *LocalOrder) LocalOrder {
	out := *order
	out.Trades = make([]Trade, len(order.Trades))
	copy(out.Trades, order.Trades)
	out.EditHistory = make([]EditRecord, len(order.EditHistory))
	copy(out.EditHistory, order.EditHistory)
	if order.LastResult != nil {
		last := *order.LastResult
		out.LastResult = &last
	}
	return out
}

func (c *Client) OrderByLabel(label string) (LocalOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.ordersByLabel[label]
	if !ok {
		return LocalOrder{}, false
	}
	return copyLocalOrder(order), true
}

func (c *Client) OrderByRefID(refID string) (LocalOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.ordersByRefID[refID]
	if !ok {
		return LocalOrder{}, false
	}
	return copyLocalOrder(order), true
}

func (c *Client) Orders() []LocalOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LocalOrder, 0, len(c.ordersList))
	for _, order := range c.ordersList {
		out = append(out, copyLocalOrder(order))
	}
	return out
}

func (c *Client) HasPendingOrders() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingOrdersCount > 0
}

func (c *Client) Trades() []Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

func (c *Client) TradeByID(id string) (Trade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	trade, ok := c.tradesByID[id]
	return trade, ok
}

// UserChangesLog is the raw user.changes journal in arrival order.
func (c *Client) UserChangesLog() []UserChanges {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UserChanges, len(c.userChanges))
	copy(out, c.userChanges)
	return out
}

func (c *Client) TransactionLog(currency string) []TransactionLogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.transactionLog[currency]
	if !ok {
		return nil
	}
	out := make([]TransactionLogEntry, len(state.entries))
	copy(out, state.entries)
	return out
}
