package deribit

import (
	"encoding/json"
	"fmt"
)

// Env selects the Deribit API environment.
type Env string

const (
	EnvProd Env = "prod"
	EnvTest Env = "test"
)

const (
	wsURLProd = "wss://www.deribit.com/ws/api/v2"
	wsURLTest = "wss://test.deribit.com/ws/api/v2"

	httpURLProd = "https://www.deribit.com/api/v2"
	httpURLTest = "https://test.deribit.com/api/v2"
)

// Kind is the Deribit instrument kind.
type Kind string

const (
	KindFuture Kind = "future"
	KindOption Kind = "option"
	KindSpot   Kind = "spot"
)

// Direction is the order side.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// OrderType is the Deribit order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce values accepted by the order endpoints.
type TimeInForce string

const (
	GoodTilCancelled  TimeInForce = "good_til_cancelled"
	GoodTilDay        TimeInForce = "good_til_day"
	FillOrKill        TimeInForce = "fill_or_kill"
	ImmediateOrCancel TimeInForce = "immediate_or_cancel"
)

// OrderState as reported by the exchange.
type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateFilled    OrderState = "filled"
	OrderStateRejected  OrderState = "rejected"
	OrderStateCancelled OrderState = "cancelled"
)

// IsFinal reports whether the state is terminal.
func (s OrderState) IsFinal() bool {
	return s == OrderStateFilled || s == OrderStateRejected || s == OrderStateCancelled
}

const (
	methodPublicAuth            = "public/auth"
	methodPublicSubscribe       = "public/subscribe"
	methodPrivateSubscribe      = "private/subscribe"
	methodPublicGetCurrencies   = "public/get_currencies"
	methodPublicGetInstruments  = "public/get_instruments"
	methodPrivateAccSummaries   = "private/get_account_summaries"
	methodPrivateGetPositions   = "private/get_positions"
	methodPrivateBuy            = "private/buy"
	methodPrivateSell           = "private/sell"
	methodPrivateEdit           = "private/edit"
	methodPrivateCancelByLabel  = "private/cancel_by_label"
	methodPrivateTransactionLog = "private/get_transaction_log"
)

// rpcRequest is the outbound JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// codeInvalidCredentials terminates the session when seen on any response.
const codeInvalidCredentials = 13004

// SubscriptionParams carries a push notification's channel and payload.
type SubscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// RPCMessage is any parsed inbound frame: a success response (Result set),
// an error response (Error set), or a push notification (Method set).
type RPCMessage struct {
	JSONRPC string              `json:"jsonrpc,omitempty"`
	ID      string              `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
	Params  *SubscriptionParams `json:"params,omitempty"`
	UsIn    int64               `json:"usIn,omitempty"`
	UsOut   int64               `json:"usOut,omitempty"`
	UsDiff  int64               `json:"usDiff,omitempty"`
}

type authParams struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type authResult struct {
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type subscribeParams struct {
	Channels []string `json:"channels"`
}

type getInstrumentsParams struct {
	Currency string `json:"currency"`
	Kind     Kind   `json:"kind"`
	Expired  bool   `json:"expired"`
}

type getPositionsParams struct {
	Currency string `json:"currency"`
}

type accSummariesParams struct {
	Extended bool `json:"extended"`
}

type transactionLogParams struct {
	Currency       string `json:"currency"`
	StartTimestamp int64  `json:"start_timestamp"`
	EndTimestamp   int64  `json:"end_timestamp"`
}

type orderRequestParams struct {
	InstrumentName string      `json:"instrument_name"`
	Amount         float64     `json:"amount"`
	Type           OrderType   `json:"type"`
	Label          string      `json:"label"`
	Price          float64     `json:"price,omitempty"`
	TimeInForce    TimeInForce `json:"time_in_force,omitempty"`
}

type editRequestParams struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
	Price   float64 `json:"price"`
}

type cancelByLabelParams struct {
	Label string `json:"label"`
}

// Instrument describes a tradeable Deribit instrument.
type Instrument struct {
	InstrumentName      string  `json:"instrument_name"`
	InstrumentID        int64   `json:"instrument_id"`
	InstrumentType      string  `json:"instrument_type"`
	Kind                Kind    `json:"kind"`
	IsActive            bool    `json:"is_active"`
	BaseCurrency        string  `json:"base_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	CounterCurrency     string  `json:"counter_currency"`
	SettlementCurrency  string  `json:"settlement_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	PriceIndex          string  `json:"price_index"`
	TickSize            float64 `json:"tick_size"`
	ContractSize        float64 `json:"contract_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	MakerCommission     float64 `json:"maker_commission"`
	TakerCommission     float64 `json:"taker_commission"`
	MaxLeverage         float64 `json:"max_leverage"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	CreationTimestamp   int64   `json:"creation_timestamp"`
}

// TickerStats is the 24h statistics block of a ticker payload.
type TickerStats struct {
	VolumeUSD   float64 `json:"volume_usd"`
	Volume      float64 `json:"volume"`
	PriceChange float64 `json:"price_change"`
	Low         float64 `json:"low"`
	High        float64 `json:"high"`
}

// TickerData is the raw ticker channel payload. Funding8h is only present
// for perpetual instruments, which is how perpetuals are detected.
type TickerData struct {
	Timestamp              int64       `json:"timestamp"`
	Stats                  TickerStats `json:"stats"`
	State                  string      `json:"state"`
	SettlementPrice        float64     `json:"settlement_price"`
	OpenInterest           float64     `json:"open_interest"`
	MinPrice               float64     `json:"min_price"`
	MaxPrice               float64     `json:"max_price"`
	MarkPrice              float64     `json:"mark_price"`
	LastPrice              float64     `json:"last_price"`
	InterestValue          float64     `json:"interest_value"`
	InstrumentName         string      `json:"instrument_name"`
	IndexPrice             float64     `json:"index_price"`
	Funding8h              *float64    `json:"funding_8h,omitempty"`
	CurrentFunding         float64     `json:"current_funding"`
	EstimatedDeliveryPrice float64     `json:"estimated_delivery_price"`
	BestBidPrice           float64     `json:"best_bid_price"`
	BestBidAmount          float64     `json:"best_bid_amount"`
	BestAskPrice           float64     `json:"best_ask_price"`
	BestAskAmount          float64     `json:"best_ask_amount"`
}

// Order is an order as reported by the exchange.
type Order struct {
	OrderID             string      `json:"order_id"`
	OrderState          OrderState  `json:"order_state"`
	OrderType           OrderType   `json:"order_type"`
	TimeInForce         TimeInForce `json:"time_in_force"`
	Direction           Direction   `json:"direction"`
	Label               string      `json:"label"`
	InstrumentName      string      `json:"instrument_name"`
	Price               float64     `json:"price"`
	Amount              float64     `json:"amount"`
	FilledAmount        float64     `json:"filled_amount"`
	AveragePrice        float64     `json:"average_price"`
	CreationTimestamp   int64       `json:"creation_timestamp"`
	LastUpdateTimestamp int64       `json:"last_update_timestamp"`
}

// Trade is an execution as reported by the exchange.
type Trade struct {
	TradeSeq       int64      `json:"trade_seq"`
	TradeID        string     `json:"trade_id"`
	Timestamp      int64      `json:"timestamp"`
	State          OrderState `json:"state"`
	Price          float64    `json:"price"`
	OrderType      OrderType  `json:"order_type"`
	OrderID        string     `json:"order_id"`
	MarkPrice      float64    `json:"mark_price"`
	Liquidity      string     `json:"liquidity"`
	Label          string     `json:"label"`
	InstrumentName string     `json:"instrument_name"`
	IndexPrice     float64    `json:"index_price"`
	FeeCurrency    string     `json:"fee_currency"`
	Fee            float64    `json:"fee"`
	Direction      Direction  `json:"direction"`
	Amount         float64    `json:"amount"`
}

// Position is a position as reported by the exchange.
type Position struct {
	InstrumentName            string  `json:"instrument_name"`
	Kind                      Kind    `json:"kind"`
	Direction                 string  `json:"direction"`
	Size                      float64 `json:"size"`
	SizeCurrency              float64 `json:"size_currency"`
	AveragePrice              float64 `json:"average_price"`
	MarkPrice                 float64 `json:"mark_price"`
	IndexPrice                float64 `json:"index_price"`
	SettlementPrice           float64 `json:"settlement_price"`
	EstimatedLiquidationPrice float64 `json:"estimated_liquidation_price"`
	Delta                     float64 `json:"delta"`
	Leverage                  float64 `json:"leverage"`
	InitialMargin             float64 `json:"initial_margin"`
	MaintenanceMargin         float64 `json:"maintenance_margin"`
	OpenOrdersMargin          float64 `json:"open_orders_margin"`
	FloatingProfitLoss        float64 `json:"floating_profit_loss"`
	RealizedProfitLoss        float64 `json:"realized_profit_loss"`
	TotalProfitLoss           float64 `json:"total_profit_loss"`
	RealizedFunding           float64 `json:"realized_funding"`
	InterestValue             float64 `json:"interest_value"`
}

// AccountSummary covers both the get_account_summaries response entries and
// the user.portfolio channel payload, which share their field set.
type AccountSummary struct {
	Currency                 string  `json:"currency"`
	Balance                  float64 `json:"balance"`
	Equity                   float64 `json:"equity"`
	MarginBalance            float64 `json:"margin_balance"`
	AvailableFunds           float64 `json:"available_funds"`
	AvailableWithdrawalFunds float64 `json:"available_withdrawal_funds"`
	InitialMargin            float64 `json:"initial_margin"`
	MaintenanceMargin        float64 `json:"maintenance_margin"`
	ProjectedInitialMargin   float64 `json:"projected_initial_margin"`
	SessionUPL               float64 `json:"session_upl"`
	SessionRPL               float64 `json:"session_rpl"`
	FuturesSessionUPL        float64 `json:"futures_session_upl"`
	FuturesSessionRPL        float64 `json:"futures_session_rpl"`
	FuturesPL                float64 `json:"futures_pl"`
	OptionsSessionUPL        float64 `json:"options_session_upl"`
	OptionsSessionRPL        float64 `json:"options_session_rpl"`
	OptionsPL                float64 `json:"options_pl"`
	OptionsValue             float64 `json:"options_value"`
	OptionsDelta             float64 `json:"options_delta"`
	TotalPL                  float64 `json:"total_pl"`
	DeltaTotal               float64 `json:"delta_total"`
	FeeBalance               float64 `json:"fee_balance"`
	SpotReserve              float64 `json:"spot_reserve"`
	MarginModel              string  `json:"margin_model"`
	CrossCollateralEnabled   bool    `json:"cross_collateral_enabled"`
	PortfolioMarginEnabled   bool    `json:"portfolio_margining_enabled"`
	CreationTimestamp        int64   `json:"creation_timestamp"`
}

// accSummariesResult carries account summaries plus the session identity.
type accSummariesResult struct {
	Username  string           `json:"username"`
	Type      string           `json:"type"`
	ID        int64            `json:"id"`
	Email     string           `json:"email"`
	Summaries []AccountSummary `json:"summaries"`
}

// CurrencyData is an entry of the get_currencies response.
type CurrencyData struct {
	CoinType         string  `json:"coin_type"`
	Currency         string  `json:"currency"`
	CurrencyLong     string  `json:"currency_long"`
	FeePrecision     int     `json:"fee_precision"`
	MinConfirmations int     `json:"min_confirmations"`
	MinWithdrawalFee float64 `json:"min_withdrawal_fee"`
	WithdrawalFee    float64 `json:"withdrawal_fee"`
}

// TransactionLogEntry is an entry of the get_transaction_log response.
type TransactionLogEntry struct {
	ID             int64   `json:"id"`
	UserSeq        int64   `json:"user_seq"`
	Currency       string  `json:"currency"`
	Amount         float64 `json:"amount"`
	Balance        float64 `json:"balance"`
	Change         float64 `json:"change"`
	Cashflow       float64 `json:"cashflow"`
	Timestamp      int64   `json:"timestamp"`
	Type           string  `json:"type"`
	InstrumentName string  `json:"instrument_name,omitempty"`
	Position       float64 `json:"position"`
	Side           string  `json:"side,omitempty"`
	Info           string  `json:"info,omitempty"`
}

type transactionLogResult struct {
	Logs         []TransactionLogEntry `json:"logs"`
	Continuation *int64                `json:"continuation"`
}

// UserChanges is the user.changes channel payload.
type UserChanges struct {
	InstrumentName string     `json:"instrument_name"`
	Trades         []Trade    `json:"trades"`
	Orders         []Order    `json:"orders"`
	Positions      []Position `json:"positions"`
}

// indexPush is the deribit_price_index channel payload.
type indexPush struct {
	IndexName string  `json:"index_name"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// orderAck is the result of private/buy, private/sell and private/edit.
type orderAck struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

// BookAction is the change type of a book delta level.
type BookAction string

const (
	BookActionNew    BookAction = "new"
	BookActionChange BookAction = "change"
	BookActionDelete BookAction = "delete"
)

// BookChange is one `[action, price, amount]` triple of a book push.
type BookChange struct {
	Action BookAction
	Price  float64
	Amount float64
}

func (b *BookChange) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], (*string)(&b.Action)); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &b.Price); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &b.Amount)
}

func (b BookChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{b.Action, b.Price, b.Amount})
}

// bookPush is the book channel payload: a snapshot or a delta.
type bookPush struct {
	Type           string       `json:"type"`
	Timestamp      int64        `json:"timestamp"`
	InstrumentName string       `json:"instrument_name"`
	ChangeID       int64        `json:"change_id"`
	PrevChangeID   int64        `json:"prev_change_id,omitempty"`
	Bids           []BookChange `json:"bids"`
	Asks           []BookChange `json:"asks"`
}
