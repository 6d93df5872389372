package deribit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"deribit-gateway/internal/metrics"
)

// OrderParams are the caller-supplied parameters of a new order.
type OrderParams struct {
	InstrumentName string
	Direction      Direction
	Amount         float64
	Type           OrderType
	Price          float64
	TimeInForce    TimeInForce
}

// EditRecord is one accepted-or-attempted price edit of a local order.
type EditRecord struct {
	Price     float64
	Amount    float64
	Timestamp int64
}

// LocalOrder is the session's record of one order it placed, keyed by the
// label generated at submission. RefID is the exchange order id, known only
// after the acknowledgement.
type LocalOrder struct {
	Label   string
	RefID   string
	Initial OrderParams

	Pending  bool
	RPCError *RPCError
	State    OrderState

	CreatedAt int64
	UpdatedAt int64
	ClosedAt  int64

	AcceptedPrice float64
	EditHistory   []EditRecord
	LastResult    *Order

	Trades        []Trade
	InitialAmount float64
	TradedAmount  float64
	AveragePrice  float64
	TotalFee      float64
}

// validateTradeReadiness checks the preconditions shared by every order
// operation. Caller holds the client mutex.
func (c *Client) validateTradeReadiness() error {
	if !c.authData.Authorized {
		return ErrNotAuthorized
	}
	if c.cfg.ReadOnly {
		return ErrReadOnly
	}
	if !c.authData.TradePermit {
		return ErrNoTradePermit
	}
	if !c.obligatorySubscriptionsActive() {
		return ErrNotReady
	}
	return nil
}

// OpenOrder submits a new order and returns its generated label. The label
// is the session-side key of the order from this point on.
func (c *Client) OpenOrder(params OrderParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateTradeReadiness(); err != nil {
		return "", err
	}
	if params.InstrumentName == "" {
		return "", fmt.Errorf("%w: instrument name required", ErrInvalidOrder)
	}
	if params.Amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if params.Direction != DirectionBuy && params.Direction != DirectionSell {
		return "", fmt.Errorf("%w: direction must be buy or sell", ErrInvalidOrder)
	}
	if params.Type == "" {
		params.Type = OrderTypeLimit
	}
	if params.Type == OrderTypeLimit && params.Price <= 0 {
		return "", fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
	}
	if params.TimeInForce == "" {
		params.TimeInForce = GoodTilCancelled
	}

	label := uuid.NewString()

	method := methodPrivateBuy
	if params.Direction == DirectionSell {
		method = methodPrivateSell
	}

	req := orderRequestParams{
		InstrumentName: params.InstrumentName,
		Amount:         params.Amount,
		Type:           params.Type,
		Label:          label,
		TimeInForce:    params.TimeInForce,
	}
	if params.Type == OrderTypeLimit {
		req.Price = params.Price
	}

	if err := c.sendRPC(openOrderID(label), method, req,
		requestIntent{kind: intentOpenOrder, label: label}); err != nil {
		return "", err
	}

	order := &LocalOrder{
		Label:         label,
		Initial:       params,
		Pending:       true,
		InitialAmount: params.Amount,
	}
	c.ordersByLabel[label] = order
	c.ordersList = append(c.ordersList, order)
	c.pendingOrdersCount++

	c.log.Info().
		Str("label", label).
		Str("instrument", params.InstrumentName).
		Str("direction", string(params.Direction)).
		Float64("amount", params.Amount).
		Float64("price", params.Price).
		Msg("Order submitted")
	metrics.RecordOrderSubmitted(params.InstrumentName, string(params.Direction))

	return label, nil
}

// EditOrderPrice moves an open order to a new price. The order must have
// been acknowledged (the exchange id is required by the edit endpoint) and
// must not be closed.
func (c *Client) EditOrderPrice(label string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateTradeReadiness(); err != nil {
		return err
	}
	order, ok := c.ordersByLabel[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, label)
	}
	if order.ClosedAt != 0 {
		return fmt.Errorf("%w: %s", ErrOrderClosed, label)
	}
	if order.RefID == "" {
		return fmt.Errorf("%w: %s not yet acknowledged", ErrOrderPending, label)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}

	req := editRequestParams{
		OrderID: order.RefID,
		Amount:  order.Initial.Amount,
		Price:   price,
	}
	if err := c.sendRPC(editOrderID(label), methodPrivateEdit, req,
		requestIntent{kind: intentEditOrder, label: label}); err != nil {
		return err
	}

	order.EditHistory = append(order.EditHistory, EditRecord{
		Price:     price,
		Amount:    order.Initial.Amount,
		Timestamp: nowMillis(),
	})

	c.log.Info().Str("label", label).Float64("price", price).Msg("Order edit requested")
	return nil
}

// CancelOrder cancels an order by its label.
func (c *Client) CancelOrder(label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateTradeReadiness(); err != nil {
		return err
	}
	order, ok := c.ordersByLabel[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, label)
	}
	if order.ClosedAt != 0 {
		return fmt.Errorf("%w: %s", ErrOrderClosed, label)
	}

	if err := c.sendRPC(cancelOrderID(label), methodPrivateCancelByLabel,
		cancelByLabelParams{Label: label},
		requestIntent{kind: intentCancelOrder, label: label}); err != nil {
		return err
	}

	c.log.Info().Str("label", label).Msg("Order cancel requested")
	return nil
}

// handleOpenOrderResult applies the acknowledgement of private/buy or
// private/sell: the pending counter drops, the exchange id is stored and
// account summaries and positions are re-requested to reflect the new
// margin usage.
func (c *Client) handleOpenOrderResult(label string, result json.RawMessage) {
	var ack orderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		c.failLocked(err)
		return
	}

	order, ok := c.ordersByLabel[label]
	if !ok {
		c.log.Warn().Str("label", label).Msg("Acknowledgement for unknown order")
		return
	}

	if order.Pending {
		order.Pending = false
		c.pendingOrdersCount--
	}
	order.RefID = ack.Order.OrderID
	order.State = ack.Order.OrderState
	order.CreatedAt = ack.Order.CreationTimestamp
	order.UpdatedAt = ack.Order.LastUpdateTimestamp
	order.AcceptedPrice = ack.Order.Price
	last := ack.Order
	order.LastResult = &last
	c.ordersByRefID[order.RefID] = order

	c.log.Info().
		Str("label", label).
		Str("order_id", order.RefID).
		Str("state", string(order.State)).
		Msg("Order acknowledged")
	metrics.RecordOrderState(string(order.State))

	c.requestAccountSummaries()
	c.requestPositions()

	c.bus.Publish(EventOrderUpdated, label)
}

func (c *Client) handleEditOrderResult(label string, result json.RawMessage) {
	var ack orderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		c.failLocked(err)
		return
	}
	order, ok := c.ordersByLabel[label]
	if !ok {
		c.log.Warn().Str("label", label).Msg("Edit acknowledgement for unknown order")
		return
	}
	order.AcceptedPrice = ack.Order.Price
	order.UpdatedAt = ack.Order.LastUpdateTimestamp
	last := ack.Order
	order.LastResult = &last

	c.log.Info().Str("label", label).Float64("price", ack.Order.Price).Msg("Order edited")
	c.bus.Publish(EventOrderEdited, label)
}

func (c *Client) handleCancelOrderResult(label string) {
	// The terminal state arrives through user.changes; the ack only logs.
	c.log.Info().Str("label", label).Msg("Order cancel acknowledged")
}

// handleOrderError attaches a correlated RPC error to its local order and
// releases the pending slot.
func (c *Client) handleOrderError(intent requestIntent, rpcErr *RPCError) {
	order, ok := c.ordersByLabel[intent.label]
	if !ok {
		return
	}
	order.RPCError = rpcErr
	if intent.kind == intentOpenOrder && order.Pending {
		order.Pending = false
		c.pendingOrdersCount--
	}
	metrics.RecordOrderError(rpcErr.Code)
	c.bus.Publish(EventOrderUpdated, intent.label)
}

// handleUserChanges applies a user.changes push: executions first, then
// order state transitions, then positions. Trades are retained in arrival
// order and attributed to local orders by label.
func (c *Client) handleUserChanges(data json.RawMessage) {
	var changes UserChanges
	if err := json.Unmarshal(data, &changes); err != nil {
		c.failLocked(err)
		return
	}
	c.userChanges = append(c.userChanges, changes)

	for _, trade := range changes.Trades {
		if _, ok := c.tradesByID[trade.TradeID]; !ok {
			c.tradesByID[trade.TradeID] = trade
			c.trades = append(c.trades, trade)
		}
		metrics.RecordTrade(trade.InstrumentName, string(trade.Direction), trade.Amount)

		if trade.Label == "" {
			c.log.Warn().
				Str("trade_id", trade.TradeID).
				Str("instrument", trade.InstrumentName).
				Msg("Trade without label, external source")
			continue
		}
		order, ok := c.ordersByLabel[trade.Label]
		if !ok {
			c.log.Warn().
				Str("trade_id", trade.TradeID).
				Str("label", trade.Label).
				Msg("Trade for unknown order label")
			continue
		}
		order.Trades = append(order.Trades, trade)
	}

	for _, exchOrder := range changes.Orders {
		if exchOrder.Label == "" {
			continue
		}
		order, ok := c.ordersByLabel[exchOrder.Label]
		if !ok {
			c.log.Warn().Str("label", exchOrder.Label).Msg("Update for unknown order label")
			continue
		}
		if order.ClosedAt != 0 {
			// closed is final
			continue
		}

		last := exchOrder
		order.LastResult = &last
		order.UpdatedAt = exchOrder.LastUpdateTimestamp
		if order.RefID == "" {
			order.RefID = exchOrder.OrderID
			c.ordersByRefID[order.RefID] = order
		}

		if exchOrder.OrderState.IsFinal() {
			c.closeOrder(order, exchOrder)
		} else {
			if order.State == "" {
				order.State = exchOrder.OrderState
			}
			c.bus.Publish(EventOrderUpdated, order.Label)
		}
		metrics.RecordOrderState(string(exchOrder.OrderState))
	}

	for _, pos := range changes.Positions {
		c.positions[pos.InstrumentName] = pos
		c.bus.Publish(EventPositionUpdated, pos.InstrumentName)
	}
}

// closeOrder applies a terminal state and settles the execution aggregates
// from the order's accumulated trades.
func (c *Client) closeOrder(order *LocalOrder, exchOrder Order) {
	order.State = exchOrder.OrderState
	order.ClosedAt = exchOrder.LastUpdateTimestamp
	if order.ClosedAt == 0 {
		order.ClosedAt = nowMillis()
	}
	if order.Pending {
		order.Pending = false
		c.pendingOrdersCount--
	}

	var notional, amount, fee float64
	for _, trade := range order.Trades {
		notional += trade.Price * trade.Amount
		amount += trade.Amount
		fee += trade.Fee
	}
	order.TradedAmount = amount
	order.TotalFee = fee
	if amount > 0 {
		order.AveragePrice = notional / amount
	}

	c.log.Info().
		Str("label", order.Label).
		Str("state", string(order.State)).
		Float64("traded", order.TradedAmount).
		Float64("avg_price", order.AveragePrice).
		Float64("fee", order.TotalFee).
		Msg("Order closed")

	c.bus.Publish(EventOrderUpdated, order.Label)
	if order.State == OrderStateFilled {
		c.bus.Publish(EventOrderFilled, order.Label)
	}
}

// requestAccountSummaries re-requests the per-currency summaries outside
// the obligatory-data cycle. Caller holds the client mutex.
func (c *Client) requestAccountSummaries() {
	c.sendRPC(idAccSummaries, methodPrivateAccSummaries,
		accSummariesParams{Extended: true}, requestIntent{kind: intentAccountSummaries})
}

// requestPositions re-requests positions outside the obligatory-data
// cycle. Caller holds the client mutex.
func (c *Client) requestPositions() {
	c.sendRPC(idPositions, methodPrivateGetPositions,
		getPositionsParams{Currency: "any"}, requestIntent{kind: intentPositions})
}
