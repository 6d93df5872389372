package deribit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tradableClient is a client with auth, obligatory subscriptions and
// reference data settled, ready for order operations.
func tradableClient(t *testing.T, mutate ...func(*Config)) (*Client, *sendRecorder) {
	t.Helper()
	c, rec := newTestClient(t, mutate...)
	authorize(t, c)
	confirmSubscription(t, c, "user.changes.any.any.raw")
	confirmSubscription(t, c, "user.portfolio.any")
	deliverObligatoryData(t, c)
	return c, rec
}

func TestOpenOrderPreconditions(t *testing.T) {
	params := OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionBuy,
		Amount:         10,
		Price:          50000,
	}

	// not authorized
	c, _ := newTestClient(t)
	_, err := c.OpenOrder(params)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// read-only mode
	c, _ = newTestClient(t, func(cfg *Config) { cfg.ReadOnly = true })
	authorize(t, c)
	_, err = c.OpenOrder(params)
	assert.ErrorIs(t, err, ErrReadOnly)

	// scope without trade:read_write
	c, _ = newTestClient(t)
	c.mu.Lock()
	c.requestAuth()
	c.mu.Unlock()
	deliver(t, c, `{"id":"auth","result":{"token_type":"bearer","scope":"account:read trade:read","refresh_token":"rt","access_token":"at","expires_in":900}}`)
	_, err = c.OpenOrder(params)
	assert.ErrorIs(t, err, ErrNoTradePermit)

	// obligatory subscriptions not yet confirmed
	c, _ = newTestClient(t)
	authorize(t, c)
	_, err = c.OpenOrder(params)
	assert.ErrorIs(t, err, ErrNotReady)

	// invalid parameters
	c, _ = tradableClient(t)
	_, err = c.OpenOrder(OrderParams{Direction: DirectionBuy, Amount: 10, Price: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = c.OpenOrder(OrderParams{InstrumentName: "BTC-PERPETUAL", Direction: DirectionBuy, Price: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = c.OpenOrder(OrderParams{InstrumentName: "BTC-PERPETUAL", Direction: "hold", Amount: 10, Price: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = c.OpenOrder(OrderParams{InstrumentName: "BTC-PERPETUAL", Direction: DirectionBuy, Amount: 10})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestOpenOrderLifecycle(t *testing.T) {
	c, rec := tradableClient(t)
	orderUpdated, unsub := c.Events().Subscribe(EventOrderUpdated, 8)
	defer unsub()
	orderFilled, unsubFilled := c.Events().Subscribe(EventOrderFilled, 2)
	defer unsubFilled()

	sent := rec.count()
	label, err := c.OpenOrder(OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionBuy,
		Amount:         4,
		Type:           OrderTypeLimit,
		Price:          101,
	})
	require.NoError(t, err)
	require.NotEmpty(t, label)

	// exactly one outbound frame for the submission
	require.Equal(t, sent+1, rec.count())
	req := rec.last()
	assert.Equal(t, methodPrivateBuy, req.Method)
	assert.Equal(t, "o/"+label, req.ID)
	params, ok := req.Params.(orderRequestParams)
	require.True(t, ok)
	assert.Equal(t, label, params.Label)
	assert.Equal(t, GoodTilCancelled, params.TimeInForce)

	assert.True(t, c.HasPendingOrders())
	order, ok := c.OrderByLabel(label)
	require.True(t, ok)
	assert.True(t, order.Pending)
	assert.Equal(t, 4.0, order.InitialAmount)

	// acknowledgement: pending released, ref id stored, summaries and
	// positions re-requested
	deliver(t, c, `{"id":"o/%s","result":{"order":{"order_id":"X-77","order_state":"open","order_type":"limit","direction":"buy","label":"%s","instrument_name":"BTC-PERPETUAL","price":101,"amount":4,"creation_timestamp":1700000000000,"last_update_timestamp":1700000000000},"trades":[]}}`, label, label)

	assert.False(t, c.HasPendingOrders())
	order, _ = c.OrderByLabel(label)
	assert.Equal(t, "X-77", order.RefID)
	assert.Equal(t, OrderStateOpen, order.State)
	assert.Equal(t, int64(1700000000000), order.CreatedAt)

	byRef, ok := c.OrderByRefID("X-77")
	require.True(t, ok)
	assert.Equal(t, label, byRef.Label)

	assert.GreaterOrEqual(t, rec.countID("acc_summaries"), 2)
	assert.GreaterOrEqual(t, rec.countID("get_positions"), 2)

	// three partial executions then the terminal fill
	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[{"trade_id":"t1","label":"%s","price":100,"amount":1,"fee":0.1,"direction":"buy","instrument_name":"BTC-PERPETUAL"},{"trade_id":"t2","label":"%s","price":101,"amount":2,"fee":0.15,"direction":"buy","instrument_name":"BTC-PERPETUAL"}],"orders":[{"order_id":"X-77","label":"%s","order_state":"open","filled_amount":3,"last_update_timestamp":1700000000500}],"positions":[]}}}`, label, label, label)

	order, _ = c.OrderByLabel(label)
	assert.Equal(t, OrderStateOpen, order.State)
	assert.Zero(t, order.ClosedAt)
	require.Len(t, order.Trades, 2)

	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[{"trade_id":"t3","label":"%s","price":99,"amount":1,"fee":0.1,"direction":"buy","instrument_name":"BTC-PERPETUAL"}],"orders":[{"order_id":"X-77","label":"%s","order_state":"filled","filled_amount":4,"last_update_timestamp":1700000001000}],"positions":[{"instrument_name":"BTC-PERPETUAL","size":14}]}}}`, label, label)

	order, _ = c.OrderByLabel(label)
	assert.Equal(t, OrderStateFilled, order.State)
	assert.Equal(t, int64(1700000001000), order.ClosedAt)
	assert.Equal(t, 4.0, order.TradedAmount)
	assert.InDelta(t, 100.25, order.AveragePrice, 1e-12)
	assert.InDelta(t, 0.35, order.TotalFee, 1e-12)
	require.Len(t, order.Trades, 3)

	assert.GreaterOrEqual(t, len(orderUpdated), 1)
	require.Len(t, orderFilled, 1)
	assert.Equal(t, label, <-orderFilled)

	// executions retained in the session-wide index too
	trade, ok := c.TradeByID("t2")
	require.True(t, ok)
	assert.Equal(t, 101.0, trade.Price)
	assert.Len(t, c.Trades(), 3)

	// position from the same push applied
	pos, ok := c.Position("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, 14.0, pos.Size)

	// terminal state is final: a late contradictory push is ignored
	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[],"orders":[{"order_id":"X-77","label":"%s","order_state":"cancelled","last_update_timestamp":1700000002000}],"positions":[]}}}`, label)
	order, _ = c.OrderByLabel(label)
	assert.Equal(t, OrderStateFilled, order.State)
	assert.Equal(t, int64(1700000001000), order.ClosedAt)
}

func TestOpenOrderRPCError(t *testing.T) {
	c, _ := tradableClient(t)
	orderUpdated, unsub := c.Events().Subscribe(EventOrderUpdated, 2)
	defer unsub()

	label, err := c.OpenOrder(OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionSell,
		Amount:         1,
		Price:          50000,
	})
	require.NoError(t, err)
	require.True(t, c.HasPendingOrders())

	deliver(t, c, `{"id":"o/%s","error":{"code":10009,"message":"not_enough_funds"}}`, label)

	assert.False(t, c.HasPendingOrders())
	order, ok := c.OrderByLabel(label)
	require.True(t, ok)
	require.NotNil(t, order.RPCError)
	assert.Equal(t, 10009, order.RPCError.Code)
	assert.Len(t, orderUpdated, 1)
}

func TestMarketOrderNeedsNoPrice(t *testing.T) {
	c, rec := tradableClient(t)

	label, err := c.OpenOrder(OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionSell,
		Amount:         2,
		Type:           OrderTypeMarket,
	})
	require.NoError(t, err)

	req, ok := rec.byID("o/" + label)
	require.True(t, ok)
	assert.Equal(t, methodPrivateSell, req.Method)
	params := req.Params.(orderRequestParams)
	assert.Equal(t, OrderTypeMarket, params.Type)
	assert.Zero(t, params.Price)
}

func TestEditOrderPrice(t *testing.T) {
	c, rec := tradableClient(t)
	edited, unsub := c.Events().Subscribe(EventOrderEdited, 2)
	defer unsub()

	label, err := c.OpenOrder(OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionBuy,
		Amount:         3,
		Price:          100,
	})
	require.NoError(t, err)

	// edit before the acknowledgement has no exchange id to edit by
	err = c.EditOrderPrice(label, 105)
	assert.ErrorIs(t, err, ErrOrderPending)

	deliver(t, c, `{"id":"o/%s","result":{"order":{"order_id":"X-9","order_state":"open","label":"%s","price":100,"amount":3,"creation_timestamp":1,"last_update_timestamp":1},"trades":[]}}`, label, label)

	require.NoError(t, c.EditOrderPrice(label, 105))
	req, ok := rec.byID("eo/" + label)
	require.True(t, ok)
	assert.Equal(t, methodPrivateEdit, req.Method)
	params := req.Params.(editRequestParams)
	assert.Equal(t, "X-9", params.OrderID)
	assert.Equal(t, 105.0, params.Price)
	assert.Equal(t, 3.0, params.Amount)

	deliver(t, c, `{"id":"eo/%s","result":{"order":{"order_id":"X-9","order_state":"open","label":"%s","price":105,"amount":3,"last_update_timestamp":2},"trades":[]}}`, label, label)

	order, _ := c.OrderByLabel(label)
	assert.Equal(t, 105.0, order.AcceptedPrice)
	require.Len(t, order.EditHistory, 1)
	assert.Equal(t, 105.0, order.EditHistory[0].Price)
	assert.Len(t, edited, 1)

	// close the order, further edits are rejected
	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[],"orders":[{"order_id":"X-9","label":"%s","order_state":"cancelled","last_update_timestamp":3}],"positions":[]}}}`, label)

	err = c.EditOrderPrice(label, 110)
	assert.ErrorIs(t, err, ErrOrderClosed)

	err = c.EditOrderPrice("no-such-label", 110)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder(t *testing.T) {
	c, rec := tradableClient(t)

	label, err := c.OpenOrder(OrderParams{
		InstrumentName: "BTC-PERPETUAL",
		Direction:      DirectionBuy,
		Amount:         1,
		Price:          100,
	})
	require.NoError(t, err)
	deliver(t, c, `{"id":"o/%s","result":{"order":{"order_id":"X-1","order_state":"open","label":"%s","price":100,"amount":1},"trades":[]}}`, label, label)

	require.NoError(t, c.CancelOrder(label))
	req, ok := rec.byID("co/" + label)
	require.True(t, ok)
	assert.Equal(t, methodPrivateCancelByLabel, req.Method)
	params := req.Params.(cancelByLabelParams)
	assert.Equal(t, label, params.Label)

	// ack is informational, the terminal state comes via user.changes
	deliver(t, c, `{"id":"co/%s","result":1}`, label)
	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[],"orders":[{"order_id":"X-1","label":"%s","order_state":"cancelled","last_update_timestamp":5}],"positions":[]}}}`, label)

	order, _ := c.OrderByLabel(label)
	assert.Equal(t, OrderStateCancelled, order.State)
	assert.Equal(t, int64(5), order.ClosedAt)
	assert.Zero(t, order.TradedAmount)

	err = c.CancelOrder(label)
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestUnattributedTradesAreKept(t *testing.T) {
	c, _ := tradableClient(t)

	// no label: external source; unknown label: logged, not attributed
	deliver(t, c, `{"method":"subscription","params":{"channel":"user.changes.any.any.raw","data":{"instrument_name":"BTC-PERPETUAL","trades":[{"trade_id":"x1","label":"","price":100,"amount":1,"fee":0.1},{"trade_id":"x2","label":"ghost","price":101,"amount":2,"fee":0.1}],"orders":[],"positions":[]}}}`)

	assert.Len(t, c.Trades(), 2)
	_, ok := c.TradeByID("x1")
	assert.True(t, ok)
	assert.Empty(t, c.Orders())

	journal := c.UserChangesLog()
	require.Len(t, journal, 1)
	assert.Len(t, journal[0].Trades, 2)
}
