package deribit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	c, rec := newTestClient(t)

	c.mu.Lock()
	c.subscribeTopic("deribit_price_index.btc_usd")
	c.subscribeTopic("deribit_price_index.btc_usd")
	c.mu.Unlock()

	assert.Equal(t, 1, rec.countID("s/deribit_price_index.btc_usd"))
	assert.Equal(t, []string{"deribit_price_index.btc_usd"}, c.PendingSubscriptions())

	confirmSubscription(t, c, "deribit_price_index.btc_usd")
	assert.Empty(t, c.PendingSubscriptions())
	assert.Equal(t, []string{"deribit_price_index.btc_usd"}, c.ActiveSubscriptions())

	// active topics are not re-requested either
	c.mu.Lock()
	c.subscribeTopic("deribit_price_index.btc_usd")
	c.mu.Unlock()
	assert.Equal(t, 1, rec.countID("s/deribit_price_index.btc_usd"))
}

func TestSubscribedEvents(t *testing.T) {
	c, _ := newTestClient(t)
	subscribed, unsub := c.Events().Subscribe(EventSubscribed, 8)
	defer unsub()
	subscribedAll, unsubAll := c.Events().Subscribe(EventSubscribedAll, 2)
	defer unsubAll()

	c.mu.Lock()
	c.subscribeTopic("ticker.BTC-PERPETUAL.raw")
	c.subscribeTopic("deribit_price_index.btc_usd")
	c.mu.Unlock()

	confirmSubscription(t, c, "ticker.BTC-PERPETUAL.raw")
	assert.Len(t, subscribedAll, 0)

	confirmSubscription(t, c, "deribit_price_index.btc_usd")

	require.Len(t, subscribed, 2)
	assert.Equal(t, "ticker.BTC-PERPETUAL.raw", <-subscribed)
	assert.Equal(t, "deribit_price_index.btc_usd", <-subscribed)
	assert.Len(t, subscribedAll, 1)
}

func TestSubscribeErrorReleasesPending(t *testing.T) {
	c, _ := newTestClient(t)

	c.mu.Lock()
	c.subscribeTopic("ticker.BTC-PERPETUAL.raw")
	c.mu.Unlock()
	require.Len(t, c.PendingSubscriptions(), 1)

	deliver(t, c, `{"id":"s/ticker.BTC-PERPETUAL.raw","error":{"code":10000,"message":"error"}}`)

	assert.Empty(t, c.PendingSubscriptions())
	assert.Empty(t, c.ActiveSubscriptions())
}

func TestInstrumentSubscriptionsWaitForAllKinds(t *testing.T) {
	c, rec := newTestClient(t, func(cfg *Config) {
		cfg.Instruments = []string{"BTC-PERPETUAL", "BTC_USDC"}
		cfg.WithOrderBook = true
	})
	authorize(t, c)

	deliver(t, c, `{"id":"get_instruments/future","result":[{"instrument_name":"BTC-PERPETUAL","kind":"future","is_active":true}]}`)
	deliver(t, c, `{"id":"get_instruments/option","result":[]}`)

	// two of three kinds in, nothing subscribed yet
	_, ok := rec.byID("s/ticker.BTC-PERPETUAL.raw")
	assert.False(t, ok)

	deliver(t, c, `{"id":"get_instruments/spot","result":[]}`)

	for _, topic := range []string{
		"ticker.BTC-PERPETUAL.raw", "book.BTC-PERPETUAL.raw",
		"ticker.BTC_USDC.raw", "book.BTC_USDC.raw",
	} {
		_, ok := rec.byID("s/" + topic)
		assert.True(t, ok, topic)
	}
}

func TestUnknownInstrumentIsFatal(t *testing.T) {
	errCh := make(chan error, 1)
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Instruments = []string{"BTC-DOES-NOT-EXIST"}
		cfg.OnError = func(err error) { errCh <- err }
	})
	authorize(t, c)

	deliver(t, c, `{"id":"get_instruments/future","result":[]}`)
	deliver(t, c, `{"id":"get_instruments/option","result":[]}`)
	deliver(t, c, `{"id":"get_instruments/spot","result":[]}`)

	err := <-errCh
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestObligatorySubscriptionsActive(t *testing.T) {
	c, _ := newTestClient(t)
	authorize(t, c)

	c.mu.RLock()
	active := c.obligatorySubscriptionsActive()
	c.mu.RUnlock()
	assert.False(t, active)

	confirmSubscription(t, c, "user.changes.any.any.raw")
	confirmSubscription(t, c, "user.portfolio.any")

	c.mu.RLock()
	active = c.obligatorySubscriptionsActive()
	c.mu.RUnlock()
	assert.True(t, active)
}
