package deribit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	scope := parseScope("account:read trade:read_write wallet:read name:my_key expires:1700000000")
	assert.Equal(t, "read", scope["account"])
	assert.Equal(t, "read_write", scope["trade"])
	assert.Equal(t, "read", scope["wallet"])
	assert.Equal(t, "my_key", scope["name"])

	assert.Empty(t, parseScope(""))
	assert.Empty(t, parseScope("nocolon"))
}

func TestInitialAuthStartsSession(t *testing.T) {
	c, rec := newTestClient(t, func(cfg *Config) {
		cfg.Indexes = []string{"btc_usd", "eth_usd"}
	})
	authorized, unsub := c.Events().Subscribe(EventAuthorized, 1)
	defer unsub()

	c.mu.Lock()
	c.requestAuth()
	c.mu.Unlock()

	req, ok := rec.byID("auth")
	require.True(t, ok)
	assert.Equal(t, methodPublicAuth, req.Method)
	params, ok := req.Params.(authParams)
	require.True(t, ok)
	assert.Equal(t, "client_credentials", params.GrantType)
	assert.Equal(t, "client-id", params.ClientID)

	authorize(t, c)

	auth := c.Auth()
	assert.True(t, auth.Authorized)
	assert.Equal(t, "at-1", auth.AccessToken)
	assert.Equal(t, "rt-1", auth.RefreshToken)
	assert.True(t, auth.TradePermit)
	assert.Len(t, authorized, 1)

	// obligatory data: summaries, positions, currencies, 3 instrument kinds
	for _, id := range []string{"acc_summaries", "get_positions", "get_currencies",
		"get_instruments/future", "get_instruments/option", "get_instruments/spot"} {
		_, ok := rec.byID(id)
		assert.True(t, ok, id)
	}

	// obligatory subscriptions plus the configured indexes
	for _, topic := range []string{"user.changes.any.any.raw", "user.portfolio.any",
		"deribit_price_index.btc_usd", "deribit_price_index.eth_usd"} {
		req, ok := rec.byID("s/" + topic)
		require.True(t, ok, topic)
		want := methodPublicSubscribe
		if isPrivateTopic(topic) {
			want = methodPrivateSubscribe
		}
		assert.Equal(t, want, req.Method, topic)
	}
}

func TestReadScopeGivesNoTradePermit(t *testing.T) {
	c, _ := newTestClient(t)
	c.mu.Lock()
	c.requestAuth()
	c.mu.Unlock()
	deliver(t, c, `{"id":"auth","result":{"token_type":"bearer","scope":"account:read trade:read wallet:read","refresh_token":"rt","access_token":"at","expires_in":900}}`)

	auth := c.Auth()
	assert.True(t, auth.Authorized)
	assert.False(t, auth.TradePermit)
	assert.False(t, c.CanTrade())
}

func TestRenewalDoesNotRestartSession(t *testing.T) {
	c, rec := newTestClient(t)
	authorized, unsub := c.Events().Subscribe(EventAuthorized, 2)
	defer unsub()

	authorize(t, c)
	sent := rec.count()

	c.mu.Lock()
	c.requestReauth()
	c.mu.Unlock()

	req, ok := rec.byID("re_auth")
	require.True(t, ok)
	params, ok := req.Params.(authParams)
	require.True(t, ok)
	assert.Equal(t, "refresh_token", params.GrantType)
	assert.Equal(t, "rt-1", params.RefreshToken)

	deliver(t, c, `{"id":"re_auth","result":{"token_type":"bearer","scope":"account:read trade:read_write wallet:read","refresh_token":"rt-2","access_token":"at-2","expires_in":900}}`)

	auth := c.Auth()
	assert.Equal(t, "at-2", auth.AccessToken)
	assert.Equal(t, "rt-2", auth.RefreshToken)

	// renewal must not re-request obligatory data or re-subscribe
	assert.Equal(t, sent+1, rec.count())
	assert.Len(t, authorized, 1)
}

func TestReauthWithoutRefreshTokenIsNoop(t *testing.T) {
	c, rec := newTestClient(t)

	c.mu.Lock()
	c.requestReauth()
	c.mu.Unlock()

	assert.Equal(t, 0, rec.count())
}
