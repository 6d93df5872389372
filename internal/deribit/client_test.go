package deribit

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendRecorder replaces the transport send so handlers can be driven by
// raw frames without a connection.
type sendRecorder struct {
	mu     sync.Mutex
	frames []rpcRequest
}

func (r *sendRecorder) send(msg rpcRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *sendRecorder) byID(id string) (rpcRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.ID == id {
			return f, true
		}
	}
	return rpcRequest{}, false
}

func (r *sendRecorder) countID(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.ID == id {
			n++
		}
	}
	return n
}

func (r *sendRecorder) last() rpcRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func newTestClient(t *testing.T, mutate ...func(*Config)) (*Client, *sendRecorder) {
	t.Helper()
	cfg := Config{
		Env:          EnvTest,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		SilentReauth: true,
		OnMessage:    func(RPCMessage) {},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	rec := &sendRecorder{}
	c.send = rec.send
	return c, rec
}

func deliver(t *testing.T, c *Client, format string, args ...any) {
	t.Helper()
	c.handleMessage([]byte(fmt.Sprintf(format, args...)))
}

// authorize drives the initial auth request and response, which kicks
// off the obligatory subscriptions and data requests.
func authorize(t *testing.T, c *Client) {
	t.Helper()
	c.mu.Lock()
	c.requestAuth()
	c.mu.Unlock()
	deliver(t, c, `{"jsonrpc":"2.0","id":"auth","result":{"token_type":"bearer","scope":"account:read trade:read_write wallet:read","refresh_token":"rt-1","access_token":"at-1","expires_in":900}}`)
}

func confirmSubscription(t *testing.T, c *Client, topic string) {
	t.Helper()
	deliver(t, c, `{"id":"s/%s","result":["%s"]}`, topic, topic)
}

// deliverObligatoryData answers all six obligatory data requests.
func deliverObligatoryData(t *testing.T, c *Client) {
	t.Helper()
	deliver(t, c, `{"id":"acc_summaries","result":{"username":"alice","type":"main","id":42,"summaries":[{"currency":"BTC","balance":1.5,"equity":1.6},{"currency":"ETH","balance":20}]}}`)
	deliver(t, c, `{"id":"get_positions","result":[{"instrument_name":"BTC-PERPETUAL","kind":"future","direction":"buy","size":10,"average_price":50000}]}`)
	deliver(t, c, `{"id":"get_currencies","result":[{"currency":"BTC","currency_long":"Bitcoin"},{"currency":"ETH","currency_long":"Ethereum"}]}`)
	deliver(t, c, `{"id":"get_instruments/future","result":[{"instrument_name":"BTC-PERPETUAL","kind":"future","is_active":true,"expiration_timestamp":32503708800000},{"instrument_name":"BTC-27MAR26","kind":"future","is_active":true,"expiration_timestamp":1774000000000}]}`)
	deliver(t, c, `{"id":"get_instruments/option","result":[]}`)
	deliver(t, c, `{"id":"get_instruments/spot","result":[]}`)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Env: "staging", ClientID: "a", ClientSecret: "b", OnMessage: func(RPCMessage) {}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Env: EnvTest, OnMessage: func(RPCMessage) {}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Env: EnvTest, ClientID: "a", ClientSecret: "b"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(Config{Env: EnvProd, ClientID: "a", ClientSecret: "b", OnMessage: func(RPCMessage) {}})
	require.NoError(t, err)
	assert.Equal(t, wsURLProd, c.wsURL)
}

func TestSpotInstrumentsSeeded(t *testing.T) {
	c, _ := newTestClient(t)
	for _, name := range []string{"BTC_USDC", "BTC_USDT", "ETH_USDC", "ETH_USDT"} {
		inst, ok := c.InstrumentByName(name)
		require.True(t, ok, name)
		assert.Equal(t, KindSpot, inst.Kind)
	}
}

func TestEveryFrameReachesConsumerCallback(t *testing.T) {
	var seen []RPCMessage
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.OnMessage = func(msg RPCMessage) { seen = append(seen, msg) }
	})

	authorize(t, c)
	deliver(t, c, `{"id":"mystery","result":{"whatever":1}}`)
	deliver(t, c, `{"id":"other","error":{"code":11050,"message":"bad_request"}}`)

	require.Len(t, seen, 3)
	assert.Equal(t, "auth", seen[0].ID)
	assert.Equal(t, "mystery", seen[1].ID)
	require.NotNil(t, seen[2].Error)
	assert.Equal(t, 11050, seen[2].Error.Code)
}

func TestInvalidCredentialsIsFatal(t *testing.T) {
	errCh := make(chan error, 1)
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.OnError = func(err error) { errCh <- err }
	})

	deliver(t, c, `{"id":"auth","error":{"code":13004,"message":"invalid_credentials"}}`)

	err := <-errCh
	assert.Contains(t, err.Error(), "invalid credentials")

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Error(t, c.fatalErr)
}

func TestMalformedFrameIsFatal(t *testing.T) {
	errCh := make(chan error, 1)
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.OnError = func(err error) { errCh <- err }
	})

	deliver(t, c, `{"id":"auth","result":`)

	err := <-errCh
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestDisconnectResetsConnectionState(t *testing.T) {
	c, _ := newTestClient(t)
	disconnected, unsub := c.Events().Subscribe(EventDisconnected, 1)
	defer unsub()

	authorize(t, c)
	confirmSubscription(t, c, "user.changes.any.any.raw")
	confirmSubscription(t, c, "user.portfolio.any")
	deliverObligatoryData(t, c)

	require.True(t, c.Auth().Authorized)
	require.NotEmpty(t, c.ActiveSubscriptions())

	c.handleClose()

	assert.False(t, c.Auth().Authorized)
	assert.Empty(t, c.ActiveSubscriptions())
	assert.Empty(t, c.PendingSubscriptions())
	assert.False(t, c.IsReady())
	assert.Len(t, disconnected, 1)
}

func TestIdentityCapturedFromSummaries(t *testing.T) {
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.InstanceID = "test-1"
	})
	authorize(t, c)
	deliverObligatoryData(t, c)

	identity := c.Identity()
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, "main", identity.AccountType)
	assert.Equal(t, int64(42), identity.UserID)
	assert.Equal(t, "test-1", identity.InstanceID)

	summary, ok := c.AccountSummary("BTC")
	require.True(t, ok)
	assert.Equal(t, 1.5, summary.Balance)
}
