package deribit

import (
	"strings"
	"time"

	"deribit-gateway/internal/metrics"
)

// refreshThreshold is how many one-second ticks pass before the access
// token is renewed. Deribit tokens live 900s, renewal happens well before.
const refreshThreshold = 550

// AuthData is the authorization state of the session.
type AuthData struct {
	Authorized   bool
	TokenType    string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	RawScope     string
	Scope        map[string]string
	TradePermit  bool
}

// parseScope splits a raw scope string ("trade:read_write wallet:read ...")
// into a key/value map. Entries without a colon are dropped.
func parseScope(raw string) map[string]string {
	scope := make(map[string]string)
	for _, part := range strings.Fields(raw) {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		scope[key] = value
	}
	return scope
}

// requestAuth sends the initial client_credentials grant. Caller holds the
// client mutex.
func (c *Client) requestAuth() {
	params := authParams{
		GrantType:    "client_credentials",
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	}
	c.log.Info().Msg("Requesting authorization")
	c.sendRPC(idAuth, methodPublicAuth, params, requestIntent{kind: intentAuth})
}

// requestReauth renews the access token with the refresh_token grant.
// Caller holds the client mutex.
func (c *Client) requestReauth() {
	if c.authData.RefreshToken == "" {
		c.log.Error().Msg("No refresh token, cannot renew authorization")
		return
	}
	params := authParams{
		GrantType:    "refresh_token",
		RefreshToken: c.authData.RefreshToken,
	}
	if !c.cfg.SilentReauth {
		c.log.Info().Msg("Renewing authorization")
	}
	c.sendRPC(idReauth, methodPublicAuth, params, requestIntent{kind: intentReauth})
}

// handleAuthResult applies an auth response. The initial grant also kicks
// off the post-auth sequence: obligatory subscriptions and data requests,
// user-requested channels, the pending-subscription check and the token
// refresh counter. Caller holds the client mutex.
func (c *Client) handleAuthResult(res authResult, renewal bool) {
	c.authData.Authorized = true
	c.authData.TokenType = res.TokenType
	c.authData.AccessToken = res.AccessToken
	c.authData.RefreshToken = res.RefreshToken
	c.authData.ExpiresIn = res.ExpiresIn
	c.authData.RawScope = res.Scope
	c.authData.Scope = parseScope(res.Scope)
	c.authData.TradePermit = c.authData.Scope["trade"] == "read_write"

	metrics.RecordAuthRefresh()

	if renewal {
		if !c.cfg.SilentReauth {
			c.log.Info().Msg("Authorization renewed")
		}
		return
	}

	c.authorizedAt = time.Now()
	c.log.Info().
		Str("scope", res.Scope).
		Bool("trade_permit", c.authData.TradePermit).
		Msg("Authorized")

	c.bus.Publish(EventAuthorized, nil)

	c.requestObligatoryData()
	c.subscribeObligatory()
	c.subscribeIndexes()
	c.startSubscriptionCheck()
	c.startRefreshCounter()
	c.startTransactionLogTracking()
}

// startRefreshCounter ticks once per second and renews the token when the
// counter reaches the threshold. One counter per connection; the goroutine
// exits when the connection drops.
func (c *Client) startRefreshCounter() {
	done := c.transport.connDone()
	if done == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		counter := 0
		for {
			select {
			case <-done:
				return
			case <-c.sessionDone:
				return
			case <-ticker.C:
				counter++
				if counter < refreshThreshold {
					continue
				}
				counter = 0
				c.mu.Lock()
				if c.authData.Authorized {
					c.requestReauth()
				}
				c.mu.Unlock()
			}
		}
	}()
}
