package deribit

import (
	"fmt"
	"sort"
	"time"

	"deribit-gateway/internal/metrics"
)

// subscriptionsCheckTime is how long after auth pending subscriptions may
// remain unconfirmed before a warning is logged.
const subscriptionsCheckTime = 5 * time.Second

// Channels every session subscribes to regardless of configuration.
var obligatoryChannels = []string{
	"user.changes.any.any.raw",
	"user.portfolio.any",
}

func tickerChannel(instrument string) string { return "ticker." + instrument + ".raw" }
func bookChannel(instrument string) string   { return "book." + instrument + ".raw" }
func indexChannel(index string) string       { return "deribit_price_index." + index }

// subscribeTopic requests one channel subscription. Re-requesting a topic
// that is already pending or active is a no-op. Caller holds the client
// mutex.
func (c *Client) subscribeTopic(topic string) {
	if _, ok := c.subscriptionsPending[topic]; ok {
		return
	}
	if _, ok := c.subscriptionsActive[topic]; ok {
		return
	}

	method := methodPublicSubscribe
	if isPrivateTopic(topic) {
		method = methodPrivateSubscribe
	}

	c.log.Debug().Str("topic", topic).Msg("Subscribing")
	if err := c.sendRPC(subscribeID(topic), method, subscribeParams{Channels: []string{topic}},
		requestIntent{kind: intentSubscribe, topic: topic}); err != nil {
		return
	}
	c.subscriptionsPending[topic] = struct{}{}
	metrics.RecordSubscriptionCounts(len(c.subscriptionsPending), len(c.subscriptionsActive))
}

// subscribeObligatory requests the account-wide private channels.
// Caller holds the client mutex.
func (c *Client) subscribeObligatory() {
	for _, topic := range obligatoryChannels {
		c.subscribeTopic(topic)
	}
}

// subscribeIndexes requests the configured price index channels.
// Caller holds the client mutex.
func (c *Client) subscribeIndexes() {
	for _, index := range c.cfg.Indexes {
		c.subscribeTopic(indexChannel(index))
	}
}

// subscribeInstruments requests ticker (and optionally book) channels for
// the configured instruments. It runs only after all instrument kinds have
// been received; an unknown instrument name is a session-ending error.
// Caller holds the client mutex.
func (c *Client) subscribeInstruments() {
	for _, name := range c.cfg.Instruments {
		if _, ok := c.instrumentsByName[name]; !ok {
			c.failLocked(fmt.Errorf("%w: %s", ErrUnknownInstrument, name))
			return
		}
		c.subscribeTopic(tickerChannel(name))
		if c.cfg.WithOrderBook {
			c.subscribeTopic(bookChannel(name))
		}
	}
}

// handleSubscribed moves confirmed channels from pending to active.
// The subscribe result is the list of confirmed channel names.
func (c *Client) handleSubscribed(channels []string) {
	for _, topic := range channels {
		if _, ok := c.subscriptionsPending[topic]; !ok {
			c.log.Warn().Str("topic", topic).Msg("Confirmation for unknown subscription")
			continue
		}
		delete(c.subscriptionsPending, topic)
		c.subscriptionsActive[topic] = struct{}{}
		c.log.Info().Str("topic", topic).Msg("Subscribed")
		c.bus.Publish(EventSubscribed, topic)
	}

	metrics.RecordSubscriptionCounts(len(c.subscriptionsPending), len(c.subscriptionsActive))

	if len(c.subscriptionsPending) == 0 {
		c.bus.Publish(EventSubscribedAll, nil)
	}
	c.checkInstanceReady()
}

// startSubscriptionCheck logs a warning if subscriptions are still pending
// a fixed time after authorization. Caller holds the client mutex.
func (c *Client) startSubscriptionCheck() {
	done := c.transport.connDone()
	if done == nil {
		return
	}

	go func() {
		select {
		case <-done:
			return
		case <-c.sessionDone:
			return
		case <-time.After(subscriptionsCheckTime):
		}

		c.mu.RLock()
		pending := sortedKeys(c.subscriptionsPending)
		c.mu.RUnlock()

		if len(pending) > 0 {
			c.log.Warn().Strs("topics", pending).Msg("Subscriptions still unconfirmed")
		}
	}()
}

// obligatorySubscriptionsActive reports whether the account-wide channels
// are confirmed. Order operations require them. Caller holds the client
// mutex.
func (c *Client) obligatorySubscriptionsActive() bool {
	for _, topic := range obligatoryChannels {
		if _, ok := c.subscriptionsActive[topic]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
