package deribit

import "sync"

// Event names a session lifecycle or data notification.
type Event string

// Session events. The payload type is fixed per event: string payloads carry
// the subject (topic, instrument, index, currency or order label), []string
// carries the affected currencies, and nil-payload events are pure signals.
const (
	EventAuthorized              Event = "authorized"                   // nil
	EventDisconnected            Event = "disconnected"                 // nil
	EventSubscribed              Event = "subscribed"                   // topic
	EventSubscribedAll           Event = "subscribed_all"               // nil
	EventObligatoryDataReceived  Event = "all_obligatory_data_received" // nil
	EventInstanceReady           Event = "instance_ready"               // nil
	EventAccountSummariesUpdated Event = "account_summaries_updated"    // nil
	EventPortfolioUpdated        Event = "portfolio_updated"            // currency
	EventPositionUpdated         Event = "position_updated"             // instrument
	EventIndexUpdated            Event = "index_updated"                // index name
	EventTickerUpdated           Event = "ticker_updated"               // instrument
	EventBookUpdated             Event = "book_updated"                 // instrument
	EventOrderUpdated            Event = "order_updated"                // label
	EventOrderEdited             Event = "order_edited"                 // label
	EventOrderFilled             Event = "order_filled"                 // label
	EventTransactionLogUpdated   Event = "transaction_log_updated"      // []string currencies
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
