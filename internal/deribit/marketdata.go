package deribit

import (
	"encoding/json"
	"sort"
	"strings"

	"deribit-gateway/internal/metrics"
)

// minutesPerYear converts a per-interval return into an annualized rate.
const minutesPerYear = 525600.0

// TickerCalculated is the derived analytics of a ticker update. The APR and
// time-to-expiration fields are only set for dated futures.
type TickerCalculated struct {
	TimeToExpirationMinutes *float64 `json:"time_to_expiration_minutes,omitempty"`
	APR                     *float64 `json:"apr,omitempty"`
	PremiumAbsolute         *float64 `json:"premium_absolute,omitempty"`
	PremiumRelative         *float64 `json:"premium_relative,omitempty"`
}

// TickerView is the latest raw ticker plus its derived analytics.
type TickerView struct {
	InstrumentName string           `json:"instrument_name"`
	Raw            TickerData       `json:"raw"`
	Calculated     TickerCalculated `json:"calculated"`
}

// BookLevel is one aggregated price level of a book side.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// BookView is the locally maintained order book for one instrument.
// Bids are sorted descending, asks ascending.
type BookView struct {
	InstrumentName   string      `json:"instrument_name"`
	SnapshotReceived bool        `json:"snapshot_received"`
	ChangeID         int64       `json:"change_id"`
	Timestamp        int64       `json:"timestamp"`
	Bids             []BookLevel `json:"bids"`
	Asks             []BookLevel `json:"asks"`
	BidsAmount       float64     `json:"bids_amount"`
	AsksAmount       float64     `json:"asks_amount"`
	MidPrice         *float64    `json:"mid_price,omitempty"`
}

// calcFutureAnalytics derives time to expiration, absolute and relative
// premium and the annualized premium rate for a dated future.
func calcFutureAnalytics(indexPrice, markPrice float64, timestamp, expiration int64) TickerCalculated {
	minutes := float64(expiration-timestamp) / 60000.0
	premiumAbs := markPrice - indexPrice
	premiumRel := premiumAbs / indexPrice
	apr := ((markPrice/indexPrice - 1) * minutesPerYear) / minutes
	return TickerCalculated{
		TimeToExpirationMinutes: &minutes,
		APR:                     &apr,
		PremiumAbsolute:         &premiumAbs,
		PremiumRelative:         &premiumRel,
	}
}

// calcPerpetualAnalytics derives the premium of a perpetual against its
// index. Perpetuals have no expiration, so no APR is computed.
func calcPerpetualAnalytics(indexPrice, markPrice float64) TickerCalculated {
	premiumAbs := markPrice - indexPrice
	premiumRel := premiumAbs / indexPrice
	return TickerCalculated{
		PremiumAbsolute: &premiumAbs,
		PremiumRelative: &premiumRel,
	}
}

// handleTickerPush applies one ticker channel update. Channel format:
// ticker.<instrument>.raw.
func (c *Client) handleTickerPush(channel string, data json.RawMessage) {
	parts := strings.Split(channel, ".")
	if len(parts) < 3 {
		c.log.Warn().Str("channel", channel).Msg("Malformed ticker channel")
		return
	}
	instrument := parts[1]

	var raw TickerData
	if err := json.Unmarshal(data, &raw); err != nil {
		c.failLocked(err)
		return
	}

	view, ok := c.tickers[instrument]
	if !ok {
		view = &TickerView{InstrumentName: instrument}
		c.tickers[instrument] = view
	}
	view.Raw = raw

	if raw.Funding8h != nil {
		view.Calculated = calcPerpetualAnalytics(raw.IndexPrice, raw.MarkPrice)
	} else if inst, ok := c.instrumentsByName[instrument]; ok && inst.ExpirationTimestamp > 0 {
		view.Calculated = calcFutureAnalytics(raw.IndexPrice, raw.MarkPrice, raw.Timestamp, inst.ExpirationTimestamp)
	}

	metrics.RecordTickerUpdate(instrument)
	c.bus.Publish(EventTickerUpdated, instrument)
}

// handleBookPush applies one book channel update: a snapshot replaces the
// whole book, a change folds level deltas into it.
func (c *Client) handleBookPush(data json.RawMessage) {
	var push bookPush
	if err := json.Unmarshal(data, &push); err != nil {
		c.failLocked(err)
		return
	}

	view, ok := c.books[push.InstrumentName]
	if !ok {
		view = &BookView{InstrumentName: push.InstrumentName}
		c.books[push.InstrumentName] = view
	}

	if push.Type == "snapshot" {
		view.Bids = levelsFromChanges(push.Bids)
		view.Asks = levelsFromChanges(push.Asks)
		view.SnapshotReceived = true
	} else {
		view.Bids = applyBookChanges(view.Bids, push.Bids)
		view.Asks = applyBookChanges(view.Asks, push.Asks)
	}

	sortBids(view.Bids)
	sortAsks(view.Asks)

	view.ChangeID = push.ChangeID
	view.Timestamp = push.Timestamp
	view.BidsAmount = sumAmounts(view.Bids)
	view.AsksAmount = sumAmounts(view.Asks)
	if len(view.Bids) > 0 && len(view.Asks) > 0 {
		mid := (view.Bids[0].Price + view.Asks[0].Price) / 2
		view.MidPrice = &mid
	}

	metrics.RecordBookUpdate(push.InstrumentName, len(view.Bids), len(view.Asks))
	c.bus.Publish(EventBookUpdated, push.InstrumentName)
}

func levelsFromChanges(changes []BookChange) []BookLevel {
	levels := make([]BookLevel, 0, len(changes))
	for _, ch := range changes {
		levels = append(levels, BookLevel{Price: ch.Price, Amount: ch.Amount})
	}
	return levels
}

// applyBookChanges folds delta levels into a book side: new inserts,
// change replaces the amount at a price, delete removes the level.
func applyBookChanges(levels []BookLevel, changes []BookChange) []BookLevel {
	for _, ch := range changes {
		switch ch.Action {
		case BookActionNew:
			levels = append(levels, BookLevel{Price: ch.Price, Amount: ch.Amount})
		case BookActionChange:
			for i := range levels {
				if levels[i].Price == ch.Price {
					levels[i].Amount = ch.Amount
					break
				}
			}
		case BookActionDelete:
			for i := range levels {
				if levels[i].Price == ch.Price {
					levels = append(levels[:i], levels[i+1:]...)
					break
				}
			}
		}
	}
	return levels
}

func sortBids(levels []BookLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
}

func sortAsks(levels []BookLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}

func sumAmounts(levels []BookLevel) float64 {
	var total float64
	for _, lvl := range levels {
		total += lvl.Amount
	}
	return total
}

// handleIndexPush stores one price index update.
func (c *Client) handleIndexPush(data json.RawMessage) {
	var push indexPush
	if err := json.Unmarshal(data, &push); err != nil {
		c.failLocked(err)
		return
	}
	c.indexes[push.IndexName] = push.Price
	metrics.RecordIndexUpdate(push.IndexName, push.Price)
	c.bus.Publish(EventIndexUpdated, push.IndexName)
}

// handlePortfolioPush applies a user.portfolio update to the per-currency
// account summaries.
func (c *Client) handlePortfolioPush(data json.RawMessage) {
	var summary AccountSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		c.failLocked(err)
		return
	}
	c.accountSummaries[summary.Currency] = summary
	c.bus.Publish(EventPortfolioUpdated, summary.Currency)
}
