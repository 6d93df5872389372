package deribit

import (
	"strings"
	"time"

	"deribit-gateway/internal/metrics"
)

// Spot pairs are seeded at construction because public/get_instruments does
// not return spot instruments.
var spotSeedInstruments = []string{"BTC_USDC", "BTC_USDT", "ETH_USDC", "ETH_USDT"}

var instrumentKinds = []Kind{KindFuture, KindOption, KindSpot}

// requestObligatoryData sends the reference-data requests every session
// depends on: account summaries, positions, currencies and the instrument
// lists per kind. Each request id is tracked until its response arrives.
// Caller holds the client mutex.
func (c *Client) requestObligatoryData() {
	c.trackObligatory(idAccSummaries)
	c.sendRPC(idAccSummaries, methodPrivateAccSummaries,
		accSummariesParams{Extended: true}, requestIntent{kind: intentAccountSummaries})

	c.trackObligatory(idPositions)
	c.sendRPC(idPositions, methodPrivateGetPositions,
		getPositionsParams{Currency: "any"}, requestIntent{kind: intentPositions})

	c.trackObligatory(idCurrencies)
	c.sendRPC(idCurrencies, methodPublicGetCurrencies, nil,
		requestIntent{kind: intentCurrencies})

	for _, kind := range instrumentKinds {
		c.trackObligatory(instrumentsID(kind))
		c.sendRPC(instrumentsID(kind), methodPublicGetInstruments,
			getInstrumentsParams{Currency: "any", Kind: kind},
			requestIntent{kind: intentInstruments, instrumentKind: kind})
	}

	metrics.RecordObligatoryPending(len(c.obligatoryPending))
}

func (c *Client) trackObligatory(id string) {
	c.obligatoryPending[id] = struct{}{}
}

// markObligatoryReceived records the arrival of one obligatory response.
// When the last one lands the session fires all_obligatory_data_received,
// once per session. Caller holds the client mutex.
func (c *Client) markObligatoryReceived(id string) {
	if _, ok := c.obligatoryPending[id]; !ok {
		return
	}
	delete(c.obligatoryPending, id)
	c.obligatoryReceived[id] = struct{}{}
	metrics.RecordObligatoryPending(len(c.obligatoryPending))

	if len(c.obligatoryPending) == 0 && !c.obligatoryFired {
		c.obligatoryFired = true
		c.log.Info().Msg("All obligatory data received")
		c.bus.Publish(EventObligatoryDataReceived, nil)
	}
	c.checkInstanceReady()
}

// instrumentsReady reports whether every instrument kind has been received.
// Instrument-gated subscriptions wait for this. Caller holds the client
// mutex.
func (c *Client) instrumentsReady() bool {
	for _, kind := range instrumentKinds {
		if _, ok := c.obligatoryReceived[instrumentsID(kind)]; !ok {
			return false
		}
	}
	return true
}

// checkInstanceReady fires instance_ready on the transition to a fully
// settled session: no pending subscriptions and no pending obligatory
// data. Caller holds the client mutex.
func (c *Client) checkInstanceReady() {
	ready := len(c.subscriptionsPending) == 0 && len(c.obligatoryPending) == 0 && c.obligatoryFired
	if ready && !c.instanceReady {
		c.instanceReady = true
		c.log.Info().Msg("Instance ready")
		c.bus.Publish(EventInstanceReady, nil)
	}
	if !ready {
		c.instanceReady = false
	}
}

// handleInstruments stores one kind's instrument list and, once all kinds
// are in, requests the instrument-gated subscriptions.
func (c *Client) handleInstruments(kind Kind, instruments []Instrument) {
	c.instrumentsByKind[kind] = instruments
	for i := range instruments {
		inst := instruments[i]
		c.instrumentsByName[inst.InstrumentName] = &inst
	}
	c.log.Info().Str("kind", string(kind)).Int("count", len(instruments)).Msg("Instruments received")

	c.markObligatoryReceived(instrumentsID(kind))

	if c.instrumentsReady() {
		c.subscribeInstruments()
	}
}

func (c *Client) handleCurrencies(currencies []CurrencyData) {
	c.currencies = currencies
	c.log.Info().Int("count", len(currencies)).Msg("Currencies received")
	c.markObligatoryReceived(idCurrencies)
}

func (c *Client) handlePositions(positions []Position) {
	for _, pos := range positions {
		c.positions[pos.InstrumentName] = pos
		c.bus.Publish(EventPositionUpdated, pos.InstrumentName)
	}
	c.log.Info().Int("count", len(positions)).Msg("Positions received")
	c.markObligatoryReceived(idPositions)
}

// handleAccountSummaries stores the per-currency summaries and captures the
// session identity carried alongside them.
func (c *Client) handleAccountSummaries(res accSummariesResult) {
	c.username = res.Username
	c.accountType = res.Type
	c.userID = res.ID
	for _, summary := range res.Summaries {
		c.accountSummaries[summary.Currency] = summary
	}
	c.log.Info().
		Str("username", res.Username).
		Str("type", res.Type).
		Int("currencies", len(res.Summaries)).
		Msg("Account summaries received")
	c.markObligatoryReceived(idAccSummaries)
	c.bus.Publish(EventAccountSummariesUpdated, nil)
}

// transactionLogState is the per-currency accumulator of transaction log
// entries, deduplicated by transaction id.
type transactionLogState struct {
	byID    map[int64]struct{}
	entries []TransactionLogEntry
}

// startTransactionLogTracking performs the configured backfill and starts
// the hourly refresh. Runs once per session, on the first authorization.
// Caller holds the client mutex.
func (c *Client) startTransactionLogTracking() {
	if c.transactionLogStarted {
		return
	}
	c.transactionLogStarted = true

	currencies := currenciesInWork(c.cfg.Instruments)
	if len(currencies) == 0 {
		return
	}

	if !c.cfg.FetchTransactionsLogFrom.IsZero() {
		start := c.cfg.FetchTransactionsLogFrom.UnixMilli()
		for _, currency := range currencies {
			c.requestTransactionLog(currency, start)
		}
	}

	if !c.cfg.TrackTransactionsLog {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-c.sessionDone:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.authData.Authorized {
					start := nowMillis() - time.Hour.Milliseconds()
					for _, currency := range currencies {
						c.requestTransactionLog(currency, start)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}

// requestTransactionLog fetches the transaction log of one currency from
// the given start up to now. Caller holds the client mutex.
func (c *Client) requestTransactionLog(currency string, startTimestamp int64) {
	params := transactionLogParams{
		Currency:       currency,
		StartTimestamp: startTimestamp,
		EndTimestamp:   nowMillis(),
	}
	c.sendRPC(transactionLogID(currency), methodPrivateTransactionLog, params,
		requestIntent{kind: intentTransactionLog, currency: currency})
}

// handleTransactionLog folds a transaction log page into the per-currency
// accumulator. The updated event fires only when new entries arrived.
func (c *Client) handleTransactionLog(currency string, res transactionLogResult) {
	state, ok := c.transactionLog[currency]
	if !ok {
		state = &transactionLogState{byID: make(map[int64]struct{})}
		c.transactionLog[currency] = state
	}

	added := 0
	for _, entry := range res.Logs {
		if _, seen := state.byID[entry.ID]; seen {
			continue
		}
		state.byID[entry.ID] = struct{}{}
		state.entries = append(state.entries, entry)
		added++
	}

	if added > 0 {
		c.log.Info().Str("currency", currency).Int("new", added).Msg("Transaction log updated")
		metrics.RecordTransactionLogEntries(currency, added)
		c.bus.Publish(EventTransactionLogUpdated, []string{currency})
	}
}

// currenciesInWork derives the currency set from the configured instrument
// names: the prefix before the first separator of each name.
func currenciesInWork(instruments []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range instruments {
		currency := name
		if i := strings.IndexAny(name, "-_"); i > 0 {
			currency = name[:i]
		}
		if _, ok := seen[currency]; ok {
			continue
		}
		seen[currency] = struct{}{}
		out = append(out, currency)
	}
	return out
}
