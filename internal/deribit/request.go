package deribit

import (
	"strings"
	"time"

	"deribit-gateway/internal/metrics"
)

// intentKind classifies what an outbound request was for. Responses are
// routed by the intent recorded at send time, never by parsing the id.
type intentKind int

const (
	intentAuth intentKind = iota
	intentReauth
	intentSubscribe
	intentAccountSummaries
	intentPositions
	intentCurrencies
	intentInstruments
	intentTransactionLog
	intentOpenOrder
	intentEditOrder
	intentCancelOrder
)

// requestIntent is the correlator entry for one in-flight request.
type requestIntent struct {
	kind           intentKind
	topic          string // subscribe
	label          string // order operations
	instrumentKind Kind   // instruments fetch
	currency       string // transaction log fetch
}

// Fixed request ids and id prefixes kept wire-compatible with the
// historical client so server-side logs stay comparable.
const (
	idAuth         = "auth"
	idReauth       = "re_auth"
	idAccSummaries = "acc_summaries"
	idCurrencies   = "get_currencies"
	idPositions    = "get_positions"
)

func subscribeID(topic string) string { return "s/" + topic }

func openOrderID(label string) string { return "o/" + label }

func editOrderID(label string) string { return "eo/" + label }

func cancelOrderID(label string) string { return "co/" + label }

func instrumentsID(kind Kind) string { return "get_instruments/" + string(kind) }

func transactionLogID(currency string) string { return "get_transaction_log/" + currency }

// sendRPC records the request intent and writes the frame. Caller holds the
// client mutex.
func (c *Client) sendRPC(id, method string, params any, intent requestIntent) error {
	c.pending[id] = intent
	msg := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	metrics.RecordRPCRequest(method)
	if err := c.send(msg); err != nil {
		delete(c.pending, id)
		c.log.Error().Err(err).Str("id", id).Str("method", method).Msg("Failed to send request")
		return err
	}
	return nil
}

// takeIntent pops the correlator entry for a response id.
func (c *Client) takeIntent(id string) (requestIntent, bool) {
	intent, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return intent, ok
}

func isPrivateTopic(topic string) bool {
	return strings.HasPrefix(topic, "user.")
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
