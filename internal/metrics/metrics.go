package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the Deribit gateway
var (
	// Connection metrics
	ConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dg_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
	)

	ConnectionReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dg_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
	)

	// RPC metrics
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_rpc_requests_total",
			Help: "Total number of outbound RPC requests",
		},
		[]string{"method"},
	)

	AuthRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dg_auth_refreshes_total",
			Help: "Total number of successful authorizations and renewals",
		},
	)

	// Subscription metrics
	SubscriptionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dg_subscriptions_pending",
			Help: "Number of unconfirmed channel subscriptions",
		},
	)

	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dg_subscriptions_active",
			Help: "Number of confirmed channel subscriptions",
		},
	)

	ObligatoryDataPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dg_obligatory_data_pending",
			Help: "Number of outstanding obligatory data requests",
		},
	)

	// Market data metrics
	TickerUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_ticker_updates_total",
			Help: "Total number of ticker updates received",
		},
		[]string{"instrument"},
	)

	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_book_updates_total",
			Help: "Total number of order book updates received",
		},
		[]string{"instrument"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dg_book_depth",
			Help: "Current order book depth (number of levels)",
		},
		[]string{"instrument", "side"},
	)

	IndexPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dg_index_price",
			Help: "Current price index value",
		},
		[]string{"index"},
	)

	// Order metrics
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_orders_submitted_total",
			Help: "Total number of orders submitted",
		},
		[]string{"instrument", "direction"},
	)

	OrderStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_order_states_total",
			Help: "Total number of order state transitions observed",
		},
		[]string{"state"},
	)

	OrderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_order_errors_total",
			Help: "Total number of RPC errors on order operations",
		},
		[]string{"code"},
	)

	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_trades_total",
			Help: "Total number of trades observed",
		},
		[]string{"instrument", "direction"},
	)

	TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_trade_volume_total",
			Help: "Total trade volume observed",
		},
		[]string{"instrument"},
	)

	TransactionLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_transaction_log_entries_total",
			Help: "Total number of new transaction log entries stored",
		},
		[]string{"currency"},
	)

	// Redis metrics
	RedisPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dg_redis_publish_duration_seconds",
			Help:    "Time to publish message to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dg_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect() {
	ConnectionReconnects.Inc()
}

// RecordRPCRequest records an outbound RPC request
func RecordRPCRequest(method string) {
	RPCRequests.WithLabelValues(method).Inc()
}

// RecordAuthRefresh records a successful authorization or renewal
func RecordAuthRefresh() {
	AuthRefreshes.Inc()
}

// RecordSubscriptionCounts records the subscription tracker state
func RecordSubscriptionCounts(pending, active int) {
	SubscriptionsPending.Set(float64(pending))
	SubscriptionsActive.Set(float64(active))
}

// RecordObligatoryPending records outstanding obligatory data requests
func RecordObligatoryPending(pending int) {
	ObligatoryDataPending.Set(float64(pending))
}

// RecordTickerUpdate records a ticker update
func RecordTickerUpdate(instrument string) {
	TickerUpdates.WithLabelValues(instrument).Inc()
}

// RecordBookUpdate records an order book update
func RecordBookUpdate(instrument string, bidDepth, askDepth int) {
	BookUpdates.WithLabelValues(instrument).Inc()
	BookDepth.WithLabelValues(instrument, "bid").Set(float64(bidDepth))
	BookDepth.WithLabelValues(instrument, "ask").Set(float64(askDepth))
}

// RecordIndexUpdate records a price index update
func RecordIndexUpdate(index string, price float64) {
	IndexPrice.WithLabelValues(index).Set(price)
}

// RecordOrderSubmitted records an order submission
func RecordOrderSubmitted(instrument, direction string) {
	OrdersSubmitted.WithLabelValues(instrument, direction).Inc()
}

// RecordOrderState records an observed order state transition
func RecordOrderState(state string) {
	OrderStates.WithLabelValues(state).Inc()
}

// RecordOrderError records an RPC error on an order operation
func RecordOrderError(code int) {
	OrderErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordTrade records an observed trade
func RecordTrade(instrument, direction string, volume float64) {
	TradeCount.WithLabelValues(instrument, direction).Inc()
	TradeVolume.WithLabelValues(instrument).Add(volume)
}

// RecordTransactionLogEntries records newly stored transaction log entries
func RecordTransactionLogEntries(currency string, count int) {
	TransactionLogEntries.WithLabelValues(currency).Add(float64(count))
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
