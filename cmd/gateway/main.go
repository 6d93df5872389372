package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deribit-gateway/internal/deribit"
	"deribit-gateway/internal/metrics"
	"deribit-gateway/internal/publisher"
)

func main() {
	// Setup logging
	godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Load config from environment
	env := deribit.Env(getEnv("DERIBIT_ENV", "test"))
	clientID := getEnv("DERIBIT_CLIENT_ID", "")
	clientSecret := getEnv("DERIBIT_CLIENT_SECRET", "")
	instanceID := getEnv("INSTANCE_ID", "gateway-1")
	metricsPort := getEnv("METRICS_PORT", "9090")
	redisAddr := getEnv("REDIS_ADDR", "")
	instruments := splitList(getEnv("INSTRUMENTS", ""))
	indexes := splitList(getEnv("INDEXES", ""))

	cfg := deribit.Config{
		Env:                  env,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		ReadOnly:             getEnv("READONLY", "false") == "true",
		Reconnect:            getEnv("RECONNECT", "true") == "true",
		SilentReauth:         getEnv("SILENT_REAUTH", "true") == "true",
		Instruments:          instruments,
		Indexes:              indexes,
		WithOrderBook:        getEnv("WITH_ORDERBOOK", "false") == "true",
		TrackTransactionsLog: getEnv("TRACK_TX_LOG", "false") == "true",
		InstanceID:           instanceID,
	}

	if from := getEnv("TX_LOG_FROM", ""); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			log.Fatal().Err(err).Str("value", from).Msg("Invalid TX_LOG_FROM, want RFC3339")
		}
		cfg.FetchTransactionsLogFrom = t
	}

	log.Info().
		Str("env", string(env)).
		Str("instance", instanceID).
		Strs("instruments", instruments).
		Strs("indexes", indexes).
		Bool("orderbook", cfg.WithOrderBook).
		Str("metrics", ":"+metricsPort).
		Msg("Starting Deribit gateway")

	// Start metrics server
	metricsServer := metrics.NewServer(":" + metricsPort)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Optional Redis publisher
	var pub *publisher.RedisPublisher
	if redisAddr != "" {
		var err error
		pub, err = publisher.NewRedisPublisher(redisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis publisher")
		}
		defer pub.Close()
		log.Info().Str("addr", redisAddr).Msg("Redis publisher enabled")
	}

	fatal := make(chan error, 1)

	cfg.OnError = func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}
	cfg.OnMessage = func(msg deribit.RPCMessage) {}

	client, err := deribit.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}

	stop := wireEvents(client, pub)
	defer stop()

	if err := client.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}

	// Wait for shutdown signal or fatal session error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-fatal:
		log.Error().Err(err).Msg("Session terminated")
	}

	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing client")
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

// wireEvents forwards session events to the log and, when enabled, market
// data to Redis. Returns a function that unsubscribes everything.
func wireEvents(client *deribit.Client, pub *publisher.RedisPublisher) func() {
	bus := client.Events()
	var unsubs []func()

	readyCh, unsub := bus.Subscribe(deribit.EventInstanceReady, 1)
	unsubs = append(unsubs, unsub)
	go func() {
		for range readyCh {
			identity := client.Identity()
			log.Info().
				Str("username", identity.Username).
				Str("type", identity.AccountType).
				Int64("user_id", identity.UserID).
				Msg("Session ready")
		}
	}()

	fillCh, unsub := bus.Subscribe(deribit.EventOrderFilled, 64)
	unsubs = append(unsubs, unsub)
	go func() {
		for payload := range fillCh {
			label, _ := payload.(string)
			if order, ok := client.OrderByLabel(label); ok {
				log.Info().
					Str("label", label).
					Float64("avg_price", order.AveragePrice).
					Float64("amount", order.TradedAmount).
					Float64("fee", order.TotalFee).
					Msg("Order filled")
			}
		}
	}()

	if pub != nil {
		tickerCh, unsub := bus.Subscribe(deribit.EventTickerUpdated, 1024)
		unsubs = append(unsubs, unsub)
		go func() {
			for payload := range tickerCh {
				instrument, _ := payload.(string)
				view, ok := client.Ticker(instrument)
				if !ok {
					continue
				}
				timer := metrics.NewTimer()
				if err := pub.PublishTicker(view); err != nil {
					log.Error().Err(err).Msg("Failed to publish ticker")
					metrics.RedisPublishErrors.WithLabelValues("ticker").Inc()
				} else {
					timer.ObserveDuration(metrics.RedisPublishDuration, "ticker")
				}
			}
		}()

		bookCh, unsub := bus.Subscribe(deribit.EventBookUpdated, 1024)
		unsubs = append(unsubs, unsub)
		go func() {
			for payload := range bookCh {
				instrument, _ := payload.(string)
				view, ok := client.Book(instrument)
				if !ok {
					continue
				}
				timer := metrics.NewTimer()
				if err := pub.PublishBook(view); err != nil {
					log.Error().Err(err).Msg("Failed to publish book")
					metrics.RedisPublishErrors.WithLabelValues("book").Inc()
				} else {
					timer.ObserveDuration(metrics.RedisPublishDuration, "book")
				}
			}
		}()

		indexCh, unsub := bus.Subscribe(deribit.EventIndexUpdated, 1024)
		unsubs = append(unsubs, unsub)
		go func() {
			for payload := range indexCh {
				name, _ := payload.(string)
				price, ok := client.Index(name)
				if !ok {
					continue
				}
				if err := pub.PublishIndex(name, price); err != nil {
					log.Error().Err(err).Msg("Failed to publish index")
					metrics.RedisPublishErrors.WithLabelValues("index").Inc()
				}
			}
		}()
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
