package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"deribit-gateway/internal/deribit"
)

// RedisPublisher fans market data out to Redis Streams and Pub/Sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a new Redis publisher
func NewRedisPublisher(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Client returns the underlying Redis client
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) publish(key string, maxLen int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Stream for historical data/replay
	if err := p.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err(); err != nil {
		return err
	}

	// Pub/Sub for real-time consumers
	return p.client.Publish(context.Background(), key, string(data)).Err()
}

// PublishTicker publishes a ticker view with its derived analytics.
// Key: ticker:deribit:{instrument}
func (p *RedisPublisher) PublishTicker(view deribit.TickerView) error {
	return p.publish(fmt.Sprintf("ticker:deribit:%s", view.InstrumentName), 1000, view)
}

// PublishBook publishes an order book view.
// Key: book:deribit:{instrument}
func (p *RedisPublisher) PublishBook(view deribit.BookView) error {
	return p.publish(fmt.Sprintf("book:deribit:%s", view.InstrumentName), 1000, view)
}

type indexMessage struct {
	IndexName string  `json:"index_name"`
	Price     float64 `json:"price"`
}

// PublishIndex publishes a price index update.
// Key: index:deribit:{index}
func (p *RedisPublisher) PublishIndex(indexName string, price float64) error {
	return p.publish(fmt.Sprintf("index:deribit:%s", indexName), 10000,
		indexMessage{IndexName: indexName, Price: price})
}

// Publish publishes a message to a Redis channel (Pub/Sub)
func (p *RedisPublisher) Publish(channel, message string) error {
	return p.client.Publish(context.Background(), channel, message).Err()
}
