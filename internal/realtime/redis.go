package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the pub/sub channel change events travel on.
const DefaultChannel = "pf:changes"

// RedisBroker relays change events through Redis pub/sub so every API
// instance sees inserts made by any other.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
}

// NewRedisClient parses url, connects and pings with a short deadline.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisBroker wraps an existing client. An empty channel selects
// DefaultChannel.
func NewRedisBroker(rdb *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{rdb: rdb, channel: channel}
}

// Publish encodes ev as JSON and publishes it.
func (b *RedisBroker) Publish(ctx context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Subscribe opens a dedicated pub/sub connection and decodes events from it.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan ChangeEvent, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan ChangeEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("realtime: bad payload on redis channel")
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				default:
					log.Warn().Str("table", ev.Table).Msg("realtime subscriber buffer full; event dropped")
				}
			}
		}
	}()
	return out, cancel, nil
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error { return b.rdb.Close() }
