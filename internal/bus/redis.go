package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dashlink/dashlink/internal/config"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second

	// subscriberBuffer bounds the per-subscriber channel; a stalled
	// consumer drops messages rather than growing without limit.
	subscriberBuffer = 64
)

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*RedisBus, error) {
	if log == nil {
		log = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	log.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisBus{client: client, log: log}, nil
}

// PublishVideo sends an init or media segment to a device's topic.
func (b *RedisBus) PublishVideo(ctx context.Context, identifier string, msg *VideoMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding video message: %w", err)
	}
	return b.client.Publish(ctx, VideoTopic(identifier), data).Err()
}

// SubscribeVideo joins a device's video topic.
func (b *RedisBus) SubscribeVideo(ctx context.Context, identifier string) (<-chan *VideoMessage, func(), error) {
	sub := b.client.Subscribe(ctx, VideoTopic(identifier))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", VideoTopic(identifier), err)
	}

	out := make(chan *VideoMessage, subscriberBuffer)
	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var msg VideoMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.log.Warn("dropping malformed video message",
					"topic", raw.Channel, "error", err)
				continue
			}
			select {
			case out <- &msg:
			default:
				// Slow subscriber: newer segments matter more than old ones.
				b.log.Warn("video subscriber lagging, dropping segment",
					"topic", raw.Channel)
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// PublishCommand sends a stream command to the ingest node.
func (b *RedisBus) PublishCommand(ctx context.Context, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	return b.client.Publish(ctx, CommandTopic, data).Err()
}

// SubscribeCommands joins the shared command topic.
func (b *RedisBus) SubscribeCommands(ctx context.Context) (<-chan *Command, func(), error) {
	sub := b.client.Subscribe(ctx, CommandTopic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", CommandTopic, err)
	}

	out := make(chan *Command, subscriberBuffer)
	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var cmd Command
			if err := json.Unmarshal([]byte(raw.Payload), &cmd); err != nil {
				b.log.Warn("dropping malformed command", "error", err)
				continue
			}
			select {
			case out <- &cmd:
			default:
				b.log.Warn("command subscriber lagging, dropping command",
					"op", cmd.Op, "device", cmd.Identifier)
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
