package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/bucketz/internal/payload"
)

// RedisOption configures a RedisSource.
type RedisOption func(*RedisSource)

// WithRedisFormat sets the encoding of the stored bundle. JSON by default.
func WithRedisFormat(format payload.Format) RedisOption {
	return func(s *RedisSource) { s.format = format }
}

// WithRedisLogger sets the logger used by the subscription.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisSource) { s.logger = logger }
}

// RedisSource reads the bundle stored at a key and listens on a pub/sub
// channel for publish notifications.
type RedisSource struct {
	client  redis.UniversalClient
	key     string
	channel string
	format  payload.Format
	logger  *slog.Logger
}

func NewRedisSource(client redis.UniversalClient, key string, channel string, opts ...RedisOption) *RedisSource {
	s := &RedisSource{
		client:  client,
		key:     key,
		channel: channel,
		format:  payload.FormatJSON,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSource) Name() string {
	return "redis:" + s.key
}

func (s *RedisSource) Load(ctx context.Context) (payload.Bundle, string, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return payload.Bundle{}, "", fmt.Errorf("get %s: %w", s.key, ErrNoPayload)
		}
		return payload.Bundle{}, "", fmt.Errorf("get %s: %w", s.key, err)
	}

	bundle, err := payload.Decode(data, s.format)
	if err != nil {
		return payload.Bundle{}, "", fmt.Errorf("load %s: %w", s.key, err)
	}

	return bundle, payload.Digest(data), nil
}

// Subscribe returns once the subscription is confirmed by the server.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				s.logger.Debug("definitions publish received", "channel", message.Channel, "revision", message.Payload)
				notify(out)
			}
		}
	}()

	return out, nil
}

// Publish validates data as a bundle, stores it and notifies subscribers in
// one MULTI/EXEC transaction.
func (s *RedisSource) Publish(ctx context.Context, data []byte) (string, error) {
	if _, err := payload.Decode(data, s.format); err != nil {
		return "", fmt.Errorf("publish %s: %w", s.key, err)
	}

	revision := payload.Digest(data)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.Publish(ctx, s.channel, revision)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", s.key, err)
	}

	return revision, nil
}
