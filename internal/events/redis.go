package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/gocast/livecast/internal/stream"
)

// RedisSinkConfig configures the Redis event sink.
type RedisSinkConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Stream receives one XADD entry per event, trimmed to about MaxLen
	Stream string
	MaxLen int64

	// CountsKey is a hash of "<server>:publishers" and "<server>:subscribers"
	// fields read by the fleet autoscaler
	CountsKey string
	ServerID  string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// RedisSink appends lifecycle events to a Redis stream and keeps this
// server's active publisher and subscriber counts in a shared hash.
type RedisSink struct {
	client    redis.UniversalClient
	stream    string
	maxLen    int64
	countsKey string
	serverID  string
	logger    *slog.Logger
}

// NewRedisSink connects to Redis and resets this server's counters
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	serverID := strings.TrimSpace(cfg.ServerID)
	if serverID == "" {
		return nil, fmt.Errorf("server id is required")
	}
	streamKey := strings.TrimSpace(cfg.Stream)
	if streamKey == "" {
		streamKey = "livecast:events"
	}
	countsKey := strings.TrimSpace(cfg.CountsKey)
	if countsKey == "" {
		countsKey = "livecast:streams"
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})

	sink := &RedisSink{
		client:    client,
		stream:    streamKey,
		maxLen:    cfg.MaxLen,
		countsKey: countsKey,
		serverID:  serverID,
		logger:    cfg.Logger,
	}
	if sink.logger == nil {
		sink.logger = slog.Default()
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if err := client.HDel(ctx, countsKey, sink.publishersField(), sink.subscribersField()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("reset stream counts: %w", err)
	}

	sink.logger.Info("redis event sink connected", "addr", addr, "stream", streamKey, "server_id", serverID)
	return sink, nil
}

func (s *RedisSink) publishersField() string  { return s.serverID + ":publishers" }
func (s *RedisSink) subscribersField() string { return s.serverID + ":subscribers" }

// Publish appends the event to the stream and applies its counter delta in
// a single pipeline.
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	field, delta := s.counterDelta(event.Type)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: map[string]any{
				"type":    string(event.Type),
				"path":    event.Path,
				"payload": string(payload),
			},
		})
		if field != "" {
			pipe.HIncrBy(ctx, s.countsKey, field, delta)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Type, err)
	}
	return nil
}

func (s *RedisSink) counterDelta(t Type) (string, int64) {
	switch t {
	case TypePublish:
		return s.publishersField(), 1
	case TypeUnpublish:
		return s.publishersField(), -1
	case TypeSubscribe:
		return s.subscribersField(), 1
	case TypeUnsubscribe:
		return s.subscribersField(), -1
	default:
		return "", 0
	}
}

func (s *RedisSink) OnPublish(ctx context.Context, pub *stream.PublishContext) error {
	return s.Publish(ctx, publishEvent(TypePublish, pub, s.serverID))
}

func (s *RedisSink) OnUnpublish(ctx context.Context, pub *stream.PublishContext) error {
	return s.Publish(ctx, publishEvent(TypeUnpublish, pub, s.serverID))
}

func (s *RedisSink) OnSubscribe(ctx context.Context, sub *stream.SubscribeContext) error {
	return s.Publish(ctx, subscribeEvent(TypeSubscribe, sub, s.serverID))
}

func (s *RedisSink) OnUnsubscribe(ctx context.Context, sub *stream.SubscribeContext) error {
	return s.Publish(ctx, subscribeEvent(TypeUnsubscribe, sub, s.serverID))
}

// Close removes this server's counters and closes the client
func (s *RedisSink) Close(ctx context.Context) error {
	err := s.client.HDel(ctx, s.countsKey, s.publishersField(), s.subscribersField()).Err()
	if closeErr := s.client.Close(); err == nil {
		err = closeErr
	}
	return err
}
