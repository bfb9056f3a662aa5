package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Transport moves events from the publishing bus to the hubs that hold
// sessions.
type Transport interface {
	Publish(ctx context.Context, event Event) error
	// Run feeds events received from other publishers into hub until ctx
	// is done. Transports without a receive side return when ctx ends.
	Run(ctx context.Context, hub *Hub) error
	Close() error
}

// LocalTransport delivers straight into an in-process hub.
type LocalTransport struct {
	hub *Hub
}

// NewLocalTransport returns a transport bound to hub.
func NewLocalTransport(hub *Hub) *LocalTransport {
	return &LocalTransport{hub: hub}
}

func (t *LocalTransport) Publish(_ context.Context, event Event) error {
	t.hub.Deliver(event)
	return nil
}

func (t *LocalTransport) Run(ctx context.Context, _ *Hub) error {
	<-ctx.Done()
	return nil
}

func (t *LocalTransport) Close() error { return nil }

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// RedisTransport publishes events to <prefix>:<owner> channels and pattern
// subscribes to <prefix>:* to feed the local hub.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

type redisEnvelope struct {
	Owner string          `json:"owner"`
	Event json.RawMessage `json:"event"`
}

// NewRedisTransport connects to Redis. The caller is responsible for the
// server being reachable; the connection is verified with a ping.
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "multicam:events"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{addr},
		Username:    strings.TrimSpace(cfg.Username),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisTransport{client: client, prefix: prefix, logger: logger}, nil
}

func (t *RedisTransport) channel(ownerID string) string {
	return t.prefix + ":" + ownerID
}

func (t *RedisTransport) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	envelope, err := json.Marshal(redisEnvelope{Owner: event.OwnerID, Event: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return t.client.Publish(ctx, t.channel(event.OwnerID), envelope).Err()
}

// Run pattern-subscribes and delivers every decoded event into hub.
func (t *RedisTransport) Run(ctx context.Context, hub *Hub) error {
	sub := t.client.PSubscribe(ctx, t.prefix+":*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s:*: %w", t.prefix, err)
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := t.decode(msg.Payload)
			if err != nil {
				t.logger.Warn("dropping undecodable notification", "channel", msg.Channel, "error", err)
				continue
			}
			hub.Deliver(event)
		}
	}
}

func (t *RedisTransport) decode(payload string) (Event, error) {
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return Event{}, err
	}
	event := Event{OwnerID: envelope.Owner}
	if err := json.Unmarshal(envelope.Event, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Ping checks the Redis connection.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
