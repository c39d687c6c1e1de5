package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisTransport bridges events over Redis pub/sub.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps an existing client. The caller owns the client.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends data on the channel named subject.
func (t *RedisTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.client.Publish(ctx, subject, data).Err()
}

// Subscribe listens on the channel named subject. go-redis reconnects the
// underlying connection on its own.
func (t *RedisTransport) Subscribe(ctx context.Context, subject string, handler func([]byte)) (func() error, error) {
	pubsub := t.client.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return pubsub.Close, nil
}

// NATSOptions configures a NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DialNATS connects to NATS with unlimited reconnects.
func DialNATS(opts NATSOptions) (*nats.Conn, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", opts.URL, err)
	}
	return conn, nil
}

// NATSTransport bridges events over core NATS subjects.
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport wraps an existing connection. The caller owns the connection.
func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Publish sends data on subject.
func (t *NATSTransport) Publish(_ context.Context, subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

// Subscribe listens on subject.
func (t *NATSTransport) Subscribe(_ context.Context, subject string, handler func([]byte)) (func() error, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}
