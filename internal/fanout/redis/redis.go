// Package redis implements the fanout channel on Redis Pub/Sub.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/syncrelay/internal/fanout"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "sync_relay"

// Config contains configuration options for the Redis channel.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created. The channel owns the client and closes it on Close.
	Client redis.UniversalClient
	// Channel is the Pub/Sub channel name.
	Channel string
	Logger  zerolog.Logger
}

// Channel implements fanout.Channel.
type Channel struct {
	client  redis.UniversalClient
	channel string
	log     zerolog.Logger

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	subs      sync.WaitGroup
}

var _ fanout.Channel = (*Channel)(nil)

// New creates a Redis-backed channel.
func New(cfg Config) *Channel {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	name := cfg.Channel
	if name == "" {
		name = DefaultChannel
	}
	return &Channel{
		client:  client,
		channel: name,
		log:     cfg.Logger.With().Str("component", "fanout.redis").Logger(),
		closed:  make(chan struct{}),
	}
}

// NewFromURL parses a redis:// URL, verifies the server answers, and returns
// a channel owning the resulting client.
func NewFromURL(ctx context.Context, url string, cfg Config) (*Channel, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	cfg.Client = client
	return New(cfg), nil
}

// Publish implements fanout.Channel.
func (c *Channel) Publish(ctx context.Context, rec fanout.Record) error {
	if c.isClosed() {
		return fanout.ErrClosed
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("publish record %s to %s: %w", rec.ID, c.channel, err)
	}
	return nil
}

// Subscribe implements fanout.Channel.
func (c *Channel) Subscribe(ctx context.Context, handler fanout.Handler) error {
	if !c.enter() {
		return fanout.ErrClosed
	}
	defer c.subs.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	ps := c.client.Subscribe(ctx, c.channel)
	defer ps.Close()

	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe starts delivering.
	if _, err := ps.Receive(ctx); err != nil {
		if c.isClosed() {
			return fanout.ErrClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("subscribe to %s: %w", c.channel, err)
	}

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			if c.isClosed() {
				return fanout.ErrClosed
			}
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s ended", c.channel)
			}
			rec, err := fanout.Decode([]byte(msg.Payload))
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping unreadable record")
				continue
			}
			if err := handler(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return false
	}
	c.subs.Add(1)
	return true
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close implements fanout.Channel. It waits for subscriptions to end and
// then closes the Redis client.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		c.subs.Wait()
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
