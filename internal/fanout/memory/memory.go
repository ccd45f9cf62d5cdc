// Package memory provides an in-process fanout backend. A Bus stands in for
// the shared database; each relay hub attached to it gets its own Channel.
// It is meant for single-process deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/Tyrowin/syncrelay/internal/fanout"
)

const subscriberBuffer = 256

// Bus is the shared log that every Channel created from it publishes to.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch chan fanout.Record
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Channel returns a new channel attached to the bus.
func (b *Bus) Channel() *Channel {
	return &Channel{bus: b, closed: make(chan struct{})}
}

func (b *Bus) deliver(rec fanout.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- rec:
		default:
			// Slow subscriber; the record is lost for it.
		}
	}
}

func (b *Bus) add(sub *subscription) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Channel implements fanout.Channel on top of a Bus.
type Channel struct {
	bus       *Bus
	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ fanout.Channel = (*Channel)(nil)

// Publish implements fanout.Channel.
func (c *Channel) Publish(ctx context.Context, rec fanout.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return fanout.ErrClosed
	default:
	}
	c.bus.deliver(rec)
	return nil
}

// Subscribe implements fanout.Channel.
func (c *Channel) Subscribe(ctx context.Context, handler fanout.Handler) error {
	if !c.enter() {
		return fanout.ErrClosed
	}
	defer c.wg.Done()

	sub := &subscription{ch: make(chan fanout.Record, subscriberBuffer)}
	c.bus.add(sub)
	defer c.bus.remove(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fanout.ErrClosed
		case rec := <-sub.ch:
			if err := handler(ctx, rec); err != nil {
				return err
			}
		}
	}
}

// enter registers a subscription unless the channel is already closed.
func (c *Channel) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
	}
	c.wg.Add(1)
	return true
}

// Close implements fanout.Channel. It waits for active subscriptions to
// return.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}
