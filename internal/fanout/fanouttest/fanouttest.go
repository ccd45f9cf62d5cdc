// Package fanouttest holds a behavioural suite shared by every fanout backend.
package fanouttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/syncrelay/internal/fanout"
)

// Pair returns two channels attached to the same shared log, standing in for
// two relay processes.
type Pair func(t *testing.T) (fanout.Channel, fanout.Channel)

// RunChannelTests runs the suite against channels built by pair.
func RunChannelTests(t *testing.T, pair Pair) {
	t.Run("PublishReachesOtherProcess", func(t *testing.T) {
		testPublishReachesOtherProcess(t, pair)
	})
	t.Run("PublishReachesOwnSubscription", func(t *testing.T) {
		testPublishReachesOwnSubscription(t, pair)
	})
	t.Run("LargePayload", func(t *testing.T) {
		testLargePayload(t, pair)
	})
	t.Run("ContextCancellationEndsSubscription", func(t *testing.T) {
		testContextCancellation(t, pair)
	})
	t.Run("HandlerErrorEndsSubscription", func(t *testing.T) {
		testHandlerError(t, pair)
	})
	t.Run("CloseEndsSubscription", func(t *testing.T) {
		testCloseEndsSubscription(t, pair)
	})
}

type collector struct {
	mu      sync.Mutex
	records []fanout.Record
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, rec fanout.Record) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []fanout.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.records) >= n {
			out := append([]fanout.Record(nil), c.records...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d records", n)
		}
	}
}

// subscribe starts a subscription and returns a channel receiving its result.
// Backends that need time to attach get a short settling window.
func subscribe(ctx context.Context, ch fanout.Channel, h fanout.Handler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- ch.Subscribe(ctx, h)
	}()
	time.Sleep(200 * time.Millisecond)
	return done
}

func testPublishReachesOtherProcess(t *testing.T, pair Pair) {
	a, b := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := newCollector()
	subscribe(ctx, b, got.handle)

	rec := fanout.NewRecord("node-a", "client::listen::updates", json.RawMessage(`{"x":1}`))
	require.NoError(t, a.Publish(ctx, rec))

	records := got.waitFor(t, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, "node-a", records[0].Origin)
	assert.Equal(t, "client::listen::updates", records[0].Event)
	assert.JSONEq(t, `{"x":1}`, string(records[0].Data))
}

func testPublishReachesOwnSubscription(t *testing.T, pair Pair) {
	a, _ := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := newCollector()
	subscribe(ctx, a, got.handle)

	require.NoError(t, a.Publish(ctx, fanout.NewHeartbeat("node-a")))

	records := got.waitFor(t, 1)
	assert.Equal(t, fanout.KindHeartbeat, records[0].Kind)
}

func testLargePayload(t *testing.T, pair Pair) {
	a, b := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := newCollector()
	subscribe(ctx, b, got.handle)

	big := make([]byte, 0, 20000)
	big = append(big, '"')
	for len(big) < 19999 {
		big = append(big, 'a')
	}
	big = append(big, '"')

	rec := fanout.NewRecord("node-a", "joined", json.RawMessage(big))
	require.NoError(t, a.Publish(ctx, rec))

	records := got.waitFor(t, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, string(big), string(records[0].Data))
}

func testContextCancellation(t *testing.T, pair Pair) {
	a, _ := pair(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := subscribe(ctx, a, func(context.Context, fanout.Record) error { return nil })
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after cancellation")
	}
}

func testHandlerError(t *testing.T, pair Pair) {
	a, b := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	boom := errors.New("boom")
	done := subscribe(ctx, b, func(context.Context, fanout.Record) error { return boom })

	require.NoError(t, a.Publish(ctx, fanout.NewHeartbeat("node-a")))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after handler error")
	}
}

func testCloseEndsSubscription(t *testing.T, pair Pair) {
	a, _ := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := subscribe(ctx, a, func(context.Context, fanout.Record) error { return nil })
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, fanout.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after Close")
	}

	assert.ErrorIs(t, a.Publish(ctx, fanout.NewHeartbeat("node-a")), fanout.ErrClosed)
}
