package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/syncrelay/internal/fanout"
	"github.com/Tyrowin/syncrelay/internal/fanout/memory"
	"github.com/Tyrowin/syncrelay/internal/testhelpers"
)

const frameWait = 2 * time.Second

type testRelay struct {
	hub *Hub
	srv *httptest.Server
	url string
}

func newTestRelay(t *testing.T, opts ...HubOption) *testRelay {
	t.Helper()

	hub := NewHub(opts...)
	hub.Start()

	cfg := NewConfig()
	handlers := NewHandlers(hub, cfg, nil, zerolog.Nop())
	srv := httptest.NewServer(SetupRoutes(handlers, cfg.AllowedOrigins))

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return &testRelay{hub: hub, srv: srv, url: testhelpers.WebSocketURL(srv.URL)}
}

// connect dials n clients and waits until the hub has registered all of them.
func (r *testRelay) connect(t *testing.T, n int) []*testhelpers.WSClient {
	t.Helper()
	before := r.hub.ClientCount()
	clients := testhelpers.DialN(t, r.url, n)
	testhelpers.Eventually(t, frameWait, func() bool {
		return r.hub.ClientCount() == before+n
	}, "clients not registered")
	return clients
}

type fakeChannel struct {
	mu           sync.Mutex
	published    []fanout.Record
	publishErr   error
	subscribeErr error
	subscribes   int
}

func (f *fakeChannel) Publish(_ context.Context, rec fanout.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, rec)
	return f.publishErr
}

func (f *fakeChannel) Subscribe(ctx context.Context, _ fanout.Handler) error {
	f.mu.Lock()
	f.subscribes++
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) broadcasts() []fanout.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fanout.Record
	for _, rec := range f.published {
		if rec.Kind == fanout.KindBroadcast {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeChannel) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func TestMessageIsRelayedAsUpdates(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 3)
	a, b, c := clients[0], clients[1], clients[2]

	a.Send(t, EventMessage, map[string]int{"x": 1})

	for _, recv := range []*testhelpers.WSClient{b, c} {
		f := recv.Next(t, frameWait)
		assert.Equal(t, EventUpdates, f.Event)
		assert.JSONEq(t, `{"x":1}`, string(f.Data))
		recv.ExpectNone(t, 200*time.Millisecond)
	}
	a.ExpectNone(t, 200*time.Millisecond)
}

func TestSubscribeIsRelayedAsJoined(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 3)

	clients[0].Send(t, EventSubscribe, map[string]string{"room": "lobby"})

	for _, recv := range clients[1:] {
		f := recv.Next(t, frameWait)
		assert.Equal(t, EventJoined, f.Event)
		assert.JSONEq(t, `{"room":"lobby"}`, string(f.Data))
	}
	clients[0].ExpectNone(t, 200*time.Millisecond)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 2)

	clients[0].Send(t, "rename", map[string]int{"x": 1})
	clients[0].Send(t, EventUpdates, map[string]int{"x": 1})

	clients[0].ExpectNone(t, 200*time.Millisecond)
	clients[1].ExpectNone(t, 200*time.Millisecond)
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 2)

	clients[0].SendRaw(t, []byte("not json"))
	clients[0].SendRaw(t, []byte(`["message", {"x": 1}]`))
	clients[0].Send(t, EventMessage, "after")

	f := clients[1].Next(t, frameWait)
	assert.Equal(t, EventUpdates, f.Event)
	assert.JSONEq(t, `"after"`, string(f.Data))
	assert.Equal(t, 2, relay.hub.ClientCount())
}

func TestPayloadIsForwardedUntouched(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "nested object", in: `{"event":"message","data":{"a":[1,{"b":null}],"u":"ü"}}`, want: `{"event":"client::listen::updates","data":{"a":[1,{"b":null}],"u":"ü"}}`},
		{name: "null payload", in: `{"event":"message","data":null}`, want: `{"event":"client::listen::updates","data":null}`},
		{name: "absent payload", in: `{"event":"subscribe"}`, want: `{"event":"joined"}`},
		{name: "scalar payload", in: `{"event":"subscribe","data":42}`, want: `{"event":"joined","data":42}`},
		{name: "markup is not escaped", in: `{"event":"message","data":{"h":"<b>&</b>"}}`, want: `{"event":"client::listen::updates","data":{"h":"<b>&</b>"}}`},
		{name: "whitespace is compacted", in: `{"event":"message","data":{ "h" : "<b>&" }}`, want: `{"event":"client::listen::updates","data":{"h":"<b>&"}}`},
	}

	relay := newTestRelay(t)
	clients := relay.connect(t, 2)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clients[0].SendRaw(t, []byte(tt.in))
			got := clients[1].NextRaw(t, frameWait)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestInvalidAckStillRelaysEvent(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 2)

	clients[0].SendRaw(t, []byte(`{"event":"message","data":1,"ack":-1}`))
	assert.Equal(t, `{"event":"client::listen::updates","data":1}`, string(clients[1].NextRaw(t, frameWait)))
	clients[0].ExpectNone(t, 200*time.Millisecond)
}

func TestAckReportsLocalRecipients(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 3)

	clients[0].SendWithAck(t, EventMessage, "hi", 7)

	ack := clients[0].Next(t, frameWait)
	assert.Equal(t, EventAck, ack.Event)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, uint64(7), *ack.Ack)
	assert.JSONEq(t, `{"recipients":2}`, string(ack.Data))

	for _, recv := range clients[1:] {
		f := recv.Next(t, frameWait)
		assert.Equal(t, EventUpdates, f.Event)
		assert.Nil(t, f.Ack)
	}
}

func TestRecipientDisconnectDoesNotAffectOthers(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 3)

	clients[1].Close()
	clients[0].Send(t, EventMessage, "still here")

	f := clients[2].Next(t, frameWait)
	assert.Equal(t, EventUpdates, f.Event)
	assert.JSONEq(t, `"still here"`, string(f.Data))

	testhelpers.Eventually(t, frameWait, func() bool {
		return relay.hub.ClientCount() == 2
	}, "closed client not unregistered")
}

func TestManyClientsReceiveEveryMessage(t *testing.T) {
	const numClients = 5
	relay := newTestRelay(t)
	clients := relay.connect(t, numClients)

	for i, c := range clients {
		c.Send(t, EventMessage, i)
	}

	for i, c := range clients {
		seen := map[string]bool{}
		for range numClients - 1 {
			f := c.Next(t, frameWait)
			seen[string(f.Data)] = true
		}
		assert.Len(t, seen, numClients-1)
		assert.NotContains(t, seen, string(testhelpers.MustMarshal(t, i)), "client %d received its own message", i)
	}
}

func TestTwoHubsShareFanoutChannel(t *testing.T) {
	bus := memory.NewBus()
	p1 := newTestRelay(t, WithFanout(bus.Channel()), WithHeartbeat(50*time.Millisecond, time.Second))
	p2 := newTestRelay(t, WithFanout(bus.Channel()), WithHeartbeat(50*time.Millisecond, time.Second))

	testhelpers.Eventually(t, frameWait, func() bool {
		return p1.hub.PeerCount() == 1 && p2.hub.PeerCount() == 1
	}, "hubs did not see each other")

	local := p1.connect(t, 2)
	remote := p2.connect(t, 1)
	x, neighbour, y := local[0], local[1], remote[0]

	x.Send(t, EventMessage, map[string]int{"x": 1})

	f := y.Next(t, frameWait)
	assert.Equal(t, EventUpdates, f.Event)
	assert.JSONEq(t, `{"x":1}`, string(f.Data))

	f = neighbour.Next(t, frameWait)
	assert.Equal(t, EventUpdates, f.Event)

	neighbour.ExpectNone(t, 300*time.Millisecond)
	x.ExpectNone(t, 100*time.Millisecond)
	y.ExpectNone(t, 100*time.Millisecond)

	y.Send(t, EventSubscribe, "back")
	for _, c := range local {
		f := c.Next(t, frameWait)
		assert.Equal(t, EventJoined, f.Event)
		assert.JSONEq(t, `"back"`, string(f.Data))
	}
}

func TestDrainingDiscardsEventsAndConnections(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 2)

	relay.hub.Drain()
	clients[0].Send(t, EventMessage, "late")
	clients[1].ExpectNone(t, 300*time.Millisecond)

	_, resp, err := testhelpers.ConnectWebSocket(relay.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownClosesClients(t *testing.T) {
	relay := newTestRelay(t)
	clients := relay.connect(t, 3)

	require.NoError(t, relay.hub.Shutdown(2*time.Second))

	for _, c := range clients {
		err := c.WaitClosed(t, frameWait)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected close: %v", err)
	}
	assert.Zero(t, relay.hub.ClientCount())
}

func TestShutdownFlushesOutbox(t *testing.T) {
	ch := &fakeChannel{}
	hub := NewHub(WithFanout(ch))
	hub.Start()

	require.True(t, hub.Broadcast(BroadcastMessage{Event: EventUpdates, Data: []byte(`"one"`)}))
	require.True(t, hub.Broadcast(BroadcastMessage{Event: EventJoined, Data: []byte(`"two"`)}))
	require.NoError(t, hub.Shutdown(2*time.Second))

	recs := ch.broadcasts()
	require.Len(t, recs, 2)
	assert.Equal(t, EventUpdates, recs[0].Event)
	assert.Equal(t, EventJoined, recs[1].Event)
	assert.Equal(t, hub.ID(), recs[0].Origin)

	assert.False(t, hub.Broadcast(BroadcastMessage{Event: EventUpdates}))
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	ch := &fakeChannel{publishErr: assert.AnError}
	relay := newTestRelay(t, WithFanout(ch))
	clients := relay.connect(t, 2)

	clients[0].Send(t, EventMessage, 1)
	clients[0].Send(t, EventMessage, 2)

	assert.JSONEq(t, `1`, string(clients[1].Next(t, frameWait).Data))
	assert.JSONEq(t, `2`, string(clients[1].Next(t, frameWait).Data))

	testhelpers.Eventually(t, frameWait, func() bool {
		return len(ch.broadcasts()) == 2
	}, "records were not attempted")
}

func TestSubscriptionIsReestablished(t *testing.T) {
	ch := &fakeChannel{subscribeErr: assert.AnError}
	newTestRelay(t, WithFanout(ch), WithResubscribeDelay(10*time.Millisecond))

	testhelpers.Eventually(t, frameWait, func() bool {
		return ch.subscribeCount() >= 3
	}, "subscription was not retried")
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	relay := newTestRelay(t, WithClientLimits(1<<20, RateLimitConfig{Burst: 2, RefillInterval: 2 * time.Second}))
	clients := relay.connect(t, 2)

	for i := range 3 {
		clients[0].Send(t, EventMessage, i)
	}

	assert.JSONEq(t, `0`, string(clients[1].Next(t, frameWait).Data))
	assert.JSONEq(t, `1`, string(clients[1].Next(t, frameWait).Data))
	clients[1].ExpectNone(t, 300*time.Millisecond)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	relay := newTestRelay(t, WithClientLimits(64, RateLimitConfig{Burst: 10, RefillInterval: time.Second}))
	clients := relay.connect(t, 2)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	clients[0].Send(t, EventMessage, string(big))

	err := clients[0].WaitClosed(t, frameWait)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "unexpected close: %v", err)
	clients[1].ExpectNone(t, 200*time.Millisecond)
}
