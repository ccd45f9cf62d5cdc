package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/syncrelay/internal/fanout"
)

const (
	defaultSendBuffer       = 256
	defaultQueueSize        = 1024
	defaultHeartbeat        = 5 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	defaultResubscribeDelay = time.Second
	publishTimeout          = 5 * time.Second
)

// Hub manages all WebSocket client connections and handles message broadcasting.
// Register, unregister, local broadcasts and records from other processes are
// all serialized through a single event loop, so events are routed in the order
// the hub receives them.
type Hub struct {
	id         string
	clients    map[*Client]bool
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	remote     chan fanout.Record
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	bg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool
	draining   atomic.Bool
	stopOnce   sync.Once

	router *Router
	log    zerolog.Logger
	peers  *peerTracker

	channel          fanout.Channel
	outbox           chan fanout.Record
	heartbeat        time.Duration
	resubscribeDelay time.Duration

	sendBuffer     int
	maxMessageSize int64
	rateLimit      RateLimitConfig
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithFanout relays broadcasts through ch to other processes.
func WithFanout(ch fanout.Channel) HubOption {
	return func(h *Hub) { h.channel = ch }
}

// WithNodeID sets the origin stamped on published records.
func WithNodeID(id string) HubOption {
	return func(h *Hub) {
		if id != "" {
			h.id = id
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l.With().Str("component", "hub").Logger() }
}

// WithRouter replaces the default event table.
func WithRouter(r *Router) HubOption {
	return func(h *Hub) {
		if r != nil {
			h.router = r
		}
	}
}

// WithQueueSize bounds the fan-out outbox.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.outbox = make(chan fanout.Record, n)
		}
	}
}

// WithHeartbeat sets how often presence is published and how long a silent
// peer is remembered.
func WithHeartbeat(interval, timeout time.Duration) HubOption {
	return func(h *Hub) {
		if interval > 0 {
			h.heartbeat = interval
		}
		if timeout > 0 {
			h.peers.timeout = timeout
		}
	}
}

// WithResubscribeDelay sets the pause before a failed subscription is retried.
func WithResubscribeDelay(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.resubscribeDelay = d
		}
	}
}

// WithClientLimits applies per-connection frame size and rate limits.
func WithClientLimits(maxMessageSize int64, rl RateLimitConfig) HubOption {
	return func(h *Hub) {
		if maxMessageSize > 0 {
			h.maxMessageSize = maxMessageSize
		}
		if rl.Burst > 0 {
			h.rateLimit = rl
		}
	}
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	def := defaultConfig()
	h := &Hub{
		id:               uuid.NewString(),
		clients:          make(map[*Client]bool),
		broadcast:        make(chan BroadcastMessage),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		remote:           make(chan fanout.Record),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		router:           DefaultRouter(),
		log:              zerolog.Nop(),
		peers:            newPeerTracker(defaultHeartbeatTimeout),
		outbox:           make(chan fanout.Record, defaultQueueSize),
		heartbeat:        defaultHeartbeat,
		resubscribeDelay: defaultResubscribeDelay,
		sendBuffer:       defaultSendBuffer,
		maxMessageSize:   def.MaxMessageSize,
		rateLimit:        def.RateLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID is the node id stamped on records this hub publishes.
func (h *Hub) ID() string {
	return h.id
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// PeerCount returns the number of other processes heard from recently.
func (h *Hub) PeerCount() int {
	return h.peers.count()
}

// Draining reports whether the hub has stopped accepting events.
func (h *Hub) Draining() bool {
	return h.draining.Load()
}

// Drain stops the hub from accepting new events and connections. Clients
// stay connected until Shutdown.
func (h *Hub) Drain() {
	if !h.draining.Swap(true) {
		h.log.Info().Msg("hub draining; new events are discarded")
	}
}

// Register hands a client to the event loop. It returns false when the hub is
// draining or stopped.
func (h *Hub) Register(client *Client) bool {
	if h.Draining() {
		return false
	}
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client. It never blocks once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues an inbound event for delivery. It returns false when the
// hub is draining or stopped.
func (h *Hub) Broadcast(msg BroadcastMessage) bool {
	if h.Draining() {
		return false
	}
	select {
	case h.broadcast <- msg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Start runs the event loop on its own goroutine. A Shutdown issued any time
// after Start waits for the loop to exit.
func (h *Hub) Start() {
	h.begin()
	go h.loop()
}

// Run starts the hub's main event loop and the fan-out goroutines. It blocks
// until Shutdown is called. Callers that may shut the hub down concurrently
// should use Start instead.
func (h *Hub) Run() {
	h.begin()
	h.loop()
}

// begin launches the fan-out goroutines before the hub is marked started, so
// a Shutdown that observes started also waits for them.
func (h *Hub) begin() {
	if h.channel != nil {
		h.bg.Add(2)
		go h.publishLoop()
		go h.subscribeLoop()
	}
	h.started.Store(true)
}

func (h *Hub) loop() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)

		case rec := <-h.remote:
			h.handleRemote(rec)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.log.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	connectedClients.Set(float64(clientCount))
	h.log.Info().Str("client", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.closed = true
		close(client.send)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if ok {
		connectedClients.Set(float64(clientCount))
		h.log.Info().Str("client", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("client unregistered")
	}
}

// handleBroadcast delivers a client's event to every other local client,
// acknowledges it when asked, and queues it for other processes.
func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	payload, err := encodeFrame(msg.Event, msg.Data)
	if err != nil {
		h.log.Error().Err(err).Str("event", msg.Event).Msg("failed to encode frame")
		return
	}

	recipients := h.deliver(payload, msg.Sender)
	broadcastsTotal.WithLabelValues(msg.Event, "local").Inc()
	h.log.Debug().Str("event", msg.Event).Int("recipients", recipients).Msg("broadcast delivered")

	if msg.Ack != nil && msg.Sender != nil {
		if ack, err := encodeAck(*msg.Ack, recipients); err == nil {
			h.safeSend(msg.Sender, ack)
		}
	}

	if h.channel != nil {
		h.enqueue(fanout.NewRecord(h.id, msg.Event, msg.Data))
	}
}

// handleRemote delivers a record published by another process to every local
// client.
func (h *Hub) handleRemote(rec fanout.Record) {
	payload, err := encodeFrame(rec.Event, rec.Data)
	if err != nil {
		h.log.Warn().Err(err).Str("record", rec.ID).Msg("failed to encode remote frame")
		return
	}
	recipients := h.deliver(payload, nil)
	broadcastsTotal.WithLabelValues(rec.Event, "remote").Inc()
	h.log.Debug().Str("event", rec.Event).Str("origin", rec.Origin).Int("recipients", recipients).Msg("remote broadcast delivered")
}

// deliver sends payload to all clients except exclude and returns how many
// accepted it. Clients whose queue is full are dropped.
func (h *Hub) deliver(payload []byte, exclude *Client) int {
	clients := h.getClientSnapshot()

	var failed []*Client
	delivered := 0
	for _, client := range clients {
		if exclude != nil && client == exclude {
			continue
		}
		if h.safeSend(client, payload) {
			delivered++
		} else {
			failed = append(failed, client)
		}
	}

	recipientsTotal.Add(float64(delivered))
	h.removeFailedClients(failed)
	return delivered
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			close(client.send)
			slowClientsTotal.Inc()
			h.log.Warn().Str("client", client.id).Str("addr", client.addr).Msg("client removed due to full send buffer")
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	connectedClients.Set(float64(clientCount))
}

// shutdownClients closes every client's queue; the write pumps send a close
// frame and drop the connection.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	count := len(h.clients)
	for client := range h.clients {
		delete(h.clients, client)
		client.closed = true
		close(client.send)
	}
	h.mutex.Unlock()

	connectedClients.Set(0)
	h.log.Info().Int("clients", count).Msg("closed client connections")
}

func (h *Hub) enqueue(rec fanout.Record) {
	select {
	case h.outbox <- rec:
	default:
		fanoutDroppedTotal.Inc()
		h.log.Warn().Str("record", rec.ID).Str("event", rec.Event).Msg("fan-out outbox full; dropping record")
	}
}

// publishLoop drains the outbox in order and publishes heartbeats. It runs
// until the outbox is closed by Shutdown, publishing whatever is still queued.
func (h *Hub) publishLoop() {
	defer h.bg.Done()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.publish(fanout.NewHeartbeat(h.id))

	for {
		select {
		case rec, ok := <-h.outbox:
			if !ok {
				return
			}
			h.publish(rec)
		case <-ticker.C:
			h.publish(fanout.NewHeartbeat(h.id))
			for _, origin := range h.peers.expire() {
				h.log.Info().Str("peer", origin).Msg("peer timed out")
			}
		}
	}
}

func (h *Hub) publish(rec fanout.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := h.channel.Publish(ctx, rec); err != nil {
		fanoutPublishErrorsTotal.Inc()
		h.log.Error().Err(err).Str("record", rec.ID).Str("kind", string(rec.Kind)).Msg("fan-out publish failed")
	}
}

// subscribeLoop keeps a subscription open until shutdown, re-establishing it
// after failures.
func (h *Hub) subscribeLoop() {
	defer h.bg.Done()

	for {
		err := h.channel.Subscribe(h.ctx, h.handleRecord)
		if h.ctx.Err() != nil || errors.Is(err, fanout.ErrClosed) {
			return
		}

		fanoutResubscribesTotal.Inc()
		h.log.Warn().Err(err).Dur("retry_in", h.resubscribeDelay).Msg("fan-out subscription failed")

		select {
		case <-h.ctx.Done():
			return
		case <-time.After(h.resubscribeDelay):
		}
	}
}

// handleRecord filters records from the shared channel and forwards
// broadcasts from other processes to the event loop.
func (h *Hub) handleRecord(ctx context.Context, rec fanout.Record) error {
	if rec.Origin == h.id {
		return nil
	}

	fanoutRecordsReceivedTotal.WithLabelValues(string(rec.Kind)).Inc()
	if h.peers.touch(rec.Origin) {
		h.log.Info().Str("peer", rec.Origin).Msg("peer joined")
	}

	if rec.Kind != fanout.KindBroadcast {
		return nil
	}

	select {
	case h.remote <- rec:
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	return nil
}

// Shutdown stops the hub. It discards new events, closes every client, flushes
// the fan-out outbox and waits for all goroutines up to timeout. It returns
// context.DeadlineExceeded when the timeout is reached first.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.Drain()
	h.cancel()

	if h.started.Load() {
		<-h.done
	}

	h.stopOnce.Do(func() {
		close(h.outbox)
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
