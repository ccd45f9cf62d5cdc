package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRouter(t *testing.T) {
	r := DefaultRouter()

	tests := []struct {
		inbound string
		want    string
		ok      bool
	}{
		{inbound: EventMessage, want: EventUpdates, ok: true},
		{inbound: EventSubscribe, want: EventJoined, ok: true},
		{inbound: EventUpdates, ok: false},
		{inbound: EventJoined, ok: false},
		{inbound: "Message", ok: false},
		{inbound: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.inbound)
		assert.Equal(t, tt.ok, ok, "inbound %q", tt.inbound)
		assert.Equal(t, tt.want, got, "inbound %q", tt.inbound)
	}
}

func TestNewRouterLaterRouteWins(t *testing.T) {
	r := NewRouter(
		Route{Inbound: "a", Outbound: "first"},
		Route{Inbound: "a", Outbound: "second"},
	)
	got, ok := r.Resolve("a")
	assert.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	l := newRateLimiter(3, 300*time.Millisecond)

	for i := range 3 {
		assert.True(t, l.Allow(), "message %d within burst", i)
	}
	assert.False(t, l.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, l.Allow(), "one token refills every interval/capacity")
}

func TestRateLimiterDefaults(t *testing.T) {
	l := newRateLimiter(0, 0)
	assert.Equal(t, 1, l.Burst())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}
