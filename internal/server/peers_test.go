package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerTracker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newPeerTracker(10 * time.Second)
	p.now = func() time.Time { return now }

	assert.True(t, p.touch("b"))
	assert.True(t, p.touch("a"))
	assert.False(t, p.touch("a"))
	assert.Equal(t, 2, p.count())

	now = now.Add(6 * time.Second)
	p.touch("a")
	assert.Empty(t, p.expire())

	now = now.Add(6 * time.Second)
	assert.Equal(t, []string{"b"}, p.expire())
	assert.Equal(t, 1, p.count())

	now = now.Add(11 * time.Second)
	assert.Equal(t, []string{"a"}, p.expire())
	assert.Zero(t, p.count())
	assert.True(t, p.touch("a"), "expired peer is new again")
}
