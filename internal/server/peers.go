package server

import (
	"sort"
	"sync"
	"time"
)

// peerTracker remembers which other relay processes have been heard from
// recently, either through a heartbeat or a relayed broadcast.
type peerTracker struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	timeout time.Duration
	now     func() time.Time
}

func newPeerTracker(timeout time.Duration) *peerTracker {
	return &peerTracker{
		seen:    make(map[string]time.Time),
		timeout: timeout,
		now:     time.Now,
	}
}

// touch records origin as alive and reports whether it was unknown.
func (p *peerTracker) touch(origin string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, known := p.seen[origin]
	p.seen[origin] = p.now()
	fanoutPeers.Set(float64(len(p.seen)))
	return !known
}

// expire forgets peers silent for longer than the timeout and returns them.
func (p *peerTracker) expire() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.timeout)
	var gone []string
	for origin, last := range p.seen {
		if last.Before(cutoff) {
			delete(p.seen, origin)
			gone = append(gone, origin)
		}
	}
	fanoutPeers.Set(float64(len(p.seen)))
	sort.Strings(gone)
	return gone
}

func (p *peerTracker) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
