package guard

import (
	"net"
	"sync"
)

// Guard tracks concurrent connections per origin address against a fixed
// ceiling. Over-ceiling origins are refused at connect time, before the
// websocket upgrade, so abusive hosts never reach event handling.
type Guard struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

// New creates a Guard with the given per-origin ceiling. Ceilings below one
// fall back to 10.
func New(maxPerOrigin int) *Guard {
	if maxPerOrigin <= 0 {
		maxPerOrigin = 10
	}
	return &Guard{counts: make(map[string]int), max: maxPerOrigin}
}

// Acquire reserves a connection slot for the origin. It reports false when
// the origin is at its ceiling; no slot is consumed in that case.
func (g *Guard) Acquire(origin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[origin] >= g.max {
		return false
	}
	g.counts[origin]++
	return true
}

// Release frees a slot previously reserved with Acquire. Origins with no
// remaining connections are removed from the table.
func (g *Guard) Release(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.counts[origin]; n > 1 {
		g.counts[origin] = n - 1
	} else {
		delete(g.counts, origin)
	}
}

// Count returns the number of slots currently held by the origin.
func (g *Guard) Count(origin string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[origin]
}

// OriginOf derives the accounting key from a remote network address by
// dropping the port. Addresses that do not parse are used verbatim.
func OriginOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
