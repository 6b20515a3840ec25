package scan

import "sync"

// inflight admits at most one operation per scan id.
type inflight struct {
	mu  sync.Mutex
	ids map[uint]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[uint]struct{})}
}

func (g *inflight) acquire(id uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.ids[id]; busy {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *inflight) release(id uint) {
	g.mu.Lock()
	delete(g.ids, id)
	g.mu.Unlock()
}
