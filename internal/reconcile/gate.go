package reconcile

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate serializes imports per project inside this process. Imports naming
// several projects acquire them in name order so two overlapping imports
// cannot deadlock.
type Gate struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{slots: make(map[string]*semaphore.Weighted)}
}

func (g *Gate) slot(name string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[name]
	if !ok {
		s = semaphore.NewWeighted(1)
		g.slots[name] = s
	}
	return s
}

// Acquire blocks until every named project is free or ctx ends. The returned
// release function must be called exactly once.
func (g *Gate) Acquire(ctx context.Context, projects ...string) (func(), error) {
	names := append([]string(nil), projects...)
	sort.Strings(names)
	names = dedupe(names)
	held := make([]*semaphore.Weighted, 0, len(names))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, name := range names {
		s := g.slot(name)
		if err := s.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, s)
	}
	return release, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
