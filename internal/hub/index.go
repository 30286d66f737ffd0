package hub

import (
	"sync"
	"sync/atomic"
)

// subscriberIndex maps a destination to the clients subscribed to it.
// Mutations copy-on-write under the lock; the broadcast hot path loads
// an immutable snapshot without locking.
type subscriberIndex struct {
	mu          sync.RWMutex
	subscribers map[string]*atomic.Value // destination → []*client snapshot
}

func newSubscriberIndex() *subscriberIndex {
	return &subscriberIndex{subscribers: make(map[string]*atomic.Value)}
}

func (idx *subscriberIndex) add(dest string, c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.subscribers[dest]
	if val == nil {
		val = &atomic.Value{}
		idx.subscribers[dest] = val
	}

	var current []*client
	if v := val.Load(); v != nil {
		current = v.([]*client)
	}
	for _, existing := range current {
		if existing == c {
			return
		}
	}

	next := make([]*client, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	val.Store(next)
}

func (idx *subscriberIndex) remove(dest string, c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(dest, c)
}

func (idx *subscriberIndex) removeLocked(dest string, c *client) {
	val, ok := idx.subscribers[dest]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]*client)
	for i, existing := range current {
		if existing != c {
			continue
		}
		next := make([]*client, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.subscribers, dest)
		} else {
			val.Store(next)
		}
		return
	}
}

// removeAll unsubscribes a client from every listed destination.
func (idx *subscriberIndex) removeAll(dests []string, c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, dest := range dests {
		idx.removeLocked(dest, c)
	}
}

// get returns the immutable subscriber snapshot for a destination.
// Safe to iterate, must not be modified.
func (idx *subscriberIndex) get(dest string) []*client {
	idx.mu.RLock()
	val, ok := idx.subscribers[dest]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*client)
}

func (idx *subscriberIndex) count(dest string) int {
	return len(idx.get(dest))
}
