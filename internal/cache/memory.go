package cache

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/vanish/internal/clock"
)

// Memory is an in-process Cache. It backs tests and the single-node
// dev mode where no redis is configured. TTLs are evaluated lazily
// against the injected clock on read.
type Memory struct {
	clk clock.Clock

	mu     sync.Mutex
	values map[string]memEntry
	lists  map[string][][]byte
	sets   map[string]map[string]struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no TTL
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:    clk,
		values: make(map[string]memEntry),
		lists:  make(map[string][][]byte),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && m.clk.Now().After(e.expiresAt)
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		delete(m.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.lists, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok {
		e.expiresAt = m.clk.Now().Add(ttl)
		m.values[key] = e
	}
	// List and set TTLs are not tracked; the sweeper clears those keys.
	return nil
}

func (m *Memory) PushRight(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], append([]byte(nil), value...))
	return nil
}

func (m *Memory) PopLeft(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return nil, false, nil
	}
	head := l[0]
	if len(l) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = l[1:]
	}
	return head, true, nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	for _, mem := range members {
		delete(s, mem)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
