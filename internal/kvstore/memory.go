package kvstore

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process backend used by tests and the memory config
// backend. It satisfies Backend and Watcher.
type Memory struct {
	mu       sync.RWMutex
	values   map[string][]byte
	closed   bool
	watchers map[int]chan struct{}
	nextID   int
	writes   int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: map[string][]byte{}, watchers: map[int]chan struct{}{}}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.values[key]
	return bytes.Clone(v), ok, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	return m.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany writes every value under one lock. Unchanged values do not count
// as writes and do not wake watchers.
func (m *Memory) SetMany(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	changed := false
	for k, v := range values {
		if old, ok := m.values[k]; ok && bytes.Equal(old, v) {
			continue
		}
		m.values[k] = bytes.Clone(v)
		changed = true
	}
	if changed {
		m.writes++
	}
	watchers := slices.Collect(maps.Values(m.watchers))
	m.mu.Unlock()

	if changed {
		wake(watchers)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	changed := false
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			changed = true
		}
	}
	watchers := slices.Collect(maps.Values(m.watchers))
	m.mu.Unlock()

	if changed {
		wake(watchers)
	}
	return nil
}

// Watch calls onChange after every effective write until ctx is done.
func (m *Memory) Watch(ctx context.Context, onChange func()) error {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			onChange()
		}
	}
}

// Writes reports how many effective writes happened.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.values))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func wake(chs []chan struct{}) {
	for _, ch := range chs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
