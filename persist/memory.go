package persist

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. Records are kept msgpack encoded so
// callers never share state with what was saved.
type Memory struct {
	mu   sync.RWMutex
	open bool
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Open(_ context.Context) error {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	return nil
}

// Close marks the store closed. Saved records survive so a later Open
// sees them, which is how tests model a broker restart.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}

// IsOpen reports whether Open was called without a matching Close.
func (m *Memory) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

func (m *Memory) LoadSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return nil, ErrClosed
	}
	v, ok := m.data[string(sessionKey(id))]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(v)
}

func (m *Memory) SaveSession(_ context.Context, s *Session) error {
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	val, err := encodeSession(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	m.data[string(sessionKey(s.ID))] = val
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	delete(m.data, string(sessionKey(id)))
	return nil
}

func (m *Memory) Sessions(_ context.Context) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		// Snapshot under read lock so yield may call back into the store.
		m.mu.RLock()
		if !m.open {
			m.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		var keys []string
		for k := range m.data {
			if strings.HasPrefix(k, sessionPrefix) {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		vals := make([][]byte, len(keys))
		for i, k := range keys {
			vals[i] = m.data[k]
		}
		m.mu.RUnlock()

		for _, v := range vals {
			if !yield(decodeSession(v)) {
				return
			}
		}
	}
}

func (m *Memory) Sync() error {
	return nil
}
