// Package store persists agent status snapshots so the API and external
// tooling can read them without touching the network loops.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
)

const keyPrefix = "keeper:status:"

// ErrNotFound is returned when no snapshot exists for the agent
var ErrNotFound = errors.New("status snapshot not found")

type Store interface {
	Save(ctx context.Context, s agent.Status) error
	Load(ctx context.Context, network, address string) (*agent.Status, error)
	List(ctx context.Context) ([]agent.Status, error)
	Close() error
}

// Key is where a snapshot for one agent lives
func Key(network, address string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, network, strings.ToLower(address))
}

// MemoryStore keeps snapshots in process. Entries expire like Redis keys.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	status    agent.Status
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, clock: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Save(_ context.Context, s agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{status: s}
	if m.ttl > 0 {
		e.expiresAt = m.clock().Add(m.ttl)
	}
	m.entries[Key(s.Network, s.Address)] = e
	return nil
}

func (m *MemoryStore) Load(_ context.Context, network, address string) (*agent.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[Key(network, address)]
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	s := e.status
	return &s, nil
}

func (m *MemoryStore) List(_ context.Context) ([]agent.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !m.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]agent.Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k].status)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.clock().Before(e.expiresAt)
}
