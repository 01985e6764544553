package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/policy"
)

// ErrNotFound is returned by a Store for ids it does not hold.
var ErrNotFound = errors.New("session not found")

// Entry is an installed session and the account it lives on.
type Entry struct {
	Account common.Address
	Session Session
}

// Store keeps the sessions installed through a Manager and what each has
// spent. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, id ID, e Entry) error
	Get(ctx context.Context, id ID) (Entry, error)
	Delete(ctx context.Context, id ID) error
	// Usage returns the recorded ledger, empty for sessions without spend.
	Usage(ctx context.Context, id ID) (policy.Ledger, error)
	// AddUsage merges delta into the recorded ledger.
	AddUsage(ctx context.Context, id ID, delta policy.Ledger) error
	// Reserve runs check against the recorded ledger and adds the delta it
	// returns in the same step. Two callers never both pass check on the
	// same spend.
	Reserve(ctx context.Context, id ID, check CheckFunc) (policy.Ledger, error)
	// Release takes back a reservation whose operation did not land.
	Release(ctx context.Context, id ID, delta policy.Ledger) error
}

// CheckFunc decides whether a spend fits the recorded usage and returns
// what it adds.
type CheckFunc func(usage policy.Ledger) (policy.Ledger, error)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[ID]Entry
	usage   map[ID]policy.Ledger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[ID]Entry),
		usage:   make(map[ID]policy.Ledger),
	}
}

// Put records e under id. Re-installing a removed session starts its
// usage from zero.
func (m *MemoryStore) Put(_ context.Context, id ID, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		delete(m.usage, id)
	}
	m.entries[id] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id ID) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Delete(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	delete(m.usage, id)
	return nil
}

func (m *MemoryStore) Usage(_ context.Context, id ID) (policy.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return policy.Ledger{}.Merge(m.usage[id]), nil
}

func (m *MemoryStore) AddUsage(_ context.Context, id ID, delta policy.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[id] = m.usage[id].Merge(delta)
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, id ID, check CheckFunc) (policy.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta, err := check(policy.Ledger{}.Merge(m.usage[id]))
	if err != nil {
		return nil, err
	}
	m.usage[id] = m.usage[id].Merge(delta)
	return delta, nil
}

func (m *MemoryStore) Release(_ context.Context, id ID, delta policy.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[id]; ok {
		m.usage[id] = u.Sub(delta)
	}
	return nil
}
