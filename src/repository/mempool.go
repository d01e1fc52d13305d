package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

var (
	ErrNonceTaken    = errors.New("another user operation with the same sender and nonce is pending")
	ErrEntryNotFound = errors.New("user operation not found in mempool")
)

// Mempool stores validated entries. Add is idempotent by user operation
// hash and admits at most one entry per (sender, nonce).
type Mempool interface {
	Add(ctx context.Context, entry *domain.MempoolEntry) (bool, error)
	Get(ctx context.Context, hash common.Hash) (*domain.MempoolEntry, error)
	Replace(ctx context.Context, entry *domain.MempoolEntry) error
	Remove(ctx context.Context, hash common.Hash) error
	List(ctx context.Context) ([]*domain.MempoolEntry, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// MemoryMempool is the in-process Mempool used when no Redis is configured.
type MemoryMempool struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[common.Hash]*domain.MempoolEntry
	nonces  map[string]common.Hash
}

var _ Mempool = (*MemoryMempool)(nil)

func NewMemoryMempool(ttl time.Duration) *MemoryMempool {
	return &MemoryMempool{
		ttl:     ttl,
		entries: make(map[common.Hash]*domain.MempoolEntry),
		nonces:  make(map[string]common.Hash),
	}
}

func (m *MemoryMempool) expired(e *domain.MempoolEntry, now time.Time) bool {
	if m.ttl > 0 && now.Sub(e.AddedAt) >= m.ttl {
		return true
	}
	return e.Expired(now)
}

func (m *MemoryMempool) Add(_ context.Context, entry *domain.MempoolEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.UserOpHash]; ok {
		return false, nil
	}
	key := entry.SenderNonceKey()
	if other, ok := m.nonces[key]; ok && other != entry.UserOpHash {
		if !m.expired(m.entries[other], time.Now()) {
			return false, ErrNonceTaken
		}
		m.remove(other)
	}
	m.entries[entry.UserOpHash] = entry
	m.nonces[key] = entry.UserOpHash
	return true, nil
}

func (m *MemoryMempool) Get(_ context.Context, hash common.Hash) (*domain.MempoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[hash]
	if !ok || m.expired(entry, time.Now()) {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Replace swaps in a re-validated entry for the same hash.
func (m *MemoryMempool) Replace(_ context.Context, entry *domain.MempoolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.UserOpHash]; !ok {
		return ErrEntryNotFound
	}
	m.entries[entry.UserOpHash] = entry
	return nil
}

func (m *MemoryMempool) Remove(_ context.Context, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[hash]; !ok {
		return ErrEntryNotFound
	}
	m.remove(hash)
	return nil
}

func (m *MemoryMempool) remove(hash common.Hash) {
	entry, ok := m.entries[hash]
	if !ok {
		return
	}
	delete(m.entries, hash)
	if m.nonces[entry.SenderNonceKey()] == hash {
		delete(m.nonces, entry.SenderNonceKey())
	}
}

// List returns live entries, oldest first.
func (m *MemoryMempool) List(_ context.Context) ([]*domain.MempoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	entries := lo.Filter(lo.Values(m.entries), func(e *domain.MempoolEntry, _ int) bool {
		return !m.expired(e, now)
	})
	sortByAge(entries)
	return entries, nil
}

func (m *MemoryMempool) Prune(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for hash, entry := range m.entries {
		if m.expired(entry, now) {
			m.remove(hash)
			pruned++
		}
	}
	return pruned, nil
}

func sortByAge(entries []*domain.MempoolEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].AddedAt.Equal(entries[j].AddedAt) {
			return entries[i].UserOpHash.Hex() < entries[j].UserOpHash.Hex()
		}
		return entries[i].AddedAt.Before(entries[j].AddedAt)
	})
}
