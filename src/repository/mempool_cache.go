package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
)

// MempoolCache is a Redis backed Mempool shared between bundler instances.
// Entries expire through key TTLs; an index set tracks the live hashes.
type MempoolCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
}

var _ Mempool = (*MempoolCache)(nil)

// NewMempoolCache creates a mempool under keys prefixed with the mempool id
func NewMempoolCache(redis *redis.Client, mempoolID string, ttl time.Duration) *MempoolCache {
	return &MempoolCache{
		redis:  redis,
		prefix: "mempool:" + mempoolID,
		ttl:    ttl,
	}
}

func (r *MempoolCache) entryKey(hash common.Hash) string {
	return fmt.Sprintf("%s:entry:%s", r.prefix, hash.Hex())
}

func (r *MempoolCache) nonceKey(senderNonce string) string {
	return fmt.Sprintf("%s:nonce:%s", r.prefix, senderNonce)
}

func (r *MempoolCache) indexKey() string {
	return r.prefix + ":entries"
}

// Add stores the entry unless its hash is already present. The sender+nonce
// slot is claimed with SETNX so concurrent bundlers cannot both admit it.
func (r *MempoolCache) Add(ctx context.Context, entry *domain.MempoolEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal mempool entry: %w", err)
	}

	hash := entry.UserOpHash.Hex()
	stored, err := r.redis.SetNX(ctx, r.entryKey(entry.UserOpHash), data, r.ttl).Result()
	if err != nil {
		return false, err
	}
	if !stored {
		return false, nil
	}

	claimed, err := r.redis.SetNX(ctx, r.nonceKey(entry.SenderNonceKey()), hash, r.ttl).Result()
	if err != nil || !claimed {
		r.redis.Del(ctx, r.entryKey(entry.UserOpHash))
		if err != nil {
			return false, err
		}
		return false, ErrNonceTaken
	}

	if err := r.redis.SAdd(ctx, r.indexKey(), hash).Err(); err != nil {
		return false, fmt.Errorf("failed to index mempool entry: %w", err)
	}
	return true, nil
}

func (r *MempoolCache) get(ctx context.Context, hash common.Hash) (*domain.MempoolEntry, error) {
	data, err := r.redis.Get(ctx, r.entryKey(hash)).Result()
	if err == redis.Nil {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry domain.MempoolEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mempool entry: %w", err)
	}
	return &entry, nil
}

func (r *MempoolCache) Get(ctx context.Context, hash common.Hash) (*domain.MempoolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, err := r.get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if entry.Expired(time.Now()) {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Replace overwrites the stored entry and keeps its remaining TTL
func (r *MempoolCache) Replace(ctx context.Context, entry *domain.MempoolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal mempool entry: %w", err)
	}
	replaced, err := r.redis.SetXX(ctx, r.entryKey(entry.UserOpHash), data, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !replaced {
		return ErrEntryNotFound
	}
	return nil
}

func (r *MempoolCache) Remove(ctx context.Context, hash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remove(ctx, hash)
}

// remove deletes the entry, its index member and its nonce claim
func (r *MempoolCache) remove(ctx context.Context, hash common.Hash) error {
	entry, err := r.get(ctx, hash)
	if err != nil {
		r.redis.SRem(ctx, r.indexKey(), hash.Hex())
		return err
	}

	nonceKey := r.nonceKey(entry.SenderNonceKey())
	owner, err := r.redis.Get(ctx, nonceKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, r.entryKey(hash))
	pipe.SRem(ctx, r.indexKey(), hash.Hex())
	if owner == hash.Hex() {
		pipe.Del(ctx, nonceKey)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List returns live entries, oldest first. Index members whose key already
// expired are dropped on the way.
func (r *MempoolCache) List(ctx context.Context) ([]*domain.MempoolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hashes, err := r.redis.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list mempool entries: %w", err)
	}

	now := time.Now()
	var entries []*domain.MempoolEntry
	for _, h := range hashes {
		entry, err := r.get(ctx, common.HexToHash(h))
		if err == ErrEntryNotFound {
			r.redis.SRem(ctx, r.indexKey(), h)
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	sortByAge(entries)
	return entries, nil
}

// Prune removes entries whose validity window closed. TTL expiry is left to Redis.
func (r *MempoolCache) Prune(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, err := r.redis.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list mempool entries: %w", err)
	}

	pruned := 0
	for _, h := range hashes {
		hash := common.HexToHash(h)
		entry, err := r.get(ctx, hash)
		switch {
		case err == ErrEntryNotFound:
			r.redis.SRem(ctx, r.indexKey(), h)
			pruned++
		case err != nil:
			return pruned, err
		case entry.Expired(now):
			if err := r.remove(ctx, hash); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
