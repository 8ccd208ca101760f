// Package syncutil provides keyed mutual exclusion for the wallet ledger
// and escrow lock table.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[s.shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}

// LockPair acquires the mutexes for two keys in shard order, so that two
// goroutines locking the same pair in opposite argument order cannot
// deadlock. Both wallets of a wager are locked this way before any
// balance check or mutation.
func (s *ShardedMutex) LockPair(a, b string) func() {
	i, j := s.shardIdx(a), s.shardIdx(b)
	if i == j {
		s.shards[i].Lock()
		return s.shards[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	s.shards[i].Lock()
	s.shards[j].Lock()
	return func() {
		s.shards[j].Unlock()
		s.shards[i].Unlock()
	}
}

func (s *ShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
