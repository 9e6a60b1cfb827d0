package store

import "sync"

const lockShards = 64

// keyedLocks serializes upserts that target the same pipeline ID. Distinct
// IDs may share a shard, which only costs an occasional wait; the backfill
// and monitor paths run at most ten writers at a time.
type keyedLocks struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for id and returns its unlock func.
func (kl *keyedLocks) lock(id int64) func() {
	m := &kl.shards[uint64(id)%lockShards]
	m.Lock()

	return m.Unlock
}
