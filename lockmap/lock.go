// lockmap is a sharded lock map keyed by block number.
//
// The API is as if LockMap consisted of a lock for every possible block;
// LockMap.Acquire(bn) acquires the lock associated with bn and
// LockMap.Release(bn) releases it. The block cache uses it so that only one
// goroutine reads a given missing block from disk.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards so that shard i is
// responsible for the lock state of all bn such that bn % NSHARD = i.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/bfs-journal/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Bnum]*lockState
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	return &lockShard{
		mu:    mu,
		state: make(map[common.Bnum]*lockState),
	}
}

func (shard *lockShard) acquire(bn common.Bnum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[bn]
	if !ok {
		state = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[bn] = state
	}
	for state.held {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	state.held = true
}

func (shard *lockShard) release(bn common.Bnum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[bn]
	if !ok || !state.held {
		panic("lockmap: release of unheld lock")
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, bn)
	}
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := range shards {
		shards[i] = mkLockShard()
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) Acquire(bn common.Bnum) {
	lmap.shards[bn%NSHARD].acquire(bn)
}

func (lmap *LockMap) Release(bn common.Bnum) {
	lmap.shards[bn%NSHARD].release(bn)
}
