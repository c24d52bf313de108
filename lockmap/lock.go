// lockmap is a sharded reader/writer lock map.
//
// The API is as if LockMap consisted of an RWMutex for every possible
// uint64 (here: inode numbers); Acquire/Release take the exclusive
// lock associated with a and RAcquire/RRelease the shared one. Writers
// that may append to an inode's log or move its tail take the
// exclusive lock; readers take the shared lock.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards so that shard i is
// responsible for maintaining the lock state of all a such that
// a % NSHARD = i. Acquiring a lock requires synchronizing with any
// threads accessing the same shard.
package lockmap

import (
	"sync"
)

type lockState struct {
	writer  bool
	readers uint64
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	state := make(map[uint64]*lockState)
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: state,
	}
	return a
}

func (lmap *lockShard) lookup(addr uint64) *lockState {
	state, ok := lmap.state[addr]
	if !ok {
		state = &lockState{
			cond: sync.NewCond(lmap.mu),
		}
		lmap.state[addr] = state
	}
	return state
}

// free drops the state entry once nobody holds or waits on it.
func (lmap *lockShard) free(addr uint64, state *lockState) {
	if !state.writer && state.readers == 0 && state.waiters == 0 {
		delete(lmap.state, addr)
	}
}

func (lmap *lockShard) acquire(addr uint64) {
	lmap.mu.Lock()
	state := lmap.lookup(addr)
	for state.writer || state.readers > 0 {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	state.writer = true
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(addr uint64) {
	lmap.mu.Lock()
	state := lmap.state[addr]
	state.writer = false
	state.cond.Broadcast()
	lmap.free(addr, state)
	lmap.mu.Unlock()
}

func (lmap *lockShard) racquire(addr uint64) {
	lmap.mu.Lock()
	state := lmap.lookup(addr)
	for state.writer {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	state.readers += 1
	lmap.mu.Unlock()
}

func (lmap *lockShard) rrelease(addr uint64) {
	lmap.mu.Lock()
	state := lmap.state[addr]
	state.readers -= 1
	if state.readers == 0 {
		state.cond.Broadcast()
	}
	lmap.free(addr, state)
	lmap.mu.Unlock()
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

// Acquire takes the exclusive lock for flataddr.
func (lmap *LockMap) Acquire(flataddr uint64) {
	shard := lmap.shards[flataddr%NSHARD]
	shard.acquire(flataddr)
}

func (lmap *LockMap) Release(flataddr uint64) {
	shard := lmap.shards[flataddr%NSHARD]
	shard.release(flataddr)
}

// RAcquire takes the shared lock for flataddr.
func (lmap *LockMap) RAcquire(flataddr uint64) {
	shard := lmap.shards[flataddr%NSHARD]
	shard.racquire(flataddr)
}

func (lmap *LockMap) RRelease(flataddr uint64) {
	shard := lmap.shards[flataddr%NSHARD]
	shard.rrelease(flataddr)
}
