// Package shardmap is the sharded in-memory inode table: inode number
// to loaded inode header. Sharding keeps unrelated lookups from
// contending on one mutex when many files are open.
package shardmap

import (
	"sync"

	"github.com/towander/nova/common"
	"github.com/towander/nova/inode"
)

type mapShard struct {
	mu    *sync.RWMutex
	state map[common.Inum]*inode.Inode
}

type InodeMap struct {
	shards []*mapShard
}

const NSHARD uint64 = 257

func mkMapShard() *mapShard {
	state := make(map[common.Inum]*inode.Inode)
	mu := new(sync.RWMutex)
	a := &mapShard{
		mu:    mu,
		state: state,
	}
	return a
}

func MkInodeMap() *InodeMap {
	var shards []*mapShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkMapShard())
	}
	a := &InodeMap{
		shards: shards,
	}
	return a
}

func (imap *InodeMap) getShard(ino common.Inum) *mapShard {
	return imap.shards[uint64(ino)%NSHARD]
}

func (imap *InodeMap) Lookup(ino common.Inum) (*inode.Inode, bool) {
	shard := imap.getShard(ino)
	shard.mu.RLock()
	ip, ok := shard.state[ino]
	shard.mu.RUnlock()
	return ip, ok
}

// LookupOrLoad returns the cached header for ino, calling load to
// construct it on a miss. Exactly one loaded header exists per inode;
// a racing loader's result is discarded in favor of the winner's.
func (imap *InodeMap) LookupOrLoad(ino common.Inum, load func() *inode.Inode) *inode.Inode {
	shard := imap.getShard(ino)
	shard.mu.RLock()
	ip, ok := shard.state[ino]
	shard.mu.RUnlock()
	if ok {
		return ip
	}
	shard.mu.Lock()
	ip, ok = shard.state[ino]
	if !ok {
		ip = load()
		shard.state[ino] = ip
	}
	shard.mu.Unlock()
	return ip
}

func (imap *InodeMap) Delete(ino common.Inum) {
	shard := imap.getShard(ino)
	shard.mu.Lock()
	delete(shard.state, ino)
	shard.mu.Unlock()
}
