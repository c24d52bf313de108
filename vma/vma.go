// Package vma tracks file regions that are memory-mapped for direct
// write access. The write path consults it to decide when checksum
// verification is meaningless (the application may be storing through
// the mapping concurrently) and the copy-on-write writer uses it to
// reject writes to mapped files outright.
//
// Each inode carries an ordered set of its active writable regions,
// keyed by a stable region id rather than by anything address-derived,
// and guarded by the inode lock like the rest of the inode's
// structural state. The registry of inodes that have any writable
// mapping is engine-wide state touched by background passes, so it has
// its own lock.
package vma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/ilog"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/util"
)

// Region is one active writable mapping of a file range.
type Region struct {
	ID       uint64
	Pgoff    uint64
	NumPages uint64
}

type regionCallbacks struct{}

func (regionCallbacks) DumpKey(key sortedmap.Key) (string, error) {
	id, ok := key.(uint64)
	if !ok {
		return "", fmt.Errorf("key.(uint64) returned !ok")
	}
	return fmt.Sprintf("%016X", id), nil
}

func (regionCallbacks) DumpValue(value sortedmap.Value) (string, error) {
	r, ok := value.(*Region)
	if !ok {
		return "", fmt.Errorf("value.(*Region) returned !ok")
	}
	return fmt.Sprintf("region %d [%d+%d)", r.ID, r.Pgoff, r.NumPages), nil
}

// Registry owns the engine-wide set of inodes with writable mappings.
type Registry struct {
	log       *ilog.Log
	protected bool // integrity protection on: mappings leave log markers

	nextID uint64

	mu     sync.Mutex // protects inodes; independent of inode locks
	inodes map[common.Inum]*inode.Inode
}

func MkRegistry(log *ilog.Log, protected bool) *Registry {
	return &Registry{
		log:       log,
		protected: protected,
		inodes:    make(map[common.Inum]*inode.Inode),
	}
}

// Insert registers a writable mapping of [pgoff, pgoff+numPages) and,
// when integrity protection is enabled, appends and commits an
// MMAP_WRITE marker so recovery can tell which checksums are suspect.
//
// Assumes caller holds the inode lock exclusively.
func (reg *Registry) Insert(sih *inode.Inode, pgoff uint64, numPages uint64, epoch common.Epoch) (*Region, error) {
	if numPages == 0 {
		return nil, fserr.New(fserr.EINVAL)
	}
	if reg.protected {
		marker := &inode.WriteEntry{
			Type:     inode.MmapWrite,
			Pgoff:    pgoff,
			NumPages: numPages,
			Epoch:    epoch,
		}
		u := ilog.MkUpdate(sih)
		if err := reg.log.AppendEntry(sih, marker, u); err != nil {
			return nil, err
		}
		reg.log.Commit(sih, u)
	}

	if sih.VmaSet == nil {
		sih.VmaSet = sortedmap.NewLLRBTree(sortedmap.CompareUint64, regionCallbacks{})
	}
	r := &Region{
		ID:       atomic.AddUint64(&reg.nextID, 1),
		Pgoff:    pgoff,
		NumPages: numPages,
	}
	if _, err := sih.VmaSet.Put(r.ID, r); err != nil {
		return nil, fserr.Wrap(fserr.EINVAL, err)
	}
	sih.NumVmas++
	util.DPrintf(2, "vma: ino %d insert region %d [%d+%d)",
		sih.Ino, r.ID, pgoff, numPages)

	if sih.NumVmas == 1 {
		reg.mu.Lock()
		reg.inodes[sih.Ino] = sih
		reg.mu.Unlock()
	}
	return r, nil
}

// Remove drops a writable mapping by region id.
//
// Assumes caller holds the inode lock exclusively.
func (reg *Registry) Remove(sih *inode.Inode, id uint64) error {
	if sih.VmaSet == nil {
		return fserr.New(fserr.ENOENT)
	}
	ok, err := sih.VmaSet.DeleteByKey(id)
	if err != nil {
		return fserr.Wrap(fserr.EINVAL, err)
	}
	if !ok {
		return fserr.New(fserr.ENOENT)
	}
	sih.NumVmas--
	util.DPrintf(2, "vma: ino %d remove region %d", sih.Ino, id)

	if sih.NumVmas == 0 {
		reg.mu.Lock()
		delete(reg.inodes, sih.Ino)
		reg.mu.Unlock()
	}
	return nil
}

// FindPage reports whether the logical page is inside any active
// writable mapping of the inode.
//
// Assumes caller holds the inode lock (shared suffices).
func (reg *Registry) FindPage(sih *inode.Inode, pgoff uint64) bool {
	if sih.VmaSet == nil || sih.NumVmas == 0 {
		return false
	}
	n, err := sih.VmaSet.Len()
	if err != nil {
		panic(fmt.Errorf("inode %d vma set: %v", sih.Ino, err))
	}
	for i := 0; i < n; i++ {
		_, value, ok, err := sih.VmaSet.GetByIndex(i)
		if err != nil {
			panic(fmt.Errorf("inode %d vma set: %v", sih.Ino, err))
		}
		if !ok {
			break
		}
		r := value.(*Region)
		if pgoff >= r.Pgoff && pgoff < r.Pgoff+r.NumPages {
			return true
		}
	}
	return false
}

// Inodes snapshots the inodes that currently have writable mappings,
// for background passes that scan mapped files.
func (reg *Registry) Inodes() []*inode.Inode {
	reg.mu.Lock()
	out := make([]*inode.Inode, 0, len(reg.inodes))
	for _, sih := range reg.inodes {
		out = append(out, sih)
	}
	reg.mu.Unlock()
	return out
}
