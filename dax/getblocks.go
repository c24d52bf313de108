package dax

import (
	"time"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/ilog"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/util"
)

// MapResult is the outcome of a block-mapping request: either a hole,
// or a contiguous mapped run starting at Block. IsNew marks runs
// allocated by this call.
type MapResult struct {
	Hole  bool
	Block common.Bnum
	Count uint64
	IsNew bool
}

// GetBlocks resolves the mapping of up to maxBlocks logical pages
// starting at iblock. Without create it is a pure probe: mapped runs
// and holes are reported as found. With create, a hole is filled by
// allocating blocks and appending a committed extent, so the mapping
// survives a crash before any data lands in it.
//
// When takeLock is set the probe runs under the shared inode lock and
// allocation retries under the exclusive one, rechecking first since a
// racing writer may have filled the hole in between. With takeLock
// unset the caller already holds the exclusive lock.
func (e *Engine) GetBlocks(ino common.Inum, iblock uint64, maxBlocks uint64, create bool, takeLock bool) (MapResult, error) {
	sb := e.sb
	if maxBlocks == 0 {
		return MapResult{}, fserr.Errorf(fserr.EINVAL, "zero-length mapping")
	}

	if takeLock {
		sb.Locks.RAcquire(uint64(ino))
	}
	ip, err := sb.GetInode(ino)
	if err != nil {
		if takeLock {
			sb.Locks.RRelease(uint64(ino))
		}
		return MapResult{}, err
	}
	if res, ok := lookupRun(ip, iblock, maxBlocks); ok || !create {
		if takeLock {
			sb.Locks.RRelease(uint64(ino))
		}
		return res, nil
	}
	if takeLock {
		sb.Locks.RRelease(uint64(ino))
		sb.Locks.Acquire(uint64(ino))
		defer sb.Locks.Release(uint64(ino))
		// a writer may have mapped the page while we held no lock
		if res, ok := lookupRun(ip, iblock, maxBlocks); ok {
			return res, nil
		}
	}
	return e.fillHole(ip, iblock, maxBlocks)
}

// lookupRun reports the existing mapping at iblock: the contiguous run
// inside one extent, or the hole up to the next mapped page.
//
// Assumes caller holds the inode lock (shared suffices).
func lookupRun(ip *inode.Inode, iblock uint64, maxBlocks uint64) (MapResult, bool) {
	we := ip.FindEntry(iblock)
	if we != nil {
		count := util.Min(maxBlocks, we.NumPages-(iblock-we.Pgoff))
		return MapResult{Block: we.BlockFor(iblock), Count: count}, true
	}
	count := maxBlocks
	if next := ip.FindNextEntry(iblock); next != nil && next.Pgoff > iblock {
		count = util.Min(count, next.Pgoff-iblock)
	}
	return MapResult{Hole: true, Count: count}, false
}

// fillHole allocates blocks for an unmapped run and publishes them
// through a normal append-and-commit cycle.
//
// Assumes caller holds the inode lock exclusively.
func (e *Engine) fillHole(ip *inode.Inode, iblock uint64, maxBlocks uint64) (MapResult, error) {
	sb := e.sb
	want := maxBlocks
	if next := ip.FindNextEntry(iblock); next != nil && next.Pgoff > iblock {
		want = util.Min(want, next.Pgoff-iblock)
	}
	blocknr, n, err := sb.Alloc.AllocBlocks(common.NULLBNUM, want, true)
	if err != nil {
		return MapResult{}, err
	}
	e.protectRun(blocknr, n)

	epoch := sb.Epoch()
	mtime := uint64(time.Now().Unix())
	u := ilog.MkUpdate(ip)
	entry := &inode.WriteEntry{
		Type:     inode.FileWrite,
		NumPages: n,
		Block:    blocknr,
		Pgoff:    iblock,
		Size:     ip.Size,
		Epoch:    epoch,
		Mtime:    mtime,
	}
	if err := sb.Log.AppendEntry(ip, entry, u); err != nil {
		cerr := sb.Log.CleanupIncomplete(ip, blocknr, n, common.NULLPTR, common.NULLPTR)
		if cerr != nil {
			util.DPrintf(1, "fillHole: ino %d cleanup: %v", ip.Ino, cerr)
		}
		return MapResult{}, err
	}
	begin := u.CurrEntry
	ip.Blocks += n
	ip.Mtime = mtime
	sb.Log.Commit(ip, u)
	if err := sb.Log.Reassign(ip, begin, epoch); err != nil {
		return MapResult{}, err
	}
	util.DPrintf(5, "fillHole: ino %d %d blocks @ %d for page %d",
		ip.Ino, n, blocknr, iblock)
	return MapResult{Block: blocknr, Count: n, IsNew: true}, nil
}
