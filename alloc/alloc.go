// Package alloc tracks free device blocks with a bitmap and hands out
// contiguous runs. The engine consumes it through AllocBlocks and
// FreeBlocks only; the bitmap is volatile state rebuilt at mount.
package alloc

import (
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/util"
)

// Alloc allocates block numbers in [start, start+len).
type Alloc struct {
	lock  *sync.Mutex // protects bmap, nfree, next
	dev   pmem.Device
	start uint64
	len   uint64
	next  uint64 // relative index to try first
	bmap  bitmap.Bitmap
	nfree uint64
}

func MkAlloc(dev pmem.Device, start uint64, len uint64) *Alloc {
	a := &Alloc{
		lock:  new(sync.Mutex),
		dev:   dev,
		start: start,
		len:   len,
		next:  0,
		bmap:  bitmap.New(int(len)),
		nfree: len,
	}
	util.DPrintf(1, "MkAlloc: blocks [%d, %d)", start, start+len)
	return a
}

// findRun scans for a free run of up to count bits beginning at or
// after from, wrapping once. Returns the relative index and run length,
// or ok=false when every bit is taken.
//
// Assumes caller holds lock.
func (a *Alloc) findRun(from uint64, count uint64) (uint64, uint64, bool) {
	if from >= a.len {
		from = 0
	}
	scanned := uint64(0)
	i := from
	for scanned < a.len {
		if a.bmap.Get(int(i)) {
			i++
			if i >= a.len {
				i = 0
			}
			scanned++
			continue
		}
		// extend the run, but never past the end of the area (runs
		// must be physically contiguous, so no wrapping mid-run)
		n := uint64(1)
		for n < count && i+n < a.len && !a.bmap.Get(int(i+n)) {
			n++
		}
		return i, n, true
	}
	return 0, 0, false
}

// AllocBlocks allocates up to count contiguous blocks near the hint
// block number, zeroing them when zero is set. It returns the first
// block and the run length, which may be shorter than count; callers
// loop. Fails with ENOSPC when nothing is free.
func (a *Alloc) AllocBlocks(hint common.Bnum, count uint64, zero bool) (common.Bnum, uint64, error) {
	if count == 0 {
		return common.NULLBNUM, 0, fserr.New(fserr.EINVAL)
	}
	a.lock.Lock()
	from := a.next
	if hint >= a.start && hint < a.start+a.len {
		from = hint - a.start
	}
	i, n, ok := a.findRun(from, count)
	if !ok {
		a.lock.Unlock()
		util.DPrintf(2, "AllocBlocks: no space for %d blocks", count)
		return common.NULLBNUM, 0, fserr.New(fserr.ENOSPC)
	}
	for j := uint64(0); j < n; j++ {
		a.bmap.Set(int(i+j), true)
	}
	a.nfree -= n
	a.next = i + n
	if a.next >= a.len {
		a.next = 0
	}
	a.lock.Unlock()

	blocknr := a.start + i
	if zero {
		pmem.ZeroRange(a.dev, blocknr*common.BlockSize, n*common.BlockSize)
	}
	util.DPrintf(10, "AllocBlocks: %d blocks @ %d", n, blocknr)
	return blocknr, n, nil
}

// FreeBlocks returns [blocknr, blocknr+count) to the free pool. Freeing
// a block that is outside the area or already free is a consistency
// violation and reported as EINVAL.
func (a *Alloc) FreeBlocks(blocknr common.Bnum, count uint64) error {
	if blocknr < a.start || blocknr+count > a.start+a.len {
		return fserr.Errorf(fserr.EINVAL,
			"free of blocks [%d, %d) outside allocator area",
			blocknr, blocknr+count)
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	i := blocknr - a.start
	for j := uint64(0); j < count; j++ {
		if !a.bmap.Get(int(i + j)) {
			return fserr.Errorf(fserr.EINVAL,
				"double free of block %d", blocknr+j)
		}
	}
	for j := uint64(0); j < count; j++ {
		a.bmap.Set(int(i+j), false)
	}
	a.nfree += count
	util.DPrintf(10, "FreeBlocks: %d blocks @ %d", count, blocknr)
	return nil
}

// MarkAllocated claims a specific range, used when laying out fixed
// regions at mkfs.
func (a *Alloc) MarkAllocated(blocknr common.Bnum, count uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	i := blocknr - a.start
	for j := uint64(0); j < count; j++ {
		if !a.bmap.Get(int(i + j)) {
			a.nfree--
		}
		a.bmap.Set(int(i+j), true)
	}
}

// FreeCount reports how many blocks are currently free.
func (a *Alloc) FreeCount() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.nfree
}
