// Package dax implements the file data paths on top of the mounted
// engine: reads, copy-on-write and in-place writes through the
// per-inode extent log, and block mapping for direct-access faults.
//
// Locking protocol: every operation takes the inode's lock from the
// engine lock table before touching the header or the page index --
// shared for reads and mapping probes, exclusive for anything that
// appends to the log or moves state. Data visibility follows the log:
// a write call's entries become readable only after its single commit.
package dax

import (
	"sync/atomic"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/super"
	"github.com/towander/nova/util"
)

// Engine exposes the data-path operations of one mounted instance.
type Engine struct {
	sb *super.Super
}

func MkEngine(sb *super.Super) *Engine {
	return &Engine{sb: sb}
}

// Read copies file bytes at off into buf, stopping at end of file.
// Holes read as zeros. With checksums enabled every touched stripe is
// verified first; a mismatch stops the copy at the last good byte and
// reports EUCLEAN. Verification is skipped for pages inside a writable
// mapping and for extents with an in-place update in flight, where a
// recomputed code could not be trusted anyway.
func (e *Engine) Read(ino common.Inum, buf []byte, off uint64) (uint64, error) {
	sb := e.sb
	if len(buf) == 0 {
		return 0, nil
	}
	sb.Locks.RAcquire(uint64(ino))
	defer sb.Locks.RRelease(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, err
	}
	if off >= ip.Size {
		return 0, nil
	}
	n := util.Min(uint64(len(buf)), ip.Size-off)

	read := uint64(0)
	for read < n {
		pos := off + read
		pgoff := pos >> common.PageShift
		inPage := pos & (common.BlockSize - 1)
		chunk := util.Min(n-read, common.BlockSize-inPage)

		we := ip.FindEntry(pgoff)
		if we == nil {
			for i := read; i < read+chunk; i++ {
				buf[i] = 0
			}
			read += chunk
			continue
		}
		blocknr := we.BlockFor(pgoff)
		if sb.Csum.CsumEnabled() && we.Updating == 0 &&
			!sb.Vmas.FindPage(ip, pgoff) {
			if !sb.Csum.VerifyRange(blocknr, inPage, chunk) {
				atomic.AddUint64(&sb.Stats.ReadBytes, read)
				return read, fserr.Errorf(fserr.EUCLEAN,
					"inode %d: checksum mismatch in block %d", ino, blocknr)
			}
		}
		copy(buf[read:read+chunk],
			pmem.BlockSlice(sb.Dev, blocknr)[inPage:inPage+chunk])
		read += chunk
	}
	atomic.AddUint64(&sb.Stats.ReadBytes, read)
	util.DPrintf(5, "Read: ino %d [%d, %d)", ino, off, off+read)
	return read, nil
}

// MapRegion registers a writable memory mapping of numPages pages at
// pgoff and returns its region id. Readers stop verifying checksums
// under the region until UnmapRegion.
func (e *Engine) MapRegion(ino common.Inum, pgoff uint64, numPages uint64) (uint64, error) {
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, err
	}
	r, err := sb.Vmas.Insert(ip, pgoff, numPages, sb.Epoch())
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// UnmapRegion drops a writable mapping by region id.
func (e *Engine) UnmapRegion(ino common.Inum, id uint64) error {
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return err
	}
	return sb.Vmas.Remove(ip, id)
}
