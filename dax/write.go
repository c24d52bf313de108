package dax

import (
	"sync/atomic"
	"time"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/ilog"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/util"
)

// Write stores count bytes from buf at off, choosing the in-place path
// when the engine is configured for it or the file has writable
// mappings, and copy-on-write otherwise. It returns the bytes written,
// which is short of count only when buf has fewer than count bytes; in
// that case everything that landed is still committed.
func (e *Engine) Write(ino common.Inum, buf []byte, count uint64, off uint64) (uint64, error) {
	if count == 0 {
		return 0, nil
	}
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, err
	}
	inplace := sb.Opts.InplaceDataUpdates || ip.NumVmas > 0
	return e.doWrite(ip, buf, count, off, inplace)
}

// CowWrite forces the copy-on-write path. Files with writable mappings
// cannot take it (the mapped blocks must keep their identity) and get
// EACCES.
func (e *Engine) CowWrite(ino common.Inum, buf []byte, count uint64, off uint64) (uint64, error) {
	if count == 0 {
		return 0, nil
	}
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, err
	}
	if ip.NumVmas > 0 {
		return 0, fserr.Errorf(fserr.EACCES,
			"inode %d has writable mappings", ino)
	}
	return e.doWrite(ip, buf, count, off, false)
}

// InplaceWrite forces the in-place path regardless of engine options.
func (e *Engine) InplaceWrite(ino common.Inum, buf []byte, count uint64, off uint64) (uint64, error) {
	if count == 0 {
		return 0, nil
	}
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, err
	}
	return e.doWrite(ip, buf, count, off, true)
}

// Append writes at the current end of file, returning the offset the
// data landed at along with the bytes written. The offset is read
// under the same exclusive lock the write holds, so concurrent
// appenders never interleave into the same range.
func (e *Engine) Append(ino common.Inum, buf []byte, count uint64) (uint64, uint64, error) {
	sb := e.sb
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	ip, err := sb.GetInode(ino)
	if err != nil {
		return 0, 0, err
	}
	off := ip.Size
	inplace := sb.Opts.InplaceDataUpdates || ip.NumVmas > 0
	n, err := e.doWrite(ip, buf, count, off, inplace)
	return off, n, err
}

// doWrite is the shared write loop. Each iteration handles one run:
// an in-place overwrite of an existing current-epoch extent, or a
// fresh allocation (plain copy-on-write, a hole fill, or a copy of an
// older epoch's extent that a snapshot still owns). New runs get their
// partial head/tail fragments merged and their protection codes
// recomputed before the log entry is appended. One commit at the end
// publishes every appended entry at once; any failure before it frees
// what the call allocated and leaves the committed state untouched.
//
// Assumes caller holds the inode lock exclusively.
func (e *Engine) doWrite(ip *inode.Inode, buf []byte, count uint64, off uint64, inplace bool) (uint64, error) {
	sb := e.sb
	if count == 0 {
		return 0, nil
	}
	if util.SumOverflows(off, count) {
		return 0, fserr.Errorf(fserr.EINVAL, "write range overflows")
	}

	epoch := sb.Epoch()
	mtime := uint64(time.Now().Unix())
	u := ilog.MkUpdate(ip)
	beginTail := common.NULLPTR

	written := uint64(0)
	newBlocks := uint64(0)
	cowBytes := uint64(0)
	inplaceBytes := uint64(0)
	runs := 0
	hint := common.NULLBNUM

	// storage charged to the call but not yet owned by an appended
	// entry; the failure path must return it
	failBlock := common.NULLBNUM
	failCount := uint64(0)

	fail := func(err error) (uint64, error) {
		cerr := sb.Log.CleanupIncomplete(ip, failBlock, failCount, beginTail, u.Tail)
		if cerr != nil {
			util.DPrintf(1, "doWrite: ino %d cleanup: %v", ip.Ino, cerr)
		}
		return 0, err
	}

	for written < count {
		avail := uint64(0)
		if uint64(len(buf)) > written {
			avail = uint64(len(buf)) - written
		}
		if avail == 0 {
			if written == 0 {
				return 0, fserr.Errorf(fserr.EFAULT, "source buffer exhausted")
			}
			break
		}

		pos := off + written
		startPage := pos >> common.PageShift
		offset := pos & (common.BlockSize - 1)
		remaining := count - written
		pagesNeeded := util.RoundUp(offset+remaining, common.BlockSize)

		var we *inode.WriteEntry
		if inplace {
			we = ip.FindEntry(startPage)
			if we != nil && we.Epoch != epoch {
				// the extent predates the current epoch; a snapshot may
				// still reach it, so this run copies instead
				we = nil
			}
		}

		var blocknr common.Bnum
		var pages uint64
		inplaceRun := we != nil
		if inplaceRun {
			pages = util.Min(pagesNeeded, we.NumPages-(startPage-we.Pgoff))
			blocknr = we.BlockFor(startPage)
		} else {
			allocPages := pagesNeeded
			if inplace {
				// filling a hole: stop where the mapped pages resume
				if next := ip.FindNextEntry(startPage); next != nil &&
					next.Pgoff > startPage {
					allocPages = util.Min(allocPages, next.Pgoff-startPage)
				}
			}
			b, n, err := sb.Alloc.AllocBlocks(hint, allocPages, true)
			if err != nil {
				return fail(err)
			}
			blocknr, pages = b, n
			failBlock, failCount = b, n
			hint = b + n
		}

		runBytes := util.Min(remaining, pages*common.BlockSize-offset)
		copied := util.Min(runBytes, avail)
		newSize := ip.Size
		if pos+copied > newSize {
			newSize = pos + copied
		}

		if inplaceRun {
			if sb.Csum.Enabled() {
				we.SetUpdating(sb.Dev, true)
			}
		} else {
			if err := e.mergeRun(ip, blocknr, startPage, offset, copied); err != nil {
				return fail(err)
			}
		}

		dst := blocknr*common.BlockSize + offset
		copy(sb.Dev.Slice(dst, copied), buf[written:written+copied])
		sb.Dev.Flush(dst, copied)

		touched := util.RoundUp(offset+copied, common.BlockSize)
		e.protectRun(blocknr, touched)

		if inplaceRun {
			we.InplaceUpdate(sb.Dev, newSize, epoch, mtime)
			inplaceBytes += copied
		} else {
			if touched < pages {
				// short source: return the blocks nothing landed in
				if err := sb.Alloc.FreeBlocks(blocknr+touched, pages-touched); err != nil {
					return fail(err)
				}
				pages = touched
				failCount = touched
			}
			entry := &inode.WriteEntry{
				Type:     inode.FileWrite,
				NumPages: pages,
				Block:    blocknr,
				Pgoff:    startPage,
				Size:     newSize,
				Epoch:    epoch,
				Mtime:    mtime,
			}
			if err := sb.Log.AppendEntry(ip, entry, u); err != nil {
				return fail(err)
			}
			if beginTail == common.NULLPTR {
				beginTail = u.CurrEntry
			}
			failBlock, failCount = common.NULLBNUM, 0
			newBlocks += pages
			cowBytes += copied
		}

		written += copied
		runs++
		util.DPrintf(5, "doWrite: ino %d run %d: %d bytes @ %d "+
			"(%d pages @ block %d, inplace %v)",
			ip.Ino, runs, copied, pos, pages, blocknr, inplaceRun)
		if copied < runBytes {
			break
		}
	}

	if off+written > ip.Size {
		ip.Size = off + written
	}
	ip.Mtime = mtime
	ip.Blocks += newBlocks

	appended := u.Tail != ip.LogTail
	sb.Log.Commit(ip, u)
	if appended {
		if err := sb.Log.Reassign(ip, beginTail, epoch); err != nil {
			return written, err
		}
	}

	if runs > 1 {
		atomic.AddUint64(&sb.Stats.WriteBreaks, uint64(runs-1))
	}
	atomic.AddUint64(&sb.Stats.CowWrittenBytes, cowBytes)
	atomic.AddUint64(&sb.Stats.InplaceWrittenBytes, inplaceBytes)
	return written, nil
}
