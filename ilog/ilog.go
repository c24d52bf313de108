// Package ilog implements the per-inode extent log: an append-only
// chain of log pages holding fixed-size write entries.
//
// The log has no journal. Appended entries stay invisible until Commit
// stores the inode's tail pointer, which happens once per write call
// after a durability barrier; a crash at any earlier point leaves the
// entries as unreachable garbage, never as corruption. After commit,
// the reassignment pass re-links the page index so the newest entries
// shadow any they overlap.
package ilog

import (
	"github.com/hashicorp/go-multierror"
	"github.com/tchajed/marshal"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/util"
)

// Update accumulates the log state of one in-flight write call: the
// tail the call will commit, its mirror, and the position of the entry
// appended most recently. It lives on the writer's stack; failure paths
// hand it to CleanupIncomplete and never patch the log itself.
type Update struct {
	Tail      common.LogPtr
	AlterTail common.LogPtr
	CurrEntry common.LogPtr
}

// MkUpdate starts an update from the inode's committed tails.
func MkUpdate(sih *inode.Inode) *Update {
	return &Update{
		Tail:      sih.LogTail,
		AlterTail: sih.AlterTail,
	}
}

// Log appends to and walks per-inode extent logs. Log pages are
// ordinary device blocks obtained from the allocator.
type Log struct {
	Dev   pmem.Device
	Alloc *alloc.Alloc
}

func MkLog(dev pmem.Device, a *alloc.Alloc) *Log {
	return &Log{Dev: dev, Alloc: a}
}

// IsLastEntry reports whether the slot at p would cross into the page
// tail, i.e. the next entry lives on the next log page.
func IsLastEntry(p common.LogPtr) bool {
	return p%common.BlockSize+common.ENTRYSZ > common.LOGTAILOFF
}

// NextLogPage follows the next-page pointer of the page containing p.
// Returns NULLPTR at the end of the chain.
func (l *Log) NextLogPage(p common.LogPtr) common.LogPtr {
	pageStart := p &^ (common.BlockSize - 1)
	dec := marshal.NewDec(l.Dev.Slice(pageStart+common.LOGTAILOFF, 8))
	return dec.GetInt()
}

func (l *Log) setNextLogPage(pageStart common.LogPtr, next common.LogPtr) {
	enc := marshal.NewEnc(8)
	enc.PutInt(next)
	copy(l.Dev.Slice(pageStart+common.LOGTAILOFF, 8), enc.Finish())
	l.Dev.Flush(pageStart+common.LOGTAILOFF, 8)
}

// extendLog allocates and zeroes a fresh log page and links it after
// prevPage (or starts the chain when prevPage is nil).
func (l *Log) extendLog(sih *inode.Inode, prevPage common.LogPtr) (common.LogPtr, error) {
	blocknr, n, err := l.Alloc.AllocBlocks(common.NULLBNUM, 1, true)
	if err != nil {
		return common.NULLPTR, err
	}
	if n != 1 {
		panic("extendLog: allocator returned short single-block run")
	}
	page := blocknr * common.BlockSize
	if prevPage != common.NULLPTR {
		l.setNextLogPage(prevPage, page)
	}
	util.DPrintf(5, "extendLog: ino %d new log page @ %d", sih.Ino, page)
	return page, nil
}

// AppendEntry writes the entry at the update's tail, extending the log
// chain when the current page is full. The entry is durably written but
// not yet visible; visibility comes from Commit. Fails with ENOSPC when
// the log cannot be extended.
//
// A nil tail with a non-nil LogHead means a previous call extended the
// chain but failed before committing; its pages are still allocated and
// linked, so the append restarts over them instead of growing the log.
//
// Assumes caller holds the inode lock exclusively.
func (l *Log) AppendEntry(sih *inode.Inode, we *inode.WriteEntry, u *Update) error {
	tail := u.Tail
	if tail == common.NULLPTR {
		if sih.LogHead != common.NULLPTR {
			tail = sih.LogHead
		} else {
			page, err := l.extendLog(sih, common.NULLPTR)
			if err != nil {
				return err
			}
			sih.LogHead = page
			tail = page
		}
	} else if IsLastEntry(tail) {
		next := l.NextLogPage(tail)
		if next == common.NULLPTR {
			page, err := l.extendLog(sih, tail&^(common.BlockSize-1))
			if err != nil {
				return err
			}
			next = page
		}
		tail = next
	}

	we.Ptr = tail
	we.WriteBack(l.Dev)
	u.CurrEntry = tail
	u.Tail = tail + common.ENTRYSZ
	u.AlterTail = u.Tail
	util.DPrintf(5, "AppendEntry: ino %d entry @ %d pgoff %d pages %d",
		sih.Ino, tail, we.Pgoff, we.NumPages)
	return nil
}

// Commit makes every entry appended under u visible: a barrier orders
// the data and entry flushes, then the inode record is stored with the
// new tails. This is the sole atomic commit point of a write call.
//
// Assumes caller holds the inode lock exclusively.
func (l *Log) Commit(sih *inode.Inode, u *Update) {
	l.Dev.Barrier()
	sih.UpdateMetadata(l.Dev, u.Tail, u.AlterTail)
}

// Reassign walks the committed entries from beginTail to the inode's
// tail and re-links the page index so each one wins the pages it
// covers. Entries of other types (mmap markers) are skipped. Hitting a
// nil page pointer before the tail is a structural invariant violation
// and reported as EINVAL, not a crash.
//
// Assumes caller holds the inode lock exclusively.
func (l *Log) Reassign(sih *inode.Inode, beginTail common.LogPtr, curEpoch common.Epoch) error {
	curr := beginTail
	for curr != common.NULLPTR && curr != sih.LogTail {
		if IsLastEntry(curr) {
			curr = l.NextLogPage(curr)
		}
		if curr == common.NULLPTR {
			util.DPrintf(1, "Reassign: ino %d log chain is nil", sih.Ino)
			return fserr.Errorf(fserr.EINVAL,
				"inode %d log is nil before tail", sih.Ino)
		}
		we := inode.DecodeEntry(l.Dev, curr)
		if we.Type != inode.FileWrite {
			util.DPrintf(5, "Reassign: skip entry type %d @ %d", we.Type, curr)
			curr += common.ENTRYSZ
			continue
		}
		if err := sih.AssignEntry(l.Dev, l.Alloc, we, curEpoch); err != nil {
			return err
		}
		curr += common.ENTRYSZ
	}
	return nil
}

// CleanupIncomplete undoes the storage side of a failed write call:
// the blocks of the final failed allocation round (blocknr/allocated)
// and the blocks referenced by every entry appended before the failure
// ([begin, end), both nil when the call never appended). The log itself
// is never patched; the un-committed entries stay as garbage. Free
// failures are collected rather than aborting the sweep, so nothing
// leaks silently.
//
// Assumes caller holds the inode lock exclusively.
func (l *Log) CleanupIncomplete(sih *inode.Inode, blocknr common.Bnum, allocated uint64, begin common.LogPtr, end common.LogPtr) error {
	var result *multierror.Error

	if blocknr != common.NULLBNUM && allocated > 0 {
		if err := l.Alloc.FreeBlocks(blocknr, allocated); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if begin == common.NULLPTR || end == common.NULLPTR {
		return result.ErrorOrNil()
	}

	curr := begin
	for curr != end {
		if IsLastEntry(curr) {
			curr = l.NextLogPage(curr)
		}
		if curr == common.NULLPTR {
			result = multierror.Append(result, fserr.Errorf(fserr.EINVAL,
				"inode %d log is nil during cleanup", sih.Ino))
			break
		}
		if curr == end {
			break
		}
		we := inode.DecodeEntry(l.Dev, curr)
		if we.Type != inode.FileWrite {
			curr += common.ENTRYSZ
			continue
		}
		util.DPrintf(5, "CleanupIncomplete: ino %d free %d blocks @ %d",
			sih.Ino, we.NumPages, we.Block)
		if err := l.Alloc.FreeBlocks(we.Block, we.NumPages); err != nil {
			result = multierror.Append(result, err)
		}
		curr += common.ENTRYSZ
	}
	return result.ErrorOrNil()
}
