package dax

import (
	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/util"
)

// mergeRun copies the old partial head and tail fragments of a freshly
// allocated run forward, so every new block holds a complete image
// before it is checksummed or made reachable. Runs that start and end
// block-aligned need no merging; unmapped fragments are zeros, which
// the allocator already wrote.
func (e *Engine) mergeRun(ip *inode.Inode, blocknr common.Bnum, startPage uint64, offset uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	if offset != 0 {
		if err := e.mergeFragment(ip, startPage, blocknr, 0, offset); err != nil {
			return err
		}
	}
	end := offset + length
	endInPage := end & (common.BlockSize - 1)
	if endInPage != 0 {
		pages := (end - 1) >> common.PageShift
		err := e.mergeFragment(ip, startPage+pages, blocknr+pages,
			endInPage, common.BlockSize-endInPage)
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeFragment copies bytes [off, off+n) of the old block mapping
// pgoff into the same offsets of newBlock. The old fragment is
// verified first so a latent corruption cannot be laundered into a
// freshly protected block; mapped and mid-update extents are exempt
// because their stored codes are not authoritative. A mismatch is EIO.
func (e *Engine) mergeFragment(ip *inode.Inode, pgoff uint64, newBlock common.Bnum, off uint64, n uint64) error {
	sb := e.sb
	old := ip.FindEntry(pgoff)
	if old == nil {
		return nil
	}
	oldBlock := old.BlockFor(pgoff)
	if sb.Csum.CsumEnabled() && old.Updating == 0 &&
		!sb.Vmas.FindPage(ip, pgoff) {
		if !sb.Csum.VerifyRange(oldBlock, off, n) {
			return fserr.Errorf(fserr.EIO,
				"inode %d: bad checksum merging block %d", ip.Ino, oldBlock)
		}
	}
	copy(sb.Dev.Slice(newBlock*common.BlockSize+off, n),
		sb.Dev.Slice(oldBlock*common.BlockSize+off, n))
	sb.Dev.Flush(newBlock*common.BlockSize+off, n)
	util.DPrintf(10, "mergeFragment: ino %d page %d [%d, %d) %d -> %d",
		ip.Ino, pgoff, off, off+n, oldBlock, newBlock)
	return nil
}

// protectRun recomputes stripe checksums and parity over the complete
// images of count blocks starting at blocknr. The caller must have
// merged partial fragments in first.
func (e *Engine) protectRun(blocknr common.Bnum, count uint64) {
	if !e.sb.Csum.Enabled() {
		return
	}
	for i := uint64(0); i < count; i++ {
		e.sb.Csum.UpdateBlock(blocknr+i, pmem.BlockSlice(e.sb.Dev, blocknr+i))
	}
}
