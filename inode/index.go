package inode

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/util"
)

// pageIndex is the derived logical page -> write-entry map. It is
// rebuilt only from committed, reassigned entries, so readers holding
// the shared inode lock never observe a half-updated mapping: entries
// appended but not yet committed are simply absent.
type pageIndex struct {
	ino  common.Inum
	tree sortedmap.LLRBTree
}

type pageIndexCallbacks struct{}

func (pageIndexCallbacks) DumpKey(key sortedmap.Key) (string, error) {
	pgoff, ok := key.(uint64)
	if !ok {
		return "", fmt.Errorf("key.(uint64) returned !ok")
	}
	return fmt.Sprintf("%016X", pgoff), nil
}

func (pageIndexCallbacks) DumpValue(value sortedmap.Value) (string, error) {
	we, ok := value.(*WriteEntry)
	if !ok {
		return "", fmt.Errorf("value.(*WriteEntry) returned !ok")
	}
	return fmt.Sprintf("entry@%d[%d+%d)", we.Ptr, we.Pgoff, we.NumPages), nil
}

func mkPageIndex(ino common.Inum) *pageIndex {
	return &pageIndex{
		ino:  ino,
		tree: sortedmap.NewLLRBTree(sortedmap.CompareUint64, pageIndexCallbacks{}),
	}
}

// FindEntry returns the entry covering the logical page, or nil for a
// hole.
//
// Assumes caller holds the inode lock (shared suffices).
func (ip *Inode) FindEntry(pgoff uint64) *WriteEntry {
	value, ok, err := ip.index.tree.GetByKey(pgoff)
	if err != nil {
		panic(fmt.Errorf("inode %d page index: %v", ip.Ino, err))
	}
	if !ok {
		return nil
	}
	return value.(*WriteEntry)
}

// FindNextEntry returns the entry mapping the smallest logical page
// >= pgoff, or nil if no page at or beyond it is mapped. Used to bound
// the size of a hole before allocating into it.
//
// Assumes caller holds the inode lock (shared suffices).
func (ip *Inode) FindNextEntry(pgoff uint64) *WriteEntry {
	idx, found, err := ip.index.tree.BisectLeft(pgoff)
	if err != nil {
		panic(fmt.Errorf("inode %d page index: %v", ip.Ino, err))
	}
	if !found {
		idx++
	}
	_, value, ok, err := ip.index.tree.GetByIndex(idx)
	if err != nil {
		panic(fmt.Errorf("inode %d page index: %v", ip.Ino, err))
	}
	if !ok {
		return nil
	}
	return value.(*WriteEntry)
}

// AssignEntry re-links every page the entry covers so that it wins over
// whatever mapped those pages before. Older entries lose the stolen
// pages: they are marked reassigned, their invalid page count grows,
// and once fully invalidated their physical blocks go back to the
// allocator -- but only when they belong to the current epoch, since an
// older epoch's blocks may still be reachable from a snapshot.
//
// Assumes caller holds the inode lock exclusively.
func (ip *Inode) AssignEntry(dev pmem.Device, a *alloc.Alloc, we *WriteEntry, curEpoch common.Epoch) error {
	tree := ip.index.tree
	for pgoff := we.Pgoff; pgoff < we.Pgoff+we.NumPages; pgoff++ {
		value, ok, err := tree.GetByKey(pgoff)
		if err != nil {
			return fserr.Wrap(fserr.EINVAL, err)
		}
		if ok {
			old := value.(*WriteEntry)
			if old.Ptr == we.Ptr {
				continue
			}
			old.Reassigned = 1
			old.InvalidPages++
			old.WriteBack(dev)
			if old.InvalidPages == old.NumPages && old.Epoch == curEpoch {
				util.DPrintf(5, "AssignEntry: ino %d free %d blocks @ %d",
					ip.Ino, old.NumPages, old.Block)
				if err := a.FreeBlocks(old.Block, old.NumPages); err != nil {
					return err
				}
			}
			patched, err := tree.PatchByKey(pgoff, we)
			if err != nil {
				return fserr.Wrap(fserr.EINVAL, err)
			}
			if !patched {
				return fserr.Errorf(fserr.EINVAL,
					"inode %d: lost page %d during reassignment", ip.Ino, pgoff)
			}
		} else {
			if _, err := tree.Put(pgoff, we); err != nil {
				return fserr.Wrap(fserr.EINVAL, err)
			}
		}
	}
	return nil
}

// MappedPages reports how many logical pages the index currently maps.
func (ip *Inode) MappedPages() uint64 {
	n, err := ip.index.tree.Len()
	if err != nil {
		panic(fmt.Errorf("inode %d page index: %v", ip.Ino, err))
	}
	return uint64(n)
}
