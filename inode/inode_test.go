package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/pmem"
)

func TestEntryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(4)

	we := &WriteEntry{
		Type:     FileWrite,
		NumPages: 3,
		Block:    17,
		Pgoff:    5,
		Size:     4096*8 + 12,
		Epoch:    2,
		Mtime:    1234,
		Ptr:      common.BlockSize,
	}
	we.WriteBack(dev)

	got := DecodeEntry(dev, we.Ptr)
	assert.Equal(we, got)

	assert.True(got.Covers(5))
	assert.True(got.Covers(7))
	assert.False(got.Covers(8))
	assert.False(got.Covers(4))
	assert.Equal(uint64(19), got.BlockFor(7))
}

func TestEntryFlags(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(4)

	we := &WriteEntry{Type: FileWrite, NumPages: 1, Block: 2, Ptr: 64}
	we.WriteBack(dev)

	we.SetUpdating(dev, true)
	assert.Equal(uint64(1), DecodeEntry(dev, 64).Updating)

	we.InplaceUpdate(dev, 100, 3, 99)
	got := DecodeEntry(dev, 64)
	assert.Equal(uint64(0), got.Updating, "cleared with the update")
	assert.Equal(uint64(100), got.Size)
	assert.Equal(common.Epoch(3), got.Epoch)
	assert.Equal(uint64(99), got.Mtime)
}

func TestInodeRecord(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(4)

	ip := MkInode(7, 2*common.INODESZ)
	ip.Size = 12345
	ip.Blocks = 3
	ip.LogHead = common.BlockSize
	ip.NumVmas = 2
	ip.WriteBack(dev)
	ip.UpdateMetadata(dev, common.BlockSize+128, common.BlockSize+128)

	got := DecodeInode(dev, 2*common.INODESZ)
	assert.Equal(common.Inum(7), got.Ino)
	assert.Equal(uint64(12345), got.Size)
	assert.Equal(common.BlockSize, got.LogHead)
	assert.Equal(common.BlockSize+128, got.LogTail)
	assert.Equal(got.LogTail, got.AlterTail)
	assert.Equal(uint64(0), got.NumVmas,
		"mapping count is process state, not part of the record")
}

func mkIndexFixture() (pmem.Device, *alloc.Alloc, *Inode) {
	dev := pmem.NewMemDevice(64)
	a := alloc.MkAlloc(dev, 8, 56)
	ip := MkInode(1, common.INODESZ)
	return dev, a, ip
}

// appendEntry places an entry at a fake log position and marks its
// blocks allocated, standing in for the real log machinery.
func appendEntry(dev pmem.Device, a *alloc.Alloc, slot uint64, pgoff uint64, pages uint64, epoch common.Epoch) *WriteEntry {
	blocknr, n, err := a.AllocBlocks(common.NULLBNUM, pages, false)
	if err != nil || n != pages {
		panic("fixture allocation failed")
	}
	we := &WriteEntry{
		Type:     FileWrite,
		NumPages: pages,
		Block:    blocknr,
		Pgoff:    pgoff,
		Epoch:    epoch,
		Ptr:      7*common.BlockSize + slot*common.ENTRYSZ,
	}
	we.WriteBack(dev)
	return we
}

func TestIndexAssign(t *testing.T) {
	assert := assert.New(t)
	dev, a, ip := mkIndexFixture()

	we := appendEntry(dev, a, 0, 0, 4, 1)
	assert.Nil(ip.AssignEntry(dev, a, we, 1))
	assert.Equal(uint64(4), ip.MappedPages())

	assert.Equal(we, ip.FindEntry(2))
	assert.Nil(ip.FindEntry(4), "page past the extent is a hole")
	assert.Equal(we, ip.FindNextEntry(0))
	assert.Nil(ip.FindNextEntry(4))
}

func TestIndexReassignFrees(t *testing.T) {
	assert := assert.New(t)
	dev, a, ip := mkIndexFixture()

	old := appendEntry(dev, a, 0, 0, 2, 1)
	assert.Nil(ip.AssignEntry(dev, a, old, 1))
	free := a.FreeCount()

	// shadow one page: old entry survives, nothing freed
	mid := appendEntry(dev, a, 1, 1, 1, 1)
	assert.Nil(ip.AssignEntry(dev, a, mid, 1))
	assert.Equal(free-1, a.FreeCount())
	assert.Equal(uint64(1), DecodeEntry(dev, old.Ptr).Reassigned)
	assert.Equal(uint64(1), DecodeEntry(dev, old.Ptr).InvalidPages)
	assert.Equal(old, ip.FindEntry(0), "unshadowed page keeps the old extent")
	assert.Equal(mid, ip.FindEntry(1))

	// shadow the rest: old entry's blocks come back
	last := appendEntry(dev, a, 2, 0, 1, 1)
	assert.Nil(ip.AssignEntry(dev, a, last, 1))
	assert.Equal(free-2+2, a.FreeCount(), "old extent freed")
	assert.Equal(last, ip.FindEntry(0))
}

func TestIndexEpochGuardsFree(t *testing.T) {
	assert := assert.New(t)
	dev, a, ip := mkIndexFixture()

	old := appendEntry(dev, a, 0, 0, 1, 1)
	assert.Nil(ip.AssignEntry(dev, a, old, 1))
	free := a.FreeCount()

	// fully shadowed under a newer epoch: the snapshot still owns the
	// old block, so it is not reclaimed
	repl := appendEntry(dev, a, 1, 0, 1, 2)
	assert.Nil(ip.AssignEntry(dev, a, repl, 2))
	assert.Equal(free-1, a.FreeCount())
	assert.Equal(repl, ip.FindEntry(0))
	assert.Equal(uint64(1), DecodeEntry(dev, old.Ptr).InvalidPages)
}
