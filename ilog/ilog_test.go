package ilog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/pmem"
)

func mkTestLog() (*Log, *inode.Inode) {
	dev := pmem.NewMemDevice(256)
	a := alloc.MkAlloc(dev, 8, 248)
	ip := inode.MkInode(1, common.INODESZ)
	return MkLog(dev, a), ip
}

func mkFileEntry(a *alloc.Alloc, pgoff uint64, pages uint64, epoch common.Epoch) *inode.WriteEntry {
	blocknr, n, err := a.AllocBlocks(common.NULLBNUM, pages, false)
	if err != nil || n != pages {
		panic("fixture allocation failed")
	}
	return &inode.WriteEntry{
		Type:     inode.FileWrite,
		NumPages: pages,
		Block:    blocknr,
		Pgoff:    pgoff,
		Epoch:    epoch,
	}
}

func TestAppendStartsChain(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	assert.Equal(common.NULLPTR, ip.LogHead)
	u := MkUpdate(ip)
	assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, 0, 1, 1), u))
	assert.NotEqual(common.NULLPTR, ip.LogHead)
	assert.Equal(ip.LogHead, u.CurrEntry)
	assert.Equal(ip.LogHead+common.ENTRYSZ, u.Tail)
	assert.Equal(u.Tail, u.AlterTail)
}

func TestCommitPublishes(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	u := MkUpdate(ip)
	we := mkFileEntry(l.Alloc, 0, 2, 1)
	assert.Nil(l.AppendEntry(ip, we, u))

	// appended but not committed: the inode still shows the old tail
	assert.Equal(common.NULLPTR, ip.LogTail)
	assert.Equal(uint64(0), ip.MappedPages())

	l.Commit(ip, u)
	assert.Equal(u.Tail, ip.LogTail)

	rec := inode.DecodeInode(l.Dev, common.INODESZ)
	assert.Equal(u.Tail, rec.LogTail, "tail is persistent")

	assert.Nil(l.Reassign(ip, u.CurrEntry, 1))
	assert.Equal(uint64(2), ip.MappedPages())
	assert.Equal(we.Block, ip.FindEntry(0).Block)
}

func TestLogPageChain(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	entriesPerPage := common.LOGTAILOFF / common.ENTRYSZ
	u := MkUpdate(ip)
	begin := common.NULLPTR
	for i := uint64(0); i < entriesPerPage+3; i++ {
		assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, i, 1, 1), u))
		if begin == common.NULLPTR {
			begin = u.CurrEntry
		}
	}
	l.Commit(ip, u)

	next := l.NextLogPage(ip.LogHead)
	assert.NotEqual(common.NULLPTR, next, "chain grew a second page")
	assert.Equal(next+3*common.ENTRYSZ, ip.LogTail)

	assert.Nil(l.Reassign(ip, begin, 1))
	assert.Equal(entriesPerPage+3, ip.MappedPages())
}

func TestReassignSkipsMarkers(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	u := MkUpdate(ip)
	marker := &inode.WriteEntry{Type: inode.MmapWrite, Pgoff: 0, NumPages: 4}
	assert.Nil(l.AppendEntry(ip, marker, u))
	begin := u.CurrEntry
	assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, 0, 1, 1), u))
	l.Commit(ip, u)

	assert.Nil(l.Reassign(ip, begin, 1))
	assert.Equal(uint64(1), ip.MappedPages(), "marker maps nothing")
}

func TestReassignNilChain(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	// a tail with no log behind it must surface as an error, not a panic
	ip.LogTail = 99 * common.BlockSize
	err := l.Reassign(ip, 42*common.BlockSize+common.LOGTAILOFF-common.ENTRYSZ, 1)
	assert.Error(err)
}

func TestAppendReusesAbandonedHead(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()

	// a call that appends but fails before committing
	u := MkUpdate(ip)
	assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, 0, 1, 1), u))
	assert.Nil(l.CleanupIncomplete(ip, common.NULLBNUM, 0, u.CurrEntry, u.Tail))
	head := ip.LogHead
	assert.NotEqual(common.NULLPTR, head)
	free := l.Alloc.FreeCount()

	// the next call restarts over the already-linked page
	u2 := MkUpdate(ip)
	we := mkFileEntry(l.Alloc, 0, 1, 1)
	assert.Nil(l.AppendEntry(ip, we, u2))
	assert.Equal(head, ip.LogHead, "head page kept")
	assert.Equal(head, u2.CurrEntry, "entry lands at the start of it")
	assert.Equal(free-1, l.Alloc.FreeCount(),
		"only the entry's block was allocated")

	l.Commit(ip, u2)
	assert.Equal(head+common.ENTRYSZ, ip.LogTail)
	assert.Nil(l.Reassign(ip, u2.CurrEntry, 1))
	assert.Equal(we.Block, ip.FindEntry(0).Block)
}

func TestCleanupIncomplete(t *testing.T) {
	assert := assert.New(t)
	l, ip := mkTestLog()
	free := l.Alloc.FreeCount()

	u := MkUpdate(ip)
	assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, 0, 2, 1), u))
	begin := u.CurrEntry
	assert.Nil(l.AppendEntry(ip, mkFileEntry(l.Alloc, 2, 3, 1), u))

	// a third allocation that never made it into an entry
	blocknr, n, err := l.Alloc.AllocBlocks(common.NULLBNUM, 2, false)
	assert.Nil(err)
	assert.Equal(uint64(2), n)

	assert.Nil(l.CleanupIncomplete(ip, blocknr, n, begin, u.Tail))
	assert.Equal(free-1, l.Alloc.FreeCount(),
		"only the log page stays allocated")
	assert.Equal(common.NULLPTR, ip.LogTail, "nothing was committed")
}
