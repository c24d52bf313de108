package vma

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/ilog"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/pmem"
)

func mkTestRegistry(protected bool) (*Registry, *ilog.Log, *inode.Inode) {
	dev := pmem.NewMemDevice(64)
	l := ilog.MkLog(dev, alloc.MkAlloc(dev, 8, 56))
	ip := inode.MkInode(1, common.INODESZ)
	return MkRegistry(l, protected), l, ip
}

func TestInsertFind(t *testing.T) {
	assert := assert.New(t)
	reg, _, ip := mkTestRegistry(false)

	assert.False(reg.FindPage(ip, 0))

	r, err := reg.Insert(ip, 2, 3, 1)
	assert.Nil(err)
	assert.Equal(uint64(1), ip.NumVmas)

	assert.False(reg.FindPage(ip, 1))
	assert.True(reg.FindPage(ip, 2))
	assert.True(reg.FindPage(ip, 4))
	assert.False(reg.FindPage(ip, 5))

	assert.Len(reg.Inodes(), 1)

	assert.Nil(reg.Remove(ip, r.ID))
	assert.Equal(uint64(0), ip.NumVmas)
	assert.False(reg.FindPage(ip, 2))
	assert.Len(reg.Inodes(), 0)
}

func TestOverlappingRegions(t *testing.T) {
	assert := assert.New(t)
	reg, _, ip := mkTestRegistry(false)

	r1, err := reg.Insert(ip, 0, 4, 1)
	assert.Nil(err)
	r2, err := reg.Insert(ip, 2, 4, 1)
	assert.Nil(err)
	assert.NotEqual(r1.ID, r2.ID)

	assert.Nil(reg.Remove(ip, r1.ID))
	assert.True(reg.FindPage(ip, 3), "still inside the second region")
	assert.False(reg.FindPage(ip, 1))
	assert.Len(reg.Inodes(), 1)
}

func TestRemoveErrors(t *testing.T) {
	assert := assert.New(t)
	reg, _, ip := mkTestRegistry(false)

	assert.True(fserr.Is(reg.Remove(ip, 1), fserr.ENOENT))
	r, err := reg.Insert(ip, 0, 1, 1)
	assert.Nil(err)
	assert.True(fserr.Is(reg.Remove(ip, r.ID+100), fserr.ENOENT))
	assert.Nil(reg.Remove(ip, r.ID))

	_, err = reg.Insert(ip, 0, 0, 1)
	assert.True(fserr.Is(err, fserr.EINVAL))
}

func TestProtectedInsertLogsMarker(t *testing.T) {
	assert := assert.New(t)
	reg, l, ip := mkTestRegistry(true)

	_, err := reg.Insert(ip, 5, 2, 3)
	assert.Nil(err)

	assert.NotEqual(common.NULLPTR, ip.LogHead, "marker starts the log")
	assert.Equal(ip.LogHead+common.ENTRYSZ, ip.LogTail,
		"marker is committed")
	we := inode.DecodeEntry(l.Dev, ip.LogHead)
	assert.Equal(inode.MmapWrite, we.Type)
	assert.Equal(uint64(5), we.Pgoff)
	assert.Equal(uint64(2), we.NumPages)
	assert.Equal(common.Epoch(3), we.Epoch)
}

func TestUnprotectedInsertSkipsLog(t *testing.T) {
	assert := assert.New(t)
	reg, _, ip := mkTestRegistry(false)

	_, err := reg.Insert(ip, 0, 1, 1)
	assert.Nil(err)
	assert.Equal(common.NULLPTR, ip.LogHead)
}
