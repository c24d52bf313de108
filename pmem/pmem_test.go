package pmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tchajed/goose/machine/disk"

	"github.com/towander/nova/common"
)

func TestMemDeviceSlicing(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDevice(4)
	assert.Equal(4*common.BlockSize, d.Size())

	b := BlockSlice(d, 2)
	b[0] = 0xfe
	assert.Equal(byte(0xfe), d.Slice(2*common.BlockSize, 1)[0],
		"slices alias the arena")

	ZeroRange(d, 2*common.BlockSize, common.BlockSize)
	assert.Equal(byte(0), b[0])
	assert.Nil(d.Close())
}

func TestBlockDeviceWriteBack(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	bd := NewBlockDevice(d)

	copy(bd.Slice(3*common.BlockSize, 4), []byte("nova"))
	bd.Flush(3*common.BlockSize, 4)
	assert.NotEqual(byte('n'), d.Read(3)[0],
		"store not on the disk before a barrier")

	bd.Barrier()
	assert.Equal([]byte("nova"), []byte(d.Read(3)[:4]))

	// the arena survives reopening from the same disk
	bd2 := NewBlockDevice(d)
	assert.Equal([]byte("nova"), bd2.Slice(3*common.BlockSize, 4))
}

func TestFileDevice(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "pmem.img")

	d, err := OpenFileDevice(path, 4)
	assert.Nil(err)
	copy(d.Slice(common.BlockSize, 5), []byte("hello"))
	d.Flush(common.BlockSize, 5)
	d.Barrier()
	assert.Nil(d.Close())

	d2, err := OpenFileDevice(path, 4)
	assert.Nil(err)
	assert.Equal([]byte("hello"), d2.Slice(common.BlockSize, 5))
	assert.Nil(d2.Close())

	st, err := os.Stat(path)
	assert.Nil(err)
	assert.Equal(int64(4*common.BlockSize), st.Size())
}
