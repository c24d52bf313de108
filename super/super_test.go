package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/pmem"
)

func TestMkfs(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(256)
	sb, err := Mkfs(dev, Options{}, 64)
	require.NoError(t, err)

	assert.Equal(uint64(256), sb.NumBlocks)
	assert.Equal(uint64(64), sb.NumInodes)
	assert.Equal(common.Epoch(1), sb.Epoch())
	assert.Equal(sb.DataLen, sb.Alloc.FreeCount(), "data area starts empty")

	ip, err := sb.GetInode(common.ROOTINUM)
	assert.NoError(err)
	assert.Equal(common.ROOTINUM, ip.Ino)
	assert.Equal(uint64(0), ip.Size)
}

func TestMkfsTooSmall(t *testing.T) {
	dev := pmem.NewMemDevice(4)
	// csum+parity metadata alone outgrows four blocks
	_, err := Mkfs(dev, Options{DataCsum: true, DataParity: true}, 64)
	assert.True(t, fserr.Is(err, fserr.EINVAL))
}

func TestCreateFile(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(256)
	sb, err := Mkfs(dev, Options{}, 64)
	require.NoError(t, err)

	_, err = sb.GetInode(5)
	assert.True(fserr.Is(err, fserr.ENOENT))

	ip, err := sb.CreateFile(5)
	assert.NoError(err)
	assert.Equal(common.Inum(5), ip.Ino)

	_, err = sb.CreateFile(5)
	assert.True(fserr.Is(err, fserr.EEXIST))

	_, err = sb.CreateFile(common.NULLINUM)
	assert.True(fserr.Is(err, fserr.EINVAL))
	_, err = sb.CreateFile(64)
	assert.True(fserr.Is(err, fserr.EINVAL))
	_, err = sb.GetInode(9999)
	assert.True(fserr.Is(err, fserr.EINVAL))

	got, err := sb.GetInode(5)
	assert.NoError(err)
	assert.Same(ip, got, "loaded header is cached")
}

func TestOpenBadMagic(t *testing.T) {
	dev := pmem.NewMemDevice(256)
	_, err := Open(dev, Options{})
	assert.True(t, fserr.Is(err, fserr.EINVAL))
}

func TestReopenKeepsState(t *testing.T) {
	assert := assert.New(t)
	dev := pmem.NewMemDevice(256)
	sb, err := Mkfs(dev, Options{DataCsum: true}, 64)
	require.NoError(t, err)
	_, err = sb.CreateFile(7)
	require.NoError(t, err)
	sb.CreateSnapshot()
	sb.CreateSnapshot()

	sb2, err := Open(dev, Options{})
	require.NoError(t, err)
	assert.Equal(common.Epoch(3), sb2.Epoch(), "epoch is persistent")
	assert.True(sb2.Opts.DataCsum, "protection flags come from the media")
	assert.Equal(sb.DataStart, sb2.DataStart)

	_, err = sb2.GetInode(7)
	assert.NoError(err)
	_, err = sb2.GetInode(8)
	assert.True(fserr.Is(err, fserr.ENOENT))
}

func TestOpenGeometryMismatch(t *testing.T) {
	dev := pmem.NewMemDevice(256)
	_, err := Mkfs(dev, Options{}, 64)
	require.NoError(t, err)

	bigger := pmem.NewMemDevice(512)
	copy(bigger.Slice(0, 256*common.BlockSize), dev.Slice(0, 256*common.BlockSize))
	_, err = Open(bigger, Options{})
	assert.True(t, fserr.Is(err, fserr.EINVAL))
}
