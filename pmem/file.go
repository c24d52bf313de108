package pmem

import (
	"golang.org/x/sys/unix"

	"github.com/towander/nova/common"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/util"
)

type fileDevice struct {
	fd   int
	data []byte
}

// OpenFileDevice maps path as a shared writable arena of numBlocks
// blocks, growing the file if needed. Flush issues an asynchronous
// msync for the covering pages; Barrier waits for all of them.
func OpenFileDevice(path string, numBlocks uint64) (Device, error) {
	size := numBlocks * common.BlockSize
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fserr.Wrap(fserr.EIO, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fserr.Wrap(fserr.EIO, err)
	}
	if uint64(stat.Size) < size {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fserr.Wrap(fserr.EIO, err)
		}
	}
	data, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fserr.Wrap(fserr.EIO, err)
	}
	util.DPrintf(1, "pmem: mapped %s, %d blocks", path, numBlocks)
	return &fileDevice{fd: fd, data: data}, nil
}

func (d *fileDevice) Slice(off uint64, n uint64) []byte {
	return d.data[off : off+n : off+n]
}

func (d *fileDevice) Flush(off uint64, n uint64) {
	// msync wants page-aligned ranges
	begin := off &^ (common.BlockSize - 1)
	end := util.RoundUp(off+n, common.BlockSize) * common.BlockSize
	if end > uint64(len(d.data)) {
		end = uint64(len(d.data))
	}
	_ = unix.Msync(d.data[begin:end], unix.MS_ASYNC)
}

func (d *fileDevice) Barrier() {
	_ = unix.Msync(d.data, unix.MS_SYNC)
}

func (d *fileDevice) Size() uint64 {
	return uint64(len(d.data))
}

func (d *fileDevice) Close() error {
	if err := unix.Munmap(d.data); err != nil {
		return fserr.Wrap(fserr.EIO, err)
	}
	d.data = nil
	return unix.Close(d.fd)
}
