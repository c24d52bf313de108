package pmem

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/tchajed/goose/machine/disk"

	"github.com/towander/nova/common"
	"github.com/towander/nova/util"
)

// blockDevice emulates persistent memory in front of an ordinary block
// device: the whole device is read into an arena at open, stores land
// in the arena, Flush marks the covering blocks dirty, and Barrier
// writes the dirty blocks back followed by a disk barrier.
type blockDevice struct {
	mu    sync.Mutex // protects dirty
	d     disk.Disk
	data  []byte
	dirty bitmap.Bitmap
}

// NewBlockDevice wraps d as a Device. Durability matches real pmem:
// nothing is stable until a Barrier after the covering Flush.
func NewBlockDevice(d disk.Disk) Device {
	numBlocks := d.Size()
	data := make([]byte, numBlocks*common.BlockSize)
	for i := uint64(0); i < numBlocks; i++ {
		copy(data[i*common.BlockSize:], d.Read(i))
	}
	util.DPrintf(1, "pmem: block device, %d blocks", numBlocks)
	return &blockDevice{
		d:     d,
		data:  data,
		dirty: bitmap.New(int(numBlocks)),
	}
}

func (bd *blockDevice) Slice(off uint64, n uint64) []byte {
	return bd.data[off : off+n : off+n]
}

func (bd *blockDevice) Flush(off uint64, n uint64) {
	if n == 0 {
		return
	}
	first := off / common.BlockSize
	last := (off + n - 1) / common.BlockSize
	bd.mu.Lock()
	for b := first; b <= last; b++ {
		bd.dirty.Set(int(b), true)
	}
	bd.mu.Unlock()
}

func (bd *blockDevice) Barrier() {
	bd.mu.Lock()
	numBlocks := uint64(len(bd.data)) / common.BlockSize
	for b := uint64(0); b < numBlocks; b++ {
		if !bd.dirty.Get(int(b)) {
			continue
		}
		blk := make([]byte, common.BlockSize)
		copy(blk, bd.data[b*common.BlockSize:(b+1)*common.BlockSize])
		bd.d.Write(b, blk)
		bd.dirty.Set(int(b), false)
	}
	bd.mu.Unlock()
	bd.d.Barrier()
}

func (bd *blockDevice) Size() uint64 {
	return uint64(len(bd.data))
}

func (bd *blockDevice) Close() error {
	bd.Barrier()
	return nil
}
