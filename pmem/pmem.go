// Package pmem provides byte-addressable persistent memory to the rest
// of the engine: a flat arena of blocks that callers slice into
// directly, plus explicit flush and barrier primitives.
//
// Three backends exist: an in-memory arena (tests), a file mapped with
// mmap (DAX-style direct access), and an arena cached in front of a
// block device with write-back on flush (pmem emulation when no DAX
// device is available).
package pmem

import (
	"github.com/towander/nova/common"
	"github.com/towander/nova/util"
)

// Device is a directly mapped persistent-memory arena.
//
// Slice is pure address translation and never fails; callers are
// expected to stay inside the device (out-of-range access panics, the
// same way a stray pmem pointer would fault).
//
// Stores into a slice are not durable until the covering Flush and a
// Barrier have both completed. Barrier orders all earlier flushes
// before any later store; it is the only ordering primitive the engine
// uses.
type Device interface {
	Slice(off uint64, n uint64) []byte
	Flush(off uint64, n uint64)
	Barrier()
	Size() uint64
	Close() error
}

// BlockSlice translates a block number to its mapped bytes.
func BlockSlice(d Device, blocknr common.Bnum) []byte {
	return d.Slice(blocknr*common.BlockSize, common.BlockSize)
}

// ZeroRange clears and flushes a byte range.
func ZeroRange(d Device, off uint64, n uint64) {
	b := d.Slice(off, n)
	for i := range b {
		b[i] = 0
	}
	d.Flush(off, n)
}

type memDevice struct {
	data []byte
}

// NewMemDevice returns a volatile arena of numBlocks blocks. Flush and
// Barrier are no-ops; it exists for tests and for running the engine
// without persistence.
func NewMemDevice(numBlocks uint64) Device {
	util.DPrintf(1, "pmem: mem device, %d blocks", numBlocks)
	return &memDevice{
		data: make([]byte, numBlocks*common.BlockSize),
	}
}

func (d *memDevice) Slice(off uint64, n uint64) []byte {
	return d.data[off : off+n : off+n]
}

func (d *memDevice) Flush(off uint64, n uint64) {
}

func (d *memDevice) Barrier() {
}

func (d *memDevice) Size() uint64 {
	return uint64(len(d.data))
}

func (d *memDevice) Close() error {
	return nil
}
