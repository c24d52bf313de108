package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	// BlockSize is both the device block size and the file page size;
	// the engine never splits the two apart.
	BlockSize uint64 = disk.BlockSize
	PageShift uint64 = 12

	INODESZ uint64 = 128 // on-media size
	ENTRYSZ uint64 = 64  // on-media write-entry size

	// Entries pack into the first LOGTAILOFF bytes of a log page; the
	// rest of the page is the page tail (next-page pointer).
	LOGTAILOFF uint64 = BlockSize - ENTRYSZ
)

type Inum uint64
type Bnum = uint64

// Epoch is the write generation id. A write sharing an epoch with an
// existing extent may overwrite it in place.
type Epoch = uint64

// LogPtr is a byte offset into the persistent-memory device. 0 is nil.
type LogPtr = uint64

const (
	NULLINUM Inum   = 0
	ROOTINUM Inum   = 1
	NULLBNUM Bnum   = 0
	NULLPTR  LogPtr = 0
)
