package inode

import (
	"github.com/tchajed/marshal"

	"github.com/towander/nova/common"
	"github.com/towander/nova/pmem"
)

// Entry types.
const (
	FileWrite uint64 = 1
	MmapWrite uint64 = 2
)

// WriteEntry is the decoded view of one on-media log record mapping a
// logical page range to a physical block range. Entries are immutable
// once appended except for Size, Epoch, Mtime and the Updating flag
// (mutated by in-place writes) and Reassigned/InvalidPages (mutated by
// the reassignment pass). All mutation goes through the methods below
// so the media copy stays in sync.
type WriteEntry struct {
	Type         uint64
	Reassigned   uint64
	Updating     uint64
	NumPages     uint64
	InvalidPages uint64
	Block        common.Bnum // first physical block
	Pgoff        uint64      // first logical page
	Size         uint64      // file size observed at append
	Epoch        common.Epoch
	Mtime        uint64

	// Ptr is the entry's own log position; not serialized.
	Ptr common.LogPtr
}

func (we *WriteEntry) encode() []byte {
	enc := marshal.NewEnc(common.ENTRYSZ)
	enc.PutInt(we.Type | we.Reassigned<<8 | we.Updating<<16)
	enc.PutInt(we.NumPages)
	enc.PutInt(we.InvalidPages)
	enc.PutInt(we.Block)
	enc.PutInt(we.Pgoff)
	enc.PutInt(we.Size)
	enc.PutInt(we.Epoch)
	enc.PutInt(we.Mtime)
	return enc.Finish()
}

// WriteBack serializes the entry to its log position and flushes it.
func (we *WriteEntry) WriteBack(dev pmem.Device) {
	copy(dev.Slice(we.Ptr, common.ENTRYSZ), we.encode())
	dev.Flush(we.Ptr, common.ENTRYSZ)
}

// DecodeEntry reads the entry stored at ptr.
func DecodeEntry(dev pmem.Device, ptr common.LogPtr) *WriteEntry {
	dec := marshal.NewDec(dev.Slice(ptr, common.ENTRYSZ))
	w0 := dec.GetInt()
	we := &WriteEntry{
		Type:         w0 & 0xff,
		Reassigned:   (w0 >> 8) & 0xff,
		Updating:     (w0 >> 16) & 0xff,
		NumPages:     dec.GetInt(),
		InvalidPages: dec.GetInt(),
		Block:        dec.GetInt(),
		Pgoff:        dec.GetInt(),
		Size:         dec.GetInt(),
		Epoch:        dec.GetInt(),
		Mtime:        dec.GetInt(),
		Ptr:          ptr,
	}
	return we
}

// Covers reports whether the entry maps the given logical page.
func (we *WriteEntry) Covers(pgoff uint64) bool {
	return pgoff >= we.Pgoff && pgoff-we.Pgoff < we.NumPages
}

// BlockFor translates a covered logical page to its physical block.
func (we *WriteEntry) BlockFor(pgoff uint64) common.Bnum {
	return we.Block + (pgoff - we.Pgoff)
}

// SetUpdating flips the in-flight sub-block write flag; readers that
// see it skip checksum verification for the entry's pages.
func (we *WriteEntry) SetUpdating(dev pmem.Device, updating bool) {
	if updating {
		we.Updating = 1
	} else {
		we.Updating = 0
	}
	we.WriteBack(dev)
}

// InplaceUpdate refreshes the mutable fields of an existing entry
// without appending a new one, clearing Updating last so readers
// resume verification only after the entry is consistent again.
func (we *WriteEntry) InplaceUpdate(dev pmem.Device, size uint64, epoch common.Epoch, mtime uint64) {
	we.Size = size
	we.Epoch = epoch
	we.Mtime = mtime
	we.Updating = 0
	we.WriteBack(dev)
	dev.Barrier()
}
