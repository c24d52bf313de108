// Package inode holds the in-memory inode header, its persistent
// record, and the logical-page index that the extent log and the
// read/write paths resolve mappings through.
package inode

import (
	"github.com/NVIDIA/sortedmap"
	"github.com/tchajed/marshal"

	"github.com/towander/nova/common"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/util"
)

// Inode is the in-memory header of one file. The caller serializes
// structural mutation (log tail, size, index) through the engine's
// inode lock table: shared for readers, exclusive for writers.
type Inode struct {
	Ino    common.Inum
	Size   uint64
	Blocks uint64
	Mtime  uint64

	// Log pointers. LogTail is the commit point: entries between it and
	// the physical end of the log are unreachable garbage until a
	// commit stores a new tail. AlterTail mirrors it for the replica
	// metadata scheme.
	LogHead   common.LogPtr
	LogTail   common.LogPtr
	AlterTail common.LogPtr

	// NumVmas counts active writable memory mappings and VmaSet holds
	// them keyed by region id (both maintained by the vma registry
	// under the inode lock). VmaSet stays nil until the first mapping.
	// Mappings die with the process, so neither field is part of the
	// persistent record; a reopened device starts with no mappings.
	NumVmas uint64
	VmaSet  sortedmap.LLRBTree

	recOff uint64 // byte offset of the persistent record
	index  *pageIndex
}

func MkInode(ino common.Inum, recOff uint64) *Inode {
	return &Inode{
		Ino:    ino,
		recOff: recOff,
		index:  mkPageIndex(ino),
	}
}

func (ip *Inode) encode() []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt(uint64(ip.Ino))
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Blocks)
	enc.PutInt(ip.Mtime)
	enc.PutInt(ip.LogHead)
	enc.PutInt(ip.LogTail)
	enc.PutInt(ip.AlterTail)
	return enc.Finish()
}

// UpdateMetadata persists the inode record with the new tail pointers.
// This single record store is the engine's commit point: the caller
// must have flushed all data and log entries the tails cover and issued
// a barrier before calling. A crash before the store leaves the old
// tails intact and the appended entries unreachable.
func (ip *Inode) UpdateMetadata(dev pmem.Device, tail common.LogPtr, alterTail common.LogPtr) {
	ip.LogTail = tail
	ip.AlterTail = alterTail
	ip.WriteBack(dev)
	dev.Barrier()
	util.DPrintf(5, "UpdateMetadata: ino %d tail %d size %d",
		ip.Ino, tail, ip.Size)
}

// WriteBack rewrites the persistent record from the in-memory header
// and flushes it, without a barrier.
func (ip *Inode) WriteBack(dev pmem.Device) {
	copy(dev.Slice(ip.recOff, common.INODESZ), ip.encode())
	dev.Flush(ip.recOff, common.INODESZ)
}

// DecodeInode loads the record stored at recOff.
func DecodeInode(dev pmem.Device, recOff uint64) *Inode {
	dec := marshal.NewDec(dev.Slice(recOff, common.INODESZ))
	ino := common.Inum(dec.GetInt())
	ip := MkInode(ino, recOff)
	ip.Size = dec.GetInt()
	ip.Blocks = dec.GetInt()
	ip.Mtime = dec.GetInt()
	ip.LogHead = dec.GetInt()
	ip.LogTail = dec.GetInt()
	ip.AlterTail = dec.GetInt()
	return ip
}
