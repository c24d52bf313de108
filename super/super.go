// Package super lays out the device and assembles the engine: the
// superblock codec, mkfs, and mount-time recovery that rebuilds the
// volatile allocator bitmap and every inode's page index from its log.
package super

import (
	"sync/atomic"

	"github.com/tchajed/marshal"

	"github.com/towander/nova/alloc"
	"github.com/towander/nova/common"
	"github.com/towander/nova/csum"
	"github.com/towander/nova/fserr"
	"github.com/towander/nova/ilog"
	"github.com/towander/nova/inode"
	"github.com/towander/nova/lockmap"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/shardmap"
	"github.com/towander/nova/util"
	"github.com/towander/nova/vma"
)

const Magic uint64 = 0x4E4F5641

const (
	sbSize uint64 = 96

	flagCsum   uint64 = 1 << 0
	flagParity uint64 = 1 << 1
)

// Options are the write-path policies of a mounted engine. Csum and
// parity are fixed at mkfs (they size device regions); in-place data
// updates are a mount-time choice.
type Options struct {
	InplaceDataUpdates bool
	DataCsum           bool
	DataParity         bool
}

// Stats are engine-wide counters, updated with atomics.
type Stats struct {
	ReadBytes           uint64
	CowWrittenBytes     uint64
	InplaceWrittenBytes uint64
	WriteBreaks         uint64
}

// Snapshot returns a consistent-enough copy for reporting.
func (s *Stats) Snapshot() Stats {
	return Stats{
		ReadBytes:           atomic.LoadUint64(&s.ReadBytes),
		CowWrittenBytes:     atomic.LoadUint64(&s.CowWrittenBytes),
		InplaceWrittenBytes: atomic.LoadUint64(&s.InplaceWrittenBytes),
		WriteBreaks:         atomic.LoadUint64(&s.WriteBreaks),
	}
}

// Super is a mounted engine instance.
type Super struct {
	Dev  pmem.Device
	Opts Options

	NumBlocks uint64
	NumInodes uint64

	inodeTabStart common.Bnum // block number
	DataStart     common.Bnum
	DataLen       uint64

	Alloc  *alloc.Alloc
	Csum   *csum.Engine
	Log    *ilog.Log
	Vmas   *vma.Registry
	Inodes *shardmap.InodeMap
	Locks  *lockmap.LockMap

	Stats Stats

	epoch uint64 // atomic
}

func (sb *Super) encode() []byte {
	enc := marshal.NewEnc(sbSize)
	enc.PutInt(Magic)
	enc.PutInt(sb.NumBlocks)
	enc.PutInt(sb.NumInodes)
	enc.PutInt(sb.inodeTabStart)
	enc.PutInt(sb.csumStartBlock())
	enc.PutInt(sb.parityStartBlock())
	enc.PutInt(sb.DataStart)
	enc.PutInt(sb.DataLen)
	enc.PutInt(atomic.LoadUint64(&sb.epoch))
	var flags uint64
	if sb.Opts.DataCsum {
		flags |= flagCsum
	}
	if sb.Opts.DataParity {
		flags |= flagParity
	}
	enc.PutInt(flags)
	return enc.Finish()
}

// writeSuper persists the superblock durably.
func (sb *Super) writeSuper() {
	copy(sb.Dev.Slice(0, sbSize), sb.encode())
	sb.Dev.Flush(0, sbSize)
	sb.Dev.Barrier()
}

// layout computes the device regions for a given geometry. The csum
// and parity regions are indexed by absolute block number, so they are
// sized over the whole device even though only data blocks use them.
type layout struct {
	inodeTabStart  common.Bnum
	inodeTabBlocks uint64
	csumStart      common.Bnum
	csumBlocks     uint64
	parityStart    common.Bnum
	parityBlocks   uint64
	dataStart      common.Bnum
	dataLen        uint64
}

func mkLayout(numBlocks uint64, numInodes uint64, withCsum bool, withParity bool) (layout, error) {
	var l layout
	l.inodeTabStart = 1
	l.inodeTabBlocks = util.RoundUp(numInodes*common.INODESZ, common.BlockSize)
	l.csumStart = l.inodeTabStart + l.inodeTabBlocks
	if withCsum {
		l.csumBlocks = util.RoundUp(numBlocks*csum.CsumBytesPerBlock, common.BlockSize)
	}
	l.parityStart = l.csumStart + l.csumBlocks
	if withParity {
		l.parityBlocks = util.RoundUp(numBlocks*csum.StripeSize, common.BlockSize)
	}
	l.dataStart = l.parityStart + l.parityBlocks
	if l.dataStart >= numBlocks {
		return l, fserr.Errorf(fserr.EINVAL,
			"device of %d blocks too small for metadata (%d blocks)",
			numBlocks, l.dataStart)
	}
	l.dataLen = numBlocks - l.dataStart
	return l, nil
}

func (sb *Super) csumStartBlock() common.Bnum {
	l, _ := mkLayout(sb.NumBlocks, sb.NumInodes, sb.Opts.DataCsum, sb.Opts.DataParity)
	return l.csumStart
}

func (sb *Super) parityStartBlock() common.Bnum {
	l, _ := mkLayout(sb.NumBlocks, sb.NumInodes, sb.Opts.DataCsum, sb.Opts.DataParity)
	return l.parityStart
}

func assemble(dev pmem.Device, opts Options, numInodes uint64, l layout, epoch common.Epoch) *Super {
	sb := &Super{
		Dev:           dev,
		Opts:          opts,
		NumBlocks:     dev.Size() / common.BlockSize,
		NumInodes:     numInodes,
		inodeTabStart: l.inodeTabStart,
		DataStart:     l.dataStart,
		DataLen:       l.dataLen,
		epoch:         epoch,
	}
	sb.Alloc = alloc.MkAlloc(dev, l.dataStart, l.dataLen)
	sb.Csum = csum.MkEngine(dev,
		l.csumStart*common.BlockSize, l.parityStart*common.BlockSize,
		opts.DataCsum, opts.DataParity)
	sb.Log = ilog.MkLog(dev, sb.Alloc)
	sb.Vmas = vma.MkRegistry(sb.Log, sb.Csum.Enabled())
	sb.Inodes = shardmap.MkInodeMap()
	sb.Locks = lockmap.MkLockMap()
	return sb
}

// Mkfs initializes dev: superblock, zeroed inode table, empty data
// area, and the root file. Csum/parity regions are carved out only when
// the options ask for them.
func Mkfs(dev pmem.Device, opts Options, numInodes uint64) (*Super, error) {
	numBlocks := dev.Size() / common.BlockSize
	if numInodes == 0 {
		return nil, fserr.New(fserr.EINVAL)
	}
	l, err := mkLayout(numBlocks, numInodes, opts.DataCsum, opts.DataParity)
	if err != nil {
		return nil, err
	}
	sb := assemble(dev, opts, numInodes, l, 1)

	pmem.ZeroRange(dev, l.inodeTabStart*common.BlockSize,
		l.inodeTabBlocks*common.BlockSize)
	sb.writeSuper()
	util.DPrintf(1, "Mkfs: %d blocks, %d inodes, data [%d, %d)",
		numBlocks, numInodes, l.dataStart, l.dataStart+l.dataLen)

	if _, err := sb.CreateFile(common.ROOTINUM); err != nil {
		return nil, err
	}
	return sb, nil
}

// Open mounts an existing device: decode the superblock, then recover
// every used inode, rebuilding the allocator bitmap and the page
// indexes from the committed portion of each log. Entries past a
// committed tail are garbage and are not scanned.
func Open(dev pmem.Device, opts Options) (*Super, error) {
	dec := marshal.NewDec(dev.Slice(0, sbSize))
	if dec.GetInt() != Magic {
		return nil, fserr.Errorf(fserr.EINVAL, "bad superblock magic")
	}
	numBlocks := dec.GetInt()
	numInodes := dec.GetInt()
	inodeTabStart := dec.GetInt()
	csumStart := dec.GetInt()
	parityStart := dec.GetInt()
	dataStart := dec.GetInt()
	dataLen := dec.GetInt()
	epoch := dec.GetInt()
	flags := dec.GetInt()

	if numBlocks != dev.Size()/common.BlockSize {
		return nil, fserr.Errorf(fserr.EINVAL,
			"superblock says %d blocks, device has %d",
			numBlocks, dev.Size()/common.BlockSize)
	}
	opts.DataCsum = flags&flagCsum != 0
	opts.DataParity = flags&flagParity != 0

	l := layout{
		inodeTabStart: inodeTabStart,
		csumStart:     csumStart,
		parityStart:   parityStart,
		dataStart:     dataStart,
		dataLen:       dataLen,
	}
	sb := assemble(dev, opts, numInodes, l, epoch)

	for ino := common.ROOTINUM; uint64(ino) < numInodes; ino++ {
		rec := inode.DecodeInode(dev, sb.inodeOff(ino))
		if rec.Ino == common.NULLINUM {
			continue
		}
		if err := sb.recoverInode(rec); err != nil {
			return nil, err
		}
		sb.Inodes.LookupOrLoad(rec.Ino, func() *inode.Inode { return rec })
	}
	util.DPrintf(1, "Open: mounted, epoch %d, %d free blocks",
		epoch, sb.Alloc.FreeCount())
	return sb, nil
}

// recoverInode reclaims the inode's storage in the allocator and
// rebuilds its page index. First pass claims the log pages and every
// committed extent's blocks; second pass replays reassignment, which
// returns the blocks of fully shadowed current-epoch extents. The
// persisted invalid counts are reset first so the replayed increments
// can't double-count what a pre-crash pass already recorded.
func (sb *Super) recoverInode(ip *inode.Inode) error {
	for page := ip.LogHead; page != common.NULLPTR; page = sb.Log.NextLogPage(page) {
		sb.Alloc.MarkAllocated(page/common.BlockSize, 1)
	}

	curr := ip.LogHead
	for curr != common.NULLPTR && curr != ip.LogTail {
		if ilog.IsLastEntry(curr) {
			curr = sb.Log.NextLogPage(curr)
		}
		if curr == common.NULLPTR {
			return fserr.Errorf(fserr.EINVAL,
				"inode %d log is nil before tail", ip.Ino)
		}
		we := inode.DecodeEntry(sb.Dev, curr)
		if we.Type == inode.FileWrite {
			sb.Alloc.MarkAllocated(we.Block, we.NumPages)
			we.Reassigned = 0
			we.InvalidPages = 0
			// a crash during an in-place sub-block write can leave the
			// flag set; the torn range is the application's loss, but
			// readers must not skip verification forever
			we.Updating = 0
			we.WriteBack(sb.Dev)
			if err := ip.AssignEntry(sb.Dev, sb.Alloc, we, sb.Epoch()); err != nil {
				return err
			}
		}
		curr += common.ENTRYSZ
	}
	util.DPrintf(2, "recoverInode: ino %d size %d, %d mapped pages",
		ip.Ino, ip.Size, ip.MappedPages())
	return nil
}

func (sb *Super) inodeOff(ino common.Inum) uint64 {
	return sb.inodeTabStart*common.BlockSize + uint64(ino)*common.INODESZ
}

// Epoch returns the current write generation.
func (sb *Super) Epoch() common.Epoch {
	return atomic.LoadUint64(&sb.epoch)
}

// CreateSnapshot advances the write generation and persists it. Extents
// written before the call keep their old epoch, so subsequent in-place
// eligible writes copy them instead of overwriting, and reassignment
// stops reclaiming their blocks.
func (sb *Super) CreateSnapshot() common.Epoch {
	e := atomic.AddUint64(&sb.epoch, 1)
	sb.writeSuper()
	util.DPrintf(1, "CreateSnapshot: epoch %d", e)
	return e
}

// GetInode returns the loaded header for ino, reading the record from
// the inode table on first use. ENOENT for unused records, EINVAL for
// numbers outside the table.
func (sb *Super) GetInode(ino common.Inum) (*inode.Inode, error) {
	if ino == common.NULLINUM || uint64(ino) >= sb.NumInodes {
		return nil, fserr.Errorf(fserr.EINVAL, "inode %d out of range", ino)
	}
	var missing bool
	ip := sb.Inodes.LookupOrLoad(ino, func() *inode.Inode {
		rec := inode.DecodeInode(sb.Dev, sb.inodeOff(ino))
		if rec.Ino == common.NULLINUM {
			missing = true
		}
		return rec
	})
	if missing {
		sb.Inodes.Delete(ino)
		return nil, fserr.Errorf(fserr.ENOENT, "inode %d not allocated", ino)
	}
	return ip, nil
}

// CreateFile initializes the record for ino as an empty file. EEXIST
// when the record is already in use.
func (sb *Super) CreateFile(ino common.Inum) (*inode.Inode, error) {
	if ino == common.NULLINUM || uint64(ino) >= sb.NumInodes {
		return nil, fserr.Errorf(fserr.EINVAL, "inode %d out of range", ino)
	}
	sb.Locks.Acquire(uint64(ino))
	defer sb.Locks.Release(uint64(ino))

	rec := inode.DecodeInode(sb.Dev, sb.inodeOff(ino))
	if rec.Ino != common.NULLINUM {
		return nil, fserr.Errorf(fserr.EEXIST, "inode %d in use", ino)
	}
	ip := inode.MkInode(ino, sb.inodeOff(ino))
	ip.WriteBack(sb.Dev)
	sb.Dev.Barrier()
	util.DPrintf(2, "CreateFile: ino %d", ino)
	return sb.Inodes.LookupOrLoad(ino, func() *inode.Inode { return ip }), nil
}
