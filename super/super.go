// Package super defines the fixed on-disk layout: the super-block in
// block 0 (inode free map plus filesystem metadata) and the geometry
// of the inode table in blocks 1..32.
package super

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/marshal"

	"github.com/blkfs/blkfs/bitmap"
	"github.com/blkfs/blkfs/fserr"
	"github.com/blkfs/blkfs/store"
)

const (
	// SuperBlock is where the super-block lives.
	SuperBlock store.Bnum = 0
	// InodeStart is the first block of the inode table.
	InodeStart store.Bnum = 1
	// NInodeBlocks is the length of the inode table in blocks.
	NInodeBlocks = 32
	// InodeSize is the on-disk size of one inode.
	InodeSize = 64
	// InodesPerBlock is how many inodes share one table block.
	InodesPerBlock = store.BlockSize / InodeSize
	// NInodes is the total number of inode slots.
	NInodes = NInodeBlocks * InodesPerBlock

	imapBytes = NInodes / 8
	metaOff   = imapBytes
)

// Inum names an inode slot. Slot 0 is the root directory, so NullInum
// doubles as "no inode" in directory entries.
type Inum uint8

const RootInum Inum = 0
const NullInum Inum = 0

// Super is the in-memory super-block. Imap overlays the first 32
// bytes of the block buffer, so bitmap mutations are already in place
// when the buffer is written back.
type Super struct {
	buf  []byte
	Imap *bitmap.Bitmap

	BlockSize   uint32
	TotalBlocks uint32
	FreeBlocks  uint32
}

// New returns the super-block of a freshly formatted filesystem: no
// inodes in use, metadata stamped with the fixed geometry.
func New() *Super {
	buf := make([]byte, store.BlockSize)
	return &Super{
		buf:         buf,
		Imap:        bitmap.Overlay(NInodes, buf),
		BlockSize:   store.BlockSize,
		TotalBlocks: store.NumBlocks,
		FreeBlocks:  0,
	}
}

// Load reads and decodes block 0.
func Load(st *store.Store) (*Super, error) {
	buf, err := st.ReadBlock(SuperBlock)
	if err != nil {
		return nil, err
	}
	sb := &Super{
		buf:  buf,
		Imap: bitmap.Overlay(NInodes, buf),
	}
	dec := marshal.NewDec(buf[metaOff:])
	sb.BlockSize = dec.GetInt32()
	sb.TotalBlocks = dec.GetInt32()
	sb.FreeBlocks = dec.GetInt32()
	if sb.BlockSize != store.BlockSize {
		return nil, fmt.Errorf("%w: super-block says %d-byte blocks",
			fserr.ErrCorrupt, sb.BlockSize)
	}
	util.DPrintf(2, "super: loaded, %d inodes in use\n", sb.Imap.Popcount())
	return sb, nil
}

// Flush encodes the metadata fields next to the inode map and writes
// block 0 back. The map bits are already in buf via the overlay.
func (sb *Super) Flush(st *store.Store) error {
	enc := marshal.NewEnc(3 * 4)
	enc.PutInt32(sb.BlockSize)
	enc.PutInt32(sb.TotalBlocks)
	enc.PutInt32(sb.FreeBlocks)
	copy(sb.buf[metaOff:], enc.Finish())
	return st.Write(SuperBlock, sb.buf)
}

// AllocInode claims the lowest free inode slot. The second result is
// false when the table is full.
func (sb *Super) AllocInode() (Inum, bool) {
	i, ok := sb.Imap.FirstFree()
	if !ok {
		return NullInum, false
	}
	sb.Imap.Set(i)
	util.DPrintf(5, "super: alloc inode %d\n", i)
	return Inum(i), true
}

// FreeInode releases an inode slot.
func (sb *Super) FreeInode(i Inum) {
	util.DPrintf(5, "super: free inode %d\n", i)
	sb.Imap.Reset(int(i))
}

// InUse reports whether inode slot i is allocated.
func (sb *Super) InUse(i Inum) bool {
	return sb.Imap.Test(int(i))
}

// InodeBlock returns the table block holding inode i.
func InodeBlock(i Inum) store.Bnum {
	return InodeStart + store.Bnum(int(i)/InodesPerBlock)
}

// InodeOffset returns the byte offset of inode i inside its block.
func InodeOffset(i Inum) int {
	return (int(i) % InodesPerBlock) * InodeSize
}
