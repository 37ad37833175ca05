// Package inode implements the 64-byte on-disk inode, access to the
// inode table in blocks 1..32, and the file I/O engine over the
// direct/indirect/double-indirect block map.
package inode

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/marshal"

	"github.com/blkfs/blkfs/store"
	"github.com/blkfs/blkfs/super"
)

const (
	// NDirect is the number of direct block pointers.
	NDirect = 6
	// SlotsPerIndirect is the number of u16 block ids in one index
	// block.
	SlotsPerIndirect = store.BlockSize / 2

	// Logical block index ranges of the three tiers: direct covers
	// [0, IndirectStart), the single-indirect block covers
	// [IndirectStart, DoubleStart), the double-indirect tree covers
	// [DoubleStart, MaxBlocks).
	IndirectStart = NDirect
	DoubleStart   = NDirect + SlotsPerIndirect
	MaxBlocks     = DoubleStart + SlotsPerIndirect*SlotsPerIndirect
)

// File modes as stored by the original layout: directories get 1777,
// regular files 0777. Mode is metadata only; file type decisions use
// the directory entry's type tag.
const (
	ModeDir uint32 = 1777
	ModeReg uint32 = 0777
)

// Inode mirrors the on-disk record. Pointer value 0 means
// "unallocated"; block 0 is the super-block and never holds file
// data.
type Inode struct {
	// Inum is in-memory bookkeeping, not part of the record.
	Inum super.Inum

	Size   uint32
	Dev    uint32
	Uid    uint32
	Gid    uint32
	Mode   uint32
	Nlink  uint32
	Ctime  int64
	Mtime  int64
	Atime  int64
	Direct [NDirect]store.Bnum
	Ind    store.Bnum
	Dbl    store.Bnum
}

func (ip *Inode) String() string {
	return fmt.Sprintf("# %d sz %d mode %d blks %v ind %d dbl %d",
		ip.Inum, ip.Size, ip.Mode, ip.Direct, ip.Ind, ip.Dbl)
}

// New returns an inode stamped for creation time.
func New(inum super.Inum, mode uint32) *Inode {
	now := time.Now().Unix()
	return &Inode{
		Inum:  inum,
		Mode:  mode,
		Nlink: 1,
		Ctime: now,
		Mtime: now,
		Atime: now,
	}
}

func (ip *Inode) encode() []byte {
	enc := marshal.NewEnc(super.InodeSize)
	enc.PutInt32(ip.Size)
	enc.PutInt32(ip.Dev)
	enc.PutInt32(ip.Uid)
	enc.PutInt32(ip.Gid)
	enc.PutInt32(ip.Mode)
	enc.PutInt32(ip.Nlink)
	enc.PutInt(uint64(ip.Ctime))
	enc.PutInt(uint64(ip.Mtime))
	enc.PutInt(uint64(ip.Atime))
	ptrs := make([]byte, 16)
	for i, bn := range ip.Direct {
		binary.LittleEndian.PutUint16(ptrs[2*i:], uint16(bn))
	}
	binary.LittleEndian.PutUint16(ptrs[12:], uint16(ip.Ind))
	binary.LittleEndian.PutUint16(ptrs[14:], uint16(ip.Dbl))
	enc.PutBytes(ptrs)
	return enc.Finish()
}

func decode(b []byte, inum super.Inum) *Inode {
	ip := &Inode{Inum: inum}
	dec := marshal.NewDec(b)
	ip.Size = dec.GetInt32()
	ip.Dev = dec.GetInt32()
	ip.Uid = dec.GetInt32()
	ip.Gid = dec.GetInt32()
	ip.Mode = dec.GetInt32()
	ip.Nlink = dec.GetInt32()
	ip.Ctime = int64(dec.GetInt())
	ip.Mtime = int64(dec.GetInt())
	ip.Atime = int64(dec.GetInt())
	ptrs := dec.GetBytes(16)
	for i := range ip.Direct {
		ip.Direct[i] = store.Bnum(binary.LittleEndian.Uint16(ptrs[2*i:]))
	}
	ip.Ind = store.Bnum(binary.LittleEndian.Uint16(ptrs[12:]))
	ip.Dbl = store.Bnum(binary.LittleEndian.Uint16(ptrs[14:]))
	return ip
}

// Get reads inode inum from the table.
func Get(st *store.Store, inum super.Inum) (*Inode, error) {
	blk, err := st.ReadBlock(super.InodeBlock(inum))
	if err != nil {
		return nil, err
	}
	off := super.InodeOffset(inum)
	return decode(blk[off:off+super.InodeSize], inum), nil
}

// Put writes the inode back. Inodes share table blocks, so this is a
// read-modify-write of the whole containing block.
func (ip *Inode) Put(st *store.Store) error {
	bn := super.InodeBlock(ip.Inum)
	blk, err := st.ReadBlock(bn)
	if err != nil {
		return err
	}
	copy(blk[super.InodeOffset(ip.Inum):], ip.encode())
	util.DPrintf(5, "inode: put %v\n", ip)
	return st.Write(bn, blk)
}
