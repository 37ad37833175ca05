package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/fserr"
	"github.com/blkfs/blkfs/store"
)

// Index blocks hold 256 little-endian u16 block ids.

func slot(blk []byte, i int) store.Bnum {
	return store.Bnum(binary.LittleEndian.Uint16(blk[2*i:]))
}

func setSlot(blk []byte, i int, bn store.Bnum) {
	binary.LittleEndian.PutUint16(blk[2*i:], uint16(bn))
}

// allocZeroed claims a block and clears it, so fresh data blocks never
// leak a previous file's bytes and fresh index blocks decode as
// all-unallocated.
func allocZeroed(st *store.Store) (store.Bnum, error) {
	bn, ok := st.Allocate()
	if !ok {
		return store.NullBnum, fmt.Errorf("%w: no free blocks", fserr.ErrNoSpace)
	}
	if err := st.Write(bn, make([]byte, store.BlockSize)); err != nil {
		st.Release(bn)
		return store.NullBnum, err
	}
	return bn, nil
}

// blockForIndex maps logical block l to a physical block. With
// allocate set, missing data blocks and index blocks are materialized
// (and persisted) on the way down. Without it, NullBnum with a nil
// error reports a hole.
func (ip *Inode) blockForIndex(st *store.Store, l int, allocate bool) (store.Bnum, error) {
	if l < 0 || l >= MaxBlocks {
		panic("inode: logical block out of range")
	}
	if l < IndirectStart {
		bn := ip.Direct[l]
		if bn == store.NullBnum && allocate {
			nbn, err := allocZeroed(st)
			if err != nil {
				return store.NullBnum, err
			}
			ip.Direct[l] = nbn
			bn = nbn
		}
		return bn, nil
	}
	if l < DoubleStart {
		return ip.indirect(st, l-IndirectStart, allocate)
	}
	return ip.doubleIndirect(st, l-DoubleStart, allocate)
}

// indirect resolves entry i of the single-indirect block.
func (ip *Inode) indirect(st *store.Store, i int, allocate bool) (store.Bnum, error) {
	if ip.Ind == store.NullBnum {
		if !allocate {
			return store.NullBnum, nil
		}
		bn, err := allocZeroed(st)
		if err != nil {
			return store.NullBnum, err
		}
		ip.Ind = bn
	}
	blk, err := st.ReadBlock(ip.Ind)
	if err != nil {
		return store.NullBnum, err
	}
	bn := slot(blk, i)
	if bn == store.NullBnum && allocate {
		bn, err = allocZeroed(st)
		if err != nil {
			return store.NullBnum, err
		}
		setSlot(blk, i, bn)
		if err := st.Write(ip.Ind, blk); err != nil {
			return store.NullBnum, err
		}
	}
	return bn, nil
}

// doubleIndirect resolves logical index d of the double-indirect
// tree: entry d/256 of the outer block names an inner index block,
// entry d%256 of that names the data block.
func (ip *Inode) doubleIndirect(st *store.Store, d int, allocate bool) (store.Bnum, error) {
	if ip.Dbl == store.NullBnum {
		if !allocate {
			return store.NullBnum, nil
		}
		bn, err := allocZeroed(st)
		if err != nil {
			return store.NullBnum, err
		}
		ip.Dbl = bn
	}
	outer, err := st.ReadBlock(ip.Dbl)
	if err != nil {
		return store.NullBnum, err
	}
	inner := slot(outer, d/SlotsPerIndirect)
	if inner == store.NullBnum {
		if !allocate {
			return store.NullBnum, nil
		}
		inner, err = allocZeroed(st)
		if err != nil {
			return store.NullBnum, err
		}
		setSlot(outer, d/SlotsPerIndirect, inner)
		if err := st.Write(ip.Dbl, outer); err != nil {
			return store.NullBnum, err
		}
	}
	blk, err := st.ReadBlock(inner)
	if err != nil {
		return store.NullBnum, err
	}
	bn := slot(blk, d%SlotsPerIndirect)
	if bn == store.NullBnum && allocate {
		bn, err = allocZeroed(st)
		if err != nil {
			return store.NullBnum, err
		}
		setSlot(blk, d%SlotsPerIndirect, bn)
		if err := st.Write(inner, blk); err != nil {
			return store.NullBnum, err
		}
	}
	return bn, nil
}

// ReadAt copies up to len(dst) bytes starting at byte offset off into
// dst and returns the count. Reads clamp at the file size and stop
// early at an unmaterialized block.
func (ip *Inode) ReadAt(st *store.Store, off int64, dst []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fserr.ErrInvalid)
	}
	size := int64(ip.Size)
	if off >= size || len(dst) == 0 {
		return 0, nil
	}
	n := int64(len(dst))
	if n > size-off {
		n = size - off
	}
	util.DPrintf(5, "inode: read # %d off %d cnt %d\n", ip.Inum, off, n)

	var copied int64
	for copied < n {
		pos := off + copied
		bn, err := ip.blockForIndex(st, int(pos/store.BlockSize), false)
		if err != nil {
			return int(copied), err
		}
		if bn == store.NullBnum {
			// Hole: the size was extended past blocks that were
			// never written.
			break
		}
		blk, err := st.ReadBlock(bn)
		if err != nil {
			return int(copied), err
		}
		boff := pos % store.BlockSize
		c := util.Min(uint64(store.BlockSize-boff), uint64(n-copied))
		copy(dst[copied:], blk[boff:boff+int64(c)])
		copied += int64(c)
	}
	return int(copied), nil
}

// WriteAt copies src into the file starting at byte offset off,
// materializing data and index blocks as needed. Running out of
// space, or hitting the addressable ceiling, returns a short count
// with a nil error. The inode (size, mtime, pointers) is persisted
// before returning.
func (ip *Inode) WriteAt(st *store.Store, off int64, src []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fserr.ErrInvalid)
	}
	util.DPrintf(5, "inode: write # %d off %d cnt %d\n", ip.Inum, off, len(src))

	var written int64
	n := int64(len(src))
	for written < n {
		pos := off + written
		l := pos / store.BlockSize
		if l >= MaxBlocks {
			break
		}
		bn, err := ip.blockForIndex(st, int(l), true)
		if err != nil {
			if errors.Is(err, fserr.ErrNoSpace) {
				break
			}
			ip.commit(st, off, written)
			return int(written), err
		}
		boff := pos % store.BlockSize
		c := int64(util.Min(uint64(store.BlockSize-boff), uint64(n-written)))
		if boff == 0 && c == store.BlockSize {
			err = st.Write(bn, src[written:written+c])
		} else {
			var blk []byte
			blk, err = st.ReadBlock(bn)
			if err == nil {
				copy(blk[boff:], src[written:written+c])
				err = st.Write(bn, blk)
			}
		}
		if err != nil {
			ip.commit(st, off, written)
			return int(written), err
		}
		written += c
	}
	if err := ip.commit(st, off, written); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// commit folds a finished (possibly short) write into the inode and
// persists it. Writing inside the file overwrites, so the size only
// grows when the write ran past the old end.
func (ip *Inode) commit(st *store.Store, off, written int64) error {
	if end := off + written; end > int64(ip.Size) {
		ip.Size = uint32(end)
	}
	now := time.Now().Unix()
	ip.Mtime = now
	ip.Ctime = now
	return ip.Put(st)
}

// Truncate releases every data block and index block the inode
// references, in the same order remove walks them: direct pointers,
// the single-indirect tier, then the double-indirect tree from the
// leaves up. The pointer fields and size are zeroed in memory; the
// caller decides what to persist.
func (ip *Inode) Truncate(st *store.Store) error {
	for i, bn := range ip.Direct {
		if bn != store.NullBnum {
			if err := st.Release(bn); err != nil {
				return err
			}
			ip.Direct[i] = store.NullBnum
		}
	}
	if ip.Ind != store.NullBnum {
		if err := releaseIndex(st, ip.Ind); err != nil {
			return err
		}
		ip.Ind = store.NullBnum
	}
	if ip.Dbl != store.NullBnum {
		outer, err := st.ReadBlock(ip.Dbl)
		if err != nil {
			return err
		}
		for i := 0; i < SlotsPerIndirect; i++ {
			inner := slot(outer, i)
			if inner == store.NullBnum {
				continue
			}
			if err := releaseIndex(st, inner); err != nil {
				return err
			}
		}
		if err := st.Release(ip.Dbl); err != nil {
			return err
		}
		ip.Dbl = store.NullBnum
	}
	ip.Size = 0
	return nil
}

// releaseIndex frees every block an index block points at, then the
// index block itself.
func releaseIndex(st *store.Store, bn store.Bnum) error {
	blk, err := st.ReadBlock(bn)
	if err != nil {
		return err
	}
	for i := 0; i < SlotsPerIndirect; i++ {
		if data := slot(blk, i); data != store.NullBnum {
			if err := st.Release(data); err != nil {
				return err
			}
		}
	}
	return st.Release(bn)
}
