// Package store manages the pool of 512-byte blocks behind the
// filesystem. The last 16 blocks of the device hold the free-block
// bitmap, one bit per block; those 16 bits are set when the image is
// created and never cleared.
package store

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/bitmap"
	"github.com/blkfs/blkfs/disk"
	"github.com/blkfs/blkfs/fserr"
)

const (
	// BlockSize re-exports the device block size.
	BlockSize = disk.BlockSize
	// NumBlocks is the total block count.
	NumBlocks = disk.NumBlocks
	// NumAvail is the number of blocks outside the bitmap's own 16;
	// block ids at or above NumAvail can never be allocated or
	// released.
	NumAvail = NumBlocks - MapBlocks
	// MapBlocks is the number of trailing blocks the free map uses.
	MapBlocks = NumBlocks / 8 / BlockSize

	blockBits = BlockSize * 8
)

// Bnum names a block on the device. NullBnum doubles as "no block":
// block 0 holds the super-block and never appears as a data pointer.
type Bnum uint16

const NullBnum Bnum = 0

// Store is a block pool over a Disk plus the free-block bitmap. Map
// mutations rewrite the affected trailing block before returning, so
// the on-disk map never lags by more than the call in progress.
type Store struct {
	d   *disk.Disk
	fbm *bitmap.Bitmap
	// mapbuf backs fbm; slices of it are what get written to the
	// trailing blocks.
	mapbuf []byte
}

func newStore(d *disk.Disk) *Store {
	buf := make([]byte, MapBlocks*BlockSize)
	return &Store{
		d:      d,
		fbm:    bitmap.Overlay(NumBlocks, buf),
		mapbuf: buf,
	}
}

// Create builds a fresh image at path. Only the map's own 16 bits are
// set; every other block starts free.
func Create(path string) (*Store, error) {
	d, err := disk.Create(path)
	if err != nil {
		return nil, err
	}
	st := newStore(d)
	for bn := NumAvail; bn < NumBlocks; bn++ {
		st.fbm.Set(bn)
	}
	if err := st.flushMap(); err != nil {
		d.Close()
		return nil, err
	}
	return st, nil
}

// Open loads an existing image and reconstructs the free map from the
// trailing blocks.
func Open(path string) (*Store, error) {
	d, err := disk.Open(path)
	if err != nil {
		return nil, err
	}
	st := newStore(d)
	for i := 0; i < MapBlocks; i++ {
		blk := st.mapbuf[i*BlockSize : (i+1)*BlockSize]
		if err := d.Read(NumAvail+i, blk); err != nil {
			d.Close()
			return nil, err
		}
	}
	// The map's own blocks must be marked in use in any valid image.
	for bn := NumAvail; bn < NumBlocks; bn++ {
		if !st.fbm.Test(bn) {
			d.Close()
			return nil, fmt.Errorf("%w: free-map block %d not reserved",
				fserr.ErrCorrupt, bn)
		}
	}
	util.DPrintf(2, "store: opened, %d blocks free\n", st.FreeCount())
	return st, nil
}

// flushMapBit rewrites the single map block containing bit bn.
func (st *Store) flushMapBit(bn int) error {
	i := bn / blockBits
	blk := st.mapbuf[i*BlockSize : (i+1)*BlockSize]
	return st.d.Write(NumAvail+i, blk)
}

func (st *Store) flushMap() error {
	for i := 0; i < MapBlocks; i++ {
		blk := st.mapbuf[i*BlockSize : (i+1)*BlockSize]
		if err := st.d.Write(NumAvail+i, blk); err != nil {
			return err
		}
	}
	return nil
}

// Allocate claims the lowest free block and returns its id. The
// second result is false when the pool is exhausted.
func (st *Store) Allocate() (Bnum, bool) {
	bn, ok := st.fbm.FirstFree()
	if !ok {
		return NullBnum, false
	}
	st.fbm.Set(bn)
	if err := st.flushMapBit(bn); err != nil {
		st.fbm.Reset(bn)
		return NullBnum, false
	}
	util.DPrintf(10, "store: alloc block %d\n", bn)
	return Bnum(bn), true
}

// Request claims a specific block id, failing if it is already in use
// or outside the allocatable pool.
func (st *Store) Request(bn Bnum) error {
	if int(bn) >= NumAvail {
		return fmt.Errorf("%w: block %d not allocatable", fserr.ErrInvalid, bn)
	}
	if st.fbm.Test(int(bn)) {
		return fmt.Errorf("%w: block %d in use", fserr.ErrExists, bn)
	}
	st.fbm.Set(int(bn))
	return st.flushMapBit(int(bn))
}

// Release returns block bn to the pool.
func (st *Store) Release(bn Bnum) error {
	if int(bn) >= NumAvail {
		return fmt.Errorf("%w: block %d not releasable", fserr.ErrInvalid, bn)
	}
	util.DPrintf(10, "store: release block %d\n", bn)
	st.fbm.Reset(int(bn))
	return st.flushMapBit(int(bn))
}

// InUse reports whether block bn is marked allocated.
func (st *Store) InUse(bn Bnum) bool {
	return st.fbm.Test(int(bn))
}

// Read copies block bn into dst (exactly BlockSize bytes).
func (st *Store) Read(bn Bnum, dst []byte) error {
	return st.d.Read(int(bn), dst)
}

// ReadBlock reads block bn into a fresh buffer.
func (st *Store) ReadBlock(bn Bnum) ([]byte, error) {
	blk := make([]byte, BlockSize)
	if err := st.d.Read(int(bn), blk); err != nil {
		return nil, err
	}
	return blk, nil
}

// Write copies src (exactly BlockSize bytes) to block bn.
func (st *Store) Write(bn Bnum, src []byte) error {
	return st.d.Write(int(bn), src)
}

// FreeCount returns the number of free blocks.
func (st *Store) FreeCount() int {
	return NumBlocks - st.fbm.Popcount()
}

// Total returns the device size in blocks.
func (st *Store) Total() int {
	return NumBlocks
}

// Sync flushes the free map and issues a device barrier.
func (st *Store) Sync() error {
	if err := st.flushMap(); err != nil {
		return err
	}
	return st.d.Barrier()
}

// Close flushes all in-memory state and releases the device.
func (st *Store) Close() error {
	if err := st.Sync(); err != nil {
		st.d.Close()
		return err
	}
	return st.d.Close()
}
