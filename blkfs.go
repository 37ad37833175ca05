// Package blkfs is a small Unix-style filesystem over a fixed 32 MiB
// block-device image: 65,536 blocks of 512 bytes, a super-block in
// block 0, an inode table in blocks 1..32, and the free-block map in
// the trailing 16 blocks. A FileSystem is a mount handle; every
// operation is synchronous and its effects reach the backing file
// before it returns.
package blkfs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/bitmap"
	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/fserr"
	"github.com/blkfs/blkfs/inode"
	"github.com/blkfs/blkfs/store"
	"github.com/blkfs/blkfs/super"
)

// Error kinds returned by the public API; classify with errors.Is.
var (
	ErrInvalid  = fserr.ErrInvalid
	ErrNotFound = fserr.ErrNotFound
	ErrExists   = fserr.ErrExists
	ErrNotDir   = fserr.ErrNotDir
	ErrIsDir    = fserr.ErrIsDir
	ErrNotEmpty = fserr.ErrNotEmpty
	ErrNoSpace  = fserr.ErrNoSpace
	ErrIO       = fserr.ErrIO
	ErrCorrupt  = fserr.ErrCorrupt
	ErrBusy     = fserr.ErrBusy
)

// File types accepted by Create and reported by GetDir.
const (
	Regular   = dir.Regular
	Directory = dir.Directory
)

// NumDescriptors is the size of the per-mount descriptor table.
const NumDescriptors = 256

type fdesc struct {
	inum super.Inum
	pos  int64
}

// FileSystem is a mount handle. It exclusively owns the block store,
// the descriptor table, and the descriptor bitmap. It is not safe for
// concurrent use.
type FileSystem struct {
	st    *store.Store
	sb    *super.Super
	fdmap *bitmap.Bitmap
	fds   [NumDescriptors]fdesc
	stats [numOps]opStat
}

// Format creates a fresh image at path and mounts it: super-block
// with only the root inode in use, a zeroed inode table, and an empty
// root directory.
func Format(path string) (*FileSystem, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalid)
	}
	st, err := store.Create(path)
	if err != nil {
		return nil, err
	}
	if err := format(st); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.Close(); err != nil {
		return nil, err
	}
	return Mount(path)
}

func format(st *store.Store) error {
	// Claim the fixed region: super-block, then the 32 inode-table
	// blocks, zeroed so every inode decodes as free.
	if err := st.Request(super.SuperBlock); err != nil {
		return err
	}
	zero := make([]byte, store.BlockSize)
	for b := 0; b < super.NInodeBlocks; b++ {
		bn := super.InodeStart + store.Bnum(b)
		if err := st.Request(bn); err != nil {
			return err
		}
		if err := st.Write(bn, zero); err != nil {
			return err
		}
	}

	// Root directory: inode 0, one data block holding an empty
	// directory.
	dirBlk, ok := st.Allocate()
	if !ok {
		return fmt.Errorf("%w: no block for root directory", ErrNoSpace)
	}
	root := inode.New(super.RootInum, inode.ModeDir)
	root.Size = dir.TableSize
	root.Direct[0] = dirBlk
	if err := root.Put(st); err != nil {
		return err
	}
	if err := st.Write(dirBlk, (&dir.Dir{}).Encode()); err != nil {
		return err
	}

	sb := super.New()
	sb.Imap.Set(int(super.RootInum))
	sb.FreeBlocks = uint32(st.FreeCount())
	if err := sb.Flush(st); err != nil {
		return err
	}
	util.DPrintf(1, "format: image ready, %d blocks free\n", sb.FreeBlocks)
	return nil
}

// Mount opens an existing image.
func Mount(path string) (*FileSystem, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalid)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	sb, err := super.Load(st)
	if err != nil {
		st.Close()
		return nil, err
	}
	if !sb.InUse(super.RootInum) {
		st.Close()
		return nil, fmt.Errorf("%w: root inode not allocated", ErrCorrupt)
	}
	util.DPrintf(1, "mount: %s\n", path)
	return &FileSystem{
		st:    st,
		sb:    sb,
		fdmap: bitmap.New(NumDescriptors),
	}, nil
}

// Unmount refreshes the cached free counts, flushes everything, and
// releases the handle. The handle is unusable afterwards.
func (fs *FileSystem) Unmount() error {
	if fs == nil || fs.st == nil {
		return fmt.Errorf("%w: not mounted", ErrInvalid)
	}
	defer fs.record(opUnmount, time.Now())
	fs.sb.FreeBlocks = uint32(fs.st.FreeCount())
	if err := fs.sb.Flush(fs.st); err != nil {
		fs.st.Close()
		fs.st = nil
		return err
	}
	err := fs.st.Close()
	fs.st = nil
	fs.fdmap = nil
	fs.sb = nil
	return err
}

func (fs *FileSystem) mounted() error {
	if fs == nil || fs.st == nil {
		return fmt.Errorf("%w: not mounted", ErrInvalid)
	}
	return nil
}
