// Package disk is the backing device: a single host file holding a
// fixed geometry of 65,536 blocks of 512 bytes. All I/O is whole
// 512-byte blocks at block-aligned offsets.
package disk

import (
	"fmt"
	"os"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sys/unix"

	"github.com/blkfs/blkfs/fserr"
)

const (
	// BlockSize is the unit of all device I/O, in bytes.
	BlockSize = 512
	// NumBlocks is the total number of blocks on the device.
	NumBlocks = 65536
	// ImageBytes is the exact size of a valid backing image.
	ImageBytes = NumBlocks * BlockSize
)

// Disk is a file-backed block device. The backing file is held under
// an exclusive flock for the lifetime of the Disk, so a second open
// of the same image fails rather than racing the first.
type Disk struct {
	f    *os.File
	path string
}

// Create makes a new zero-filled image at path and opens it.
func Create(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", fserr.ErrIO, path, err)
	}
	if err := f.Truncate(ImageBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", fserr.ErrIO, path, err)
	}
	if err := lock(f); err != nil {
		f.Close()
		return nil, err
	}
	util.DPrintf(1, "disk: created image %s\n", path)
	return &Disk{f: f, path: path}, nil
}

// Open opens an existing image. The file size must be exactly
// ImageBytes.
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", fserr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", fserr.ErrIO, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", fserr.ErrIO, path, err)
	}
	if fi.Size() != ImageBytes {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d",
			fserr.ErrCorrupt, path, fi.Size(), ImageBytes)
	}
	if err := lock(f); err != nil {
		f.Close()
		return nil, err
	}
	util.DPrintf(1, "disk: opened image %s\n", path)
	return &Disk{f: f, path: path}, nil
}

func lock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("%w: %s", fserr.ErrBusy, f.Name())
	}
	return nil
}

func (d *Disk) bounds(bn int, buf []byte) error {
	if bn < 0 || bn >= NumBlocks {
		return fmt.Errorf("%w: block %d out of range", fserr.ErrInvalid, bn)
	}
	if len(buf) != BlockSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d",
			fserr.ErrInvalid, len(buf), BlockSize)
	}
	return nil
}

// Read copies block bn into dst. dst must be exactly BlockSize bytes.
func (d *Disk) Read(bn int, dst []byte) error {
	if err := d.bounds(bn, dst); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(dst, int64(bn)*BlockSize); err != nil {
		return fmt.Errorf("%w: read block %d: %v", fserr.ErrIO, bn, err)
	}
	return nil
}

// Write copies src to block bn. src must be exactly BlockSize bytes.
func (d *Disk) Write(bn int, src []byte) error {
	if err := d.bounds(bn, src); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(src, int64(bn)*BlockSize); err != nil {
		return fmt.Errorf("%w: write block %d: %v", fserr.ErrIO, bn, err)
	}
	return nil
}

// Barrier flushes buffered writes to stable storage.
func (d *Disk) Barrier() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", fserr.ErrIO, err)
	}
	return nil
}

// Size returns the device size in blocks.
func (d *Disk) Size() int {
	return NumBlocks
}

// Close releases the lock and the backing file.
func (d *Disk) Close() error {
	if err := unix.Flock(int(d.f.Fd()), unix.LOCK_UN); err != nil {
		d.f.Close()
		return fmt.Errorf("%w: unlock %s: %v", fserr.ErrIO, d.path, err)
	}
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", fserr.ErrIO, d.path, err)
	}
	return nil
}
