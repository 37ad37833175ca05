package blkfs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
	"github.com/blkfs/blkfs/super"
)

// Whence selects the base position for Seek.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Open opens the regular file at path for reading and writing, with
// the position at the beginning. Directories cannot be opened.
func (fs *FileSystem) Open(path string) (int, error) {
	if err := fs.mounted(); err != nil {
		return -1, err
	}
	defer fs.record(opOpen, time.Now())
	r, err := fs.resolve(path)
	if err != nil {
		return -1, err
	}
	if r.leaf == "" {
		return -1, fmt.Errorf("%w: cannot open %q", ErrInvalid, path)
	}
	i := r.dir.Lookup(r.leaf)
	if i < 0 {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	ent := r.dir.Ents[i]
	if ent.Type == dir.Directory {
		return -1, fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	fd, ok := fs.fdmap.FirstFree()
	if !ok {
		return -1, fmt.Errorf("%w: no free descriptors", ErrNoSpace)
	}
	fs.fdmap.Set(fd)
	fs.fds[fd] = fdesc{inum: ent.Inum, pos: 0}
	util.DPrintf(1, "open: %s -> fd %d (inode %d)\n", path, fd, ent.Inum)
	return fd, nil
}

// Close releases a descriptor. Closing a descriptor twice fails.
func (fs *FileSystem) Close(fd int) error {
	if err := fs.mounted(); err != nil {
		return err
	}
	defer fs.record(opClose, time.Now())
	if err := fs.checkFd(fd); err != nil {
		return err
	}
	fs.fdmap.Reset(fd)
	fs.fds[fd] = fdesc{}
	return nil
}

// Seek moves a descriptor's position. The result is clamped to
// [0, fileSize] and returned.
func (fs *FileSystem) Seek(fd int, offset int64, whence Whence) (int64, error) {
	if err := fs.mounted(); err != nil {
		return -1, err
	}
	defer fs.record(opSeek, time.Now())
	if err := fs.checkFd(fd); err != nil {
		return -1, err
	}
	ip, err := inode.Get(fs.st, fs.fds[fd].inum)
	if err != nil {
		return -1, err
	}
	size := int64(ip.Size)

	var pos int64
	switch whence {
	case SeekSet:
		pos = offset
	case SeekCur:
		pos = fs.fds[fd].pos + offset
	case SeekEnd:
		pos = size + offset
	default:
		return -1, fmt.Errorf("%w: whence %d", ErrInvalid, whence)
	}
	if pos < 0 {
		pos = 0
	}
	if pos > size {
		pos = size
	}
	fs.fds[fd].pos = pos
	return pos, nil
}

// Read copies up to len(dst) bytes from the descriptor's position and
// advances it by the bytes actually read. Reading past the end
// returns the bytes up to the end.
func (fs *FileSystem) Read(fd int, dst []byte) (int, error) {
	if err := fs.mounted(); err != nil {
		return -1, err
	}
	defer fs.record(opRead, time.Now())
	if err := fs.checkFd(fd); err != nil {
		return -1, err
	}
	if dst == nil {
		return -1, fmt.Errorf("%w: nil buffer", ErrInvalid)
	}
	ip, err := inode.Get(fs.st, fs.fds[fd].inum)
	if err != nil {
		return -1, err
	}
	n, err := ip.ReadAt(fs.st, fs.fds[fd].pos, dst)
	if err != nil {
		return -1, err
	}
	fs.fds[fd].pos += int64(n)
	ip.Atime = time.Now().Unix()
	if err := ip.Put(fs.st); err != nil {
		return -1, err
	}
	return n, nil
}

// Write copies src at the descriptor's position, extending the file
// when the write runs past the end, and advances the position by the
// bytes written. A short count with a nil error means the store (or
// the file's addressable range) ran out mid-write.
func (fs *FileSystem) Write(fd int, src []byte) (int, error) {
	if err := fs.mounted(); err != nil {
		return -1, err
	}
	defer fs.record(opWrite, time.Now())
	if err := fs.checkFd(fd); err != nil {
		return -1, err
	}
	if src == nil {
		return -1, fmt.Errorf("%w: nil buffer", ErrInvalid)
	}
	ip, err := inode.Get(fs.st, fs.fds[fd].inum)
	if err != nil {
		return -1, err
	}
	n, err := ip.WriteAt(fs.st, fs.fds[fd].pos, src)
	if err != nil {
		return -1, err
	}
	fs.fds[fd].pos += int64(n)
	return n, nil
}

func (fs *FileSystem) checkFd(fd int) error {
	if fd < 0 || fd >= NumDescriptors {
		return fmt.Errorf("%w: fd %d out of range", ErrInvalid, fd)
	}
	if !fs.fdmap.Test(fd) {
		return fmt.Errorf("%w: fd %d not open", ErrInvalid, fd)
	}
	return nil
}

// closeAllFor drops every descriptor referring to inum; remove uses
// it so stale descriptors cannot touch recycled blocks.
func (fs *FileSystem) closeAllFor(inum super.Inum) {
	for fd := 0; fd < NumDescriptors; fd++ {
		if fs.fdmap.Test(fd) && fs.fds[fd].inum == inum {
			fs.fdmap.Reset(fd)
			fs.fds[fd] = fdesc{}
		}
	}
}
