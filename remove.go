package blkfs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
)

// Remove deletes the file or directory at path. A directory must be
// empty. Open descriptors to the removed file are closed.
func (fs *FileSystem) Remove(path string) error {
	if err := fs.mounted(); err != nil {
		return err
	}
	defer fs.record(opRemove, time.Now())
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if r.leaf == "" {
		return fmt.Errorf("%w: cannot remove %q", ErrInvalid, path)
	}
	i := r.dir.Lookup(r.leaf)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	ent := r.dir.Ents[i]
	ip, err := inode.Get(fs.st, ent.Inum)
	if err != nil {
		return err
	}

	if ent.Type == dir.Directory {
		d, bn, err := fs.readDir(ip)
		if err != nil {
			return err
		}
		if !d.Empty() {
			return fmt.Errorf("%w: %s", ErrNotEmpty, path)
		}
		if err := fs.st.Release(bn); err != nil {
			return err
		}
	} else {
		if err := ip.Truncate(fs.st); err != nil {
			return err
		}
		fs.closeAllFor(ent.Inum)
	}

	// Zero the inode on disk, release its slot, then drop the parent
	// entry.
	zeroed := inode.Inode{Inum: ent.Inum}
	if err := zeroed.Put(fs.st); err != nil {
		return err
	}
	fs.sb.FreeInode(ent.Inum)
	if err := fs.sb.Flush(fs.st); err != nil {
		return err
	}
	r.dir.Ents[i] = dir.Ent{}
	if err := fs.st.Write(r.dirBnum, r.dir.Encode()); err != nil {
		return err
	}
	util.DPrintf(1, "remove: %s (inode %d)\n", path, ent.Inum)
	return nil
}
