package blkfs

import (
	"fmt"
	"time"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
)

// GetDir lists the directory at path: the live entries in slot order.
// Listing a regular file fails with ErrNotDir.
func (fs *FileSystem) GetDir(path string) ([]dir.Ent, error) {
	if err := fs.mounted(); err != nil {
		return nil, err
	}
	defer fs.record(opGetDir, time.Now())
	r, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if r.leaf == "" {
		// "/" or a trailing slash: the resolver already loaded the
		// directory.
		return r.dir.Entries(), nil
	}
	i := r.dir.Lookup(r.leaf)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	ent := r.dir.Ents[i]
	if ent.Type != dir.Directory {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, path)
	}
	ip, err := inode.Get(fs.st, ent.Inum)
	if err != nil {
		return nil, err
	}
	d, _, err := fs.readDir(ip)
	if err != nil {
		return nil, err
	}
	return d.Entries(), nil
}
