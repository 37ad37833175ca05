package blkfs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
)

// Create makes a new regular file or directory at an absolute path.
// Every ancestor must already exist; missing intermediate directories
// are not created.
func (fs *FileSystem) Create(path string, typ dir.Type) error {
	if err := fs.mounted(); err != nil {
		return err
	}
	defer fs.record(opCreate, time.Now())
	if typ != dir.Regular && typ != dir.Directory {
		return fmt.Errorf("%w: file type %d", ErrInvalid, typ)
	}
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !dir.ValidName(r.leaf) {
		return fmt.Errorf("%w: bad name %q", ErrInvalid, r.leaf)
	}
	slot, err := r.dir.FreeSlot(r.leaf)
	if err != nil {
		return err
	}
	inum, ok := fs.sb.AllocInode()
	if !ok {
		return fmt.Errorf("%w: no free inodes", ErrNoSpace)
	}

	var mode uint32 = inode.ModeReg
	if typ == dir.Directory {
		mode = inode.ModeDir
	}
	ip := inode.New(inum, mode)
	if typ == dir.Directory {
		bn, ok := fs.st.Allocate()
		if !ok {
			fs.sb.FreeInode(inum)
			return fmt.Errorf("%w: no block for directory", ErrNoSpace)
		}
		if err := fs.st.Write(bn, (&dir.Dir{}).Encode()); err != nil {
			fs.st.Release(bn)
			fs.sb.FreeInode(inum)
			return err
		}
		ip.Direct[0] = bn
		ip.Size = dir.TableSize
	}
	if err := fs.undoOnErr(ip.Put(fs.st), ip); err != nil {
		return err
	}

	r.dir.Ents[slot] = dir.Ent{Name: r.leaf, Inum: inum, Type: typ}
	if err := fs.undoOnErr(fs.st.Write(r.dirBnum, r.dir.Encode()), ip); err != nil {
		return err
	}
	if err := fs.sb.Flush(fs.st); err != nil {
		return err
	}
	util.DPrintf(1, "create: %s type %d inode %d\n", path, typ, inum)
	return nil
}

// undoOnErr releases a half-created inode and its directory block
// when a later step of Create fails.
func (fs *FileSystem) undoOnErr(err error, ip *inode.Inode) error {
	if err == nil {
		return nil
	}
	if bn := ip.Direct[0]; bn != 0 {
		fs.st.Release(bn)
	}
	fs.sb.FreeInode(ip.Inum)
	return err
}
