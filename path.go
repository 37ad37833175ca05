package blkfs

import (
	"fmt"
	"strings"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
	"github.com/blkfs/blkfs/store"
	"github.com/blkfs/blkfs/super"
)

// resolved is the result of walking a path up to, but not including,
// its final segment: the parent directory's inode, its single data
// block (already decoded), and the leaf name for the caller to look
// up or insert. For the path "/" the leaf is empty and the parent is
// the root itself.
type resolved struct {
	parent    *inode.Inode
	parentNum super.Inum
	dirBnum   store.Bnum
	dir       *dir.Dir
	leaf      string
}

// resolve walks an absolute path. Intermediate segments must name
// directories, judged by their entry's type tag.
func (fs *FileSystem) resolve(path string) (*resolved, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("%w: path %q is not absolute", ErrInvalid, path)
	}
	segs := strings.Split(path[1:], "/")
	leaf := segs[len(segs)-1]
	if len(leaf) >= dir.NameLen {
		return nil, fmt.Errorf("%w: name %q too long", ErrInvalid, leaf)
	}

	cur := super.RootInum
	ip, err := inode.Get(fs.st, cur)
	if err != nil {
		return nil, err
	}
	d, bn, err := fs.readDir(ip)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs[:len(segs)-1] {
		if seg == "" || len(seg) >= dir.NameLen {
			return nil, fmt.Errorf("%w: bad path segment %q", ErrInvalid, seg)
		}
		i := d.Lookup(seg)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, seg)
		}
		ent := d.Ents[i]
		if ent.Type != dir.Directory {
			return nil, fmt.Errorf("%w: %s", ErrNotDir, seg)
		}
		cur = ent.Inum
		if ip, err = inode.Get(fs.st, cur); err != nil {
			return nil, err
		}
		if d, bn, err = fs.readDir(ip); err != nil {
			return nil, err
		}
	}
	return &resolved{
		parent:    ip,
		parentNum: cur,
		dirBnum:   bn,
		dir:       d,
		leaf:      leaf,
	}, nil
}

// readDir loads the single directory block of a directory inode.
func (fs *FileSystem) readDir(ip *inode.Inode) (*dir.Dir, store.Bnum, error) {
	bn := ip.Direct[0]
	if bn == store.NullBnum {
		return nil, store.NullBnum,
			fmt.Errorf("%w: directory inode %d has no data block", ErrCorrupt, ip.Inum)
	}
	blk, err := fs.st.ReadBlock(bn)
	if err != nil {
		return nil, store.NullBnum, err
	}
	return dir.Decode(blk), bn, nil
}
