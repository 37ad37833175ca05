// Package dir implements directory blocks: a single 512-byte block
// holding exactly 7 fixed-width entries. An entry is 65 bytes on
// disk, a 64-byte NUL-padded name followed by the inode number; the
// 7 type tags live out-of-band in the block's padding, right after
// the entry table. Directories carry no "." or ".." entries.
package dir

import (
	"bytes"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/blkfs/blkfs/fserr"
	"github.com/blkfs/blkfs/store"
	"github.com/blkfs/blkfs/super"
)

const (
	// NumEntries is the fixed capacity of a directory.
	NumEntries = 7
	// NameLen is the on-disk name field size; names are at most
	// NameLen-1 bytes plus the NUL.
	NameLen = 64
	// EntrySize is name plus inode number.
	EntrySize = NameLen + 1
	// TableSize is the byte size of the entry table, and also what a
	// directory inode reports as its file size.
	TableSize = NumEntries * EntrySize

	typeOff = TableSize
)

// Type tags a directory entry as a regular file or a directory.
type Type uint8

const (
	Regular   Type = 0
	Directory Type = 1
)

// Ent is one directory entry. A zero Inum marks the slot free.
type Ent struct {
	Name string
	Inum super.Inum
	Type Type
}

// Dir is a decoded directory block.
type Dir struct {
	Ents [NumEntries]Ent
}

// ValidName reports whether name fits a directory entry.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) < NameLen
}

// Decode parses a directory block.
func Decode(blk []byte) *Dir {
	d := &Dir{}
	dec := marshal.NewDec(blk)
	for i := range d.Ents {
		name := dec.GetBytes(NameLen)
		if j := bytes.IndexByte(name, 0); j >= 0 {
			name = name[:j]
		}
		d.Ents[i].Name = string(name)
		d.Ents[i].Inum = super.Inum(dec.GetBytes(1)[0])
		d.Ents[i].Type = Type(blk[typeOff+i])
	}
	return d
}

// Encode renders the directory as a full block: the 455-byte entry
// table, the 7 type tags, zero padding to the end.
func (d *Dir) Encode() []byte {
	enc := marshal.NewEnc(store.BlockSize)
	for _, e := range d.Ents {
		name := make([]byte, NameLen)
		copy(name, e.Name)
		enc.PutBytes(name)
		enc.PutBytes([]byte{byte(e.Inum)})
	}
	blk := enc.Finish()
	for i, e := range d.Ents {
		blk[typeOff+i] = byte(e.Type)
	}
	return blk
}

// Lookup returns the slot holding name, or -1.
func (d *Dir) Lookup(name string) int {
	for i, e := range d.Ents {
		if e.Inum != super.NullInum && e.Name == name {
			return i
		}
	}
	return -1
}

// FreeSlot returns the lowest free slot for inserting name. It fails
// with ErrExists if the name is already present and ErrNoSpace when
// the directory is full.
func (d *Dir) FreeSlot(name string) (int, error) {
	free := -1
	for i, e := range d.Ents {
		if e.Inum == super.NullInum {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.Name == name {
			return -1, fmt.Errorf("%w: %s", fserr.ErrExists, name)
		}
	}
	if free < 0 {
		return -1, fmt.Errorf("%w: directory full", fserr.ErrNoSpace)
	}
	return free, nil
}

// Empty reports whether the directory has no live entries.
func (d *Dir) Empty() bool {
	for _, e := range d.Ents {
		if e.Inum != super.NullInum {
			return false
		}
	}
	return true
}

// Entries returns the live entries in slot order.
func (d *Dir) Entries() []Ent {
	var ents []Ent
	for _, e := range d.Ents {
		if e.Inum != super.NullInum {
			ents = append(ents, e)
		}
	}
	return ents
}
