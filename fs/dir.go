package fs

import (
	"bytes"
	"fmt"

	"github.com/Sheng99100/SeedOS/proc"
)

const direntSize = 4 + DirSiz // Inum (uint32) + Name

func decodeDirent(b []byte) Dirent {
	var d Dirent
	d.Inum = le32(b)
	copy(d.Name[:], b[4:4+DirSiz])
	return d
}

func encodeDirent(d Dirent) [direntSize]byte {
	var b [direntSize]byte
	putLE32(b[:], d.Inum)
	copy(b[4:], d.Name[:])
	return b
}

func nameBytes(name string) [DirSiz]byte {
	var b [DirSiz]byte
	copy(b[:], name)
	return b
}

// DirLookup searches directory dp for name. On a hit it reserves (but does
// not lock) the matching inode via IGet and also returns the byte offset of
// the matching entry — grounded on dirlookup(). dp must
// already be locked by the caller.
func (t *Table) DirLookup(p *proc.Process, c *proc.CPU, dp *Inode, name string) (*Inode, int, *proc.CPU, error) {
	if dp.Type != TypeDir {
		panic("fs: dirlookup: not a directory")
	}

	want := nameBytes(name)
	var buf [direntSize]byte
	for off := 0; uint32(off) < dp.Size; off += direntSize {
		n, newC, err := t.ReadI(p, c, dp, buf[:], off)
		c = newC
		if err != nil {
			return nil, 0, c, err
		}
		if n != direntSize {
			panic("fs: dirlookup: short directory read")
		}
		de := decodeDirent(buf[:])
		if de.Inum == 0 {
			continue
		}
		if bytes.Equal(de.Name[:], want[:]) {
			ip, err := t.IGet(dp.Dev, de.Inum)
			if err != nil {
				return nil, 0, c, err
			}
			return ip, off, c, nil
		}
	}
	return nil, 0, c, fmt.Errorf("fs: dirlookup: %q not found", name)
}

// DirLink writes a new (name, inum) entry into directory dp, reusing the
// first empty slot or appending past the end. Caller holds dp's lock and is
// inside a log transaction. Grounded on dirlink().
func (t *Table) DirLink(p *proc.Process, c *proc.CPU, dp *Inode, name string, inum uint32) (*proc.CPU, error) {
	if existing, _, newC, err := t.DirLookup(p, c, dp, name); err == nil {
		c = newC
		c = t.IPut(p, c, existing)
		return c, fmt.Errorf("fs: dirlink: %q already exists", name)
	} else {
		c = newC
	}

	var buf [direntSize]byte
	off := 0
	for ; uint32(off) < dp.Size; off += direntSize {
		n, newC, err := t.ReadI(p, c, dp, buf[:], off)
		c = newC
		if err != nil {
			return c, err
		}
		if n != direntSize {
			panic("fs: dirlink: short directory read")
		}
		if decodeDirent(buf[:]).Inum == 0 {
			break
		}
	}

	de := Dirent{Inum: inum, Name: nameBytes(name)}
	enc := encodeDirent(de)
	n, newC, err := t.WriteI(p, c, dp, enc[:], off)
	c = newC
	if err != nil || n != direntSize {
		return c, fmt.Errorf("fs: dirlink: write failed: %w", err)
	}
	return c, nil
}
