package fs

import (
	"fmt"

	"github.com/Sheng99100/SeedOS/proc"
)

// IAlloc scans the inode region for a free (Type==TypeFree) on-disk slot,
// marks it with the given type, and returns it reserved via IGet (unlocked,
// ref 1, valid false) — grounded on ialloc(). Caller is inside a log
// transaction.
func (t *Table) IAlloc(p *proc.Process, c *proc.CPU, dev int, typ Type) (*Inode, *proc.CPU, error) {
	for inum := uint32(1); int(inum) < t.sb.NInodes; inum++ {
		bno := t.sb.InodeBlock(inum)
		b, newC, err := t.disk.Read(p, c, dev, bno)
		c = newC
		if err != nil {
			return nil, c, err
		}
		di := decodeDInode(b, inum, t.sb)
		if di.Type == TypeFree {
			di = DInode{Type: typ}
			encodeDInode(b, inum, t.sb, di)
			t.log.Write(bno)
			if _, err := t.disk.Write(p, c, b); err != nil {
				t.disk.Release(p, c, b)
				return nil, c, err
			}
			t.disk.Release(p, c, b)
			ip, err := t.IGet(dev, inum)
			return ip, c, err
		}
		t.disk.Release(p, c, b)
	}
	return nil, c, fmt.Errorf("fs: ialloc: no free inodes")
}
