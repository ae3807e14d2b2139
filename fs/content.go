package fs

import (
	"fmt"

	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/proc"
)

// Bmap returns the disk block number holding inode ip's n'th logical block,
// allocating it (direct or, past NDirect, via the single indirect block) if
// it does not exist yet. Caller must hold ip's sleeping lock and be inside a
// log transaction, grounded on bmap() in original_source/kernel/fs.c.
func (t *Table) Bmap(p *proc.Process, c *proc.CPU, ip *Inode, n int) (int, *proc.CPU, error) {
	if n < NDirect {
		if ip.Addrs[n] == 0 {
			bno, newC, err := t.BlockAlloc(p, c)
			c = newC
			if err != nil {
				return 0, c, err
			}
			ip.Addrs[n] = uint32(bno)
		}
		return int(ip.Addrs[n]), c, nil
	}

	n -= NDirect
	if n >= NIndirect {
		return 0, c, fmt.Errorf("fs: bmap: offset %d beyond MaxFile", n+NDirect)
	}

	if ip.Addrs[NDirect] == 0 {
		bno, newC, err := t.BlockAlloc(p, c)
		c = newC
		if err != nil {
			return 0, c, err
		}
		ip.Addrs[NDirect] = uint32(bno)
	}

	ib, newC, err := t.disk.Read(p, c, ip.Dev, int(ip.Addrs[NDirect]))
	c = newC
	if err != nil {
		return 0, c, err
	}
	defer t.disk.Release(p, c, ib)

	data := ib.Data()
	bno := le32(data[n*4:])
	if bno == 0 {
		allocated, newC2, err := t.BlockAlloc(p, c)
		c = newC2
		if err != nil {
			return 0, c, err
		}
		bno = uint32(allocated)
		putLE32(data[n*4:], bno)
		t.log.Write(int(ip.Addrs[NDirect]))
		if _, err := t.disk.Write(p, c, ib); err != nil {
			return 0, c, err
		}
	}
	return int(bno), c, nil
}

// itruncLocked frees every block ip owns, direct and indirect, and resets
// Size to zero. Caller holds ip's sleeping lock and a log transaction.
func (t *Table) itruncLocked(p *proc.Process, c *proc.CPU, ip *Inode) {
	for i := 0; i < NDirect; i++ {
		if ip.Addrs[i] != 0 {
			c = t.BlockFree(p, c, int(ip.Addrs[i]))
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDirect] != 0 {
		ib, newC, err := t.disk.Read(p, c, ip.Dev, int(ip.Addrs[NDirect]))
		c = newC
		if err != nil {
			panic(fmt.Sprintf("fs: itrunc: reading indirect block: %v", err))
		}
		data := ib.Data()
		for i := 0; i < NIndirect; i++ {
			if bno := le32(data[i*4:]); bno != 0 {
				c = t.BlockFree(p, c, int(bno))
			}
		}
		t.disk.Release(p, c, ib)
		c = t.BlockFree(p, c, int(ip.Addrs[NDirect]))
		ip.Addrs[NDirect] = 0
	}
	ip.Size = 0
	t.iupdateLocked(p, c, ip)
}

// iupdateLocked writes ip's in-memory fields back to its on-disk slot.
// Caller holds ip's sleeping lock and a log transaction.
func (t *Table) iupdateLocked(p *proc.Process, c *proc.CPU, ip *Inode) *proc.CPU {
	bno := t.sb.InodeBlock(ip.Inum)
	b, newC, err := t.disk.Read(p, c, ip.Dev, bno)
	c = newC
	if err != nil {
		panic(fmt.Sprintf("fs: iupdate: reading inode block: %v", err))
	}
	encodeDInode(b, ip.Inum, t.sb, ip.DInode)
	t.log.Write(bno)
	if _, err := t.disk.Write(p, c, b); err != nil {
		panic(fmt.Sprintf("fs: iupdate: %v", err))
	}
	t.disk.Release(p, c, b)
	return c
}

// ITrunc is IPut's truncate step exposed for callers that need to shrink a
// file to zero length without also dropping it (e.g. O_TRUNC opens),
// grounded on itrunc() being called from sys_open in the original, not only
// from iput().
func (t *Table) ITrunc(p *proc.Process, c *proc.CPU, ip *Inode) *proc.CPU {
	c = t.log.Begin(p, c)
	t.itruncLocked(p, c, ip)
	var err error
	c, err = t.log.End(p, c, func(bno int) { t.commitBlock(p, c, ip.Dev, bno) })
	if err != nil {
		panic(fmt.Sprintf("fs: itrunc: log commit: %v", err))
	}
	return c
}

// ReadI copies min(len(dst), ip.Size-off) bytes starting at byte offset off
// of ip's content into dst, returning the number of bytes copied. Caller
// holds ip's sleeping lock. Grounded on readi(); unlike the original, dst is
// always a plain kernel-side byte slice — callers needing to land data in a
// user address space go through mm.PageTable.CopyOut themselves, since that
// concern belongs to the syscall layer, not the filesystem.
func (t *Table) ReadI(p *proc.Process, c *proc.CPU, ip *Inode, dst []byte, off int) (int, *proc.CPU, error) {
	if off < 0 || uint32(off) > ip.Size {
		return 0, c, fmt.Errorf("fs: readi: offset %d out of range", off)
	}
	n := len(dst)
	if uint32(off+n) > ip.Size {
		n = int(ip.Size) - off
	}
	if n <= 0 {
		return 0, c, nil
	}

	total := 0
	for total < n {
		blockOff := off + total
		bno, newC, err := t.Bmap(p, c, ip, blockOff/BlockDataSize)
		c = newC
		if err != nil {
			return total, c, err
		}
		b, newC2, err := t.disk.Read(p, c, ip.Dev, bno)
		c = newC2
		if err != nil {
			return total, c, err
		}
		within := blockOff % BlockDataSize
		chunk := BlockDataSize - within
		if chunk > n-total {
			chunk = n - total
		}
		copy(dst[total:total+chunk], b.Data()[within:within+chunk])
		t.disk.Release(p, c, b)
		total += chunk
	}
	return total, c, nil
}

// WriteI is ReadI's inverse: it copies src into ip's content starting at
// byte offset off, growing Size and allocating blocks via Bmap as needed,
// and updates the on-disk inode. Caller holds ip's sleeping lock and must
// already be inside a log transaction (grounded on writei(), which the
// original's callers always wrap in begin_op/end_op).
func (t *Table) WriteI(p *proc.Process, c *proc.CPU, ip *Inode, src []byte, off int) (int, *proc.CPU, error) {
	if off < 0 {
		return 0, c, fmt.Errorf("fs: writei: negative offset")
	}
	if uint32(off+len(src)) > MaxFile*BlockDataSize {
		return 0, c, fmt.Errorf("fs: writei: write exceeds MaxFile")
	}

	total := 0
	for total < len(src) {
		blockOff := off + total
		bno, newC, err := t.Bmap(p, c, ip, blockOff/BlockDataSize)
		c = newC
		if err != nil {
			break
		}
		b, newC2, err := t.disk.Read(p, c, ip.Dev, bno)
		c = newC2
		if err != nil {
			break
		}
		within := blockOff % BlockDataSize
		chunk := BlockDataSize - within
		if chunk > len(src)-total {
			chunk = len(src) - total
		}
		copy(b.Data()[within:within+chunk], src[total:total+chunk])
		t.log.Write(bno)
		if _, err := t.disk.Write(p, c, b); err != nil {
			t.disk.Release(p, c, b)
			break
		}
		t.disk.Release(p, c, b)
		total += chunk
	}

	if total > 0 {
		if uint32(off+total) > ip.Size {
			ip.Size = uint32(off + total)
		}
		c = t.iupdateLocked(p, c, ip)
	}
	if total != len(src) {
		return total, c, fmt.Errorf("fs: writei: short write (%d of %d)", total, len(src))
	}
	return total, c, nil
}

// BlockDataSize is disk.BlockSize, named separately at the fs layer since it
// denotes "bytes of file content per block" rather than the disk's physical
// transfer unit, even though the two coincide here.
const BlockDataSize = disk.BlockSize
