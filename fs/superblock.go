package fs

import (
	"fmt"

	"github.com/Sheng99100/SeedOS/bio"
	"github.com/Sheng99100/SeedOS/proc"
)

// Superblock describes the on-disk layout, supplemented from
// original_source/kernel/fs.c since spec.md's C7 scope stops at "what the
// cache sees" — without it Bmap has nothing to allocate from. Kept
// intentionally minimal: a single bitmap block's worth of free-block
// tracking, no free-list cache.
type Superblock struct {
	Size       int // total blocks in the filesystem image, including reserved
	NBlocks    int // data blocks
	NInodes    int // inodes
	InodeStart int // first block of the inode region
	BmapStart  int // first (and only) block of the free-block bitmap

	DinodesPerBlock int // how many DInode records fit in one block
}

// InodeBlock returns the disk block holding inum's on-disk record.
func (sb Superblock) InodeBlock(inum uint32) int {
	return sb.InodeStart + int(inum)/sb.DinodesPerBlock
}

// BlockAlloc scans the single bitmap block for a free bit, marks it used,
// and returns the allocated block number — bfree/balloc reduced to one
// bitmap block, since this teaching kernel's disk is small enough that a
// multi-block bitmap (as the original supports) is unnecessary complexity.
func (t *Table) BlockAlloc(p *proc.Process, c *proc.CPU) (int, *proc.CPU, error) {
	b, c2, err := t.disk.Read(p, c, RootDev, t.sb.BmapStart)
	if err != nil {
		return 0, c2, err
	}
	defer t.disk.Release(p, c2, b)

	data := b.Data()
	for bit := 0; bit < t.sb.Size; bit++ {
		byteIdx, mask := bit/8, byte(1<<uint(bit%8))
		if data[byteIdx]&mask == 0 {
			data[byteIdx] |= mask
			t.log.Write(t.sb.BmapStart)
			if _, err := t.disk.Write(p, c2, b); err != nil {
				return 0, c2, err
			}
			return bit, c2, nil
		}
	}
	return 0, c2, fmt.Errorf("fs: balloc: out of blocks")
}

// BlockFree clears bno's bit in the bitmap. Freeing an already-free block
// is a programming-invariant violation.
func (t *Table) BlockFree(p *proc.Process, c *proc.CPU, bno int) *proc.CPU {
	b, c2, err := t.disk.Read(p, c, RootDev, t.sb.BmapStart)
	if err != nil {
		panic(fmt.Sprintf("fs: bfree: reading bitmap: %v", err))
	}
	defer t.disk.Release(p, c2, b)

	data := b.Data()
	byteIdx, mask := bno/8, byte(1<<uint(bno%8))
	if data[byteIdx]&mask == 0 {
		panic(fmt.Sprintf("fs: bfree: freeing already-free block %d", bno))
	}
	data[byteIdx] &^= mask
	t.log.Write(t.sb.BmapStart)
	if _, err := t.disk.Write(p, c2, b); err != nil {
		panic(fmt.Sprintf("fs: bfree: %v", err))
	}
	return c2
}

// decodeDInode reads the on-disk record for inum out of buffer b, which
// must hold the block InodeBlock(inum) returns.
func decodeDInode(b *bio.Buffer, inum uint32, sb Superblock) DInode {
	data := b.Data()
	off := (int(inum) % sb.DinodesPerBlock) * dinodeSize
	var di DInode
	di.Type = Type(le16(data[off:]))
	di.Major = int16(le16(data[off+2:]))
	di.Minor = int16(le16(data[off+4:]))
	di.Nlink = int16(le16(data[off+6:]))
	di.Size = le32(data[off+8:])
	for i := range di.Addrs {
		di.Addrs[i] = le32(data[off+12+i*4:])
	}
	return di
}

// encodeDInode writes di into buffer b at inum's slot.
func encodeDInode(b *bio.Buffer, inum uint32, sb Superblock, di DInode) {
	data := b.Data()
	off := (int(inum) % sb.DinodesPerBlock) * dinodeSize
	putLE16(data[off:], uint16(di.Type))
	putLE16(data[off+2:], uint16(di.Major))
	putLE16(data[off+4:], uint16(di.Minor))
	putLE16(data[off+6:], uint16(di.Nlink))
	putLE32(data[off+8:], di.Size)
	for i, a := range di.Addrs {
		putLE32(data[off+12+i*4:], a)
	}
}

// dinodeSize is the on-disk encoded width of one DInode record: type(2) +
// major(2) + minor(2) + nlink(2) + size(4) + addrs((NDirect+1)*4).
const dinodeSize = 2 + 2 + 2 + 2 + 4 + (NDirect+1)*4

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
