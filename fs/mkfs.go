package fs

import (
	"fmt"

	"github.com/Sheng99100/SeedOS/bio"
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/wal"
)

// Layout is the block-count plan MkFS turns into a Superblock: how many
// total blocks the image spans, how many inodes it can hold, and where the
// log region (owned by package wal, not this package) starts and ends —
// supplemented from original_source/kernel/mkfs.c's layout constants, since
// spec.md's C7 scope assumes a filesystem already exists on disk.
type Layout struct {
	TotalBlocks int
	NInodes     int
	LogStart    int
	LogBlocks   int
}

// MkFS lays out a fresh filesystem image on d: a bitmap block, an inode
// region, and a root directory inode with "." and ".." entries pointing at
// itself. It builds and returns the resulting inode Table. Intended for
// tests and first-boot formatting, not a hot path, so it does not bother
// pooling allocations the way the rest of this package does.
func MkFS(pt *proc.Table, p *proc.Process, c *proc.CPU, d *bio.Cache, log *wal.Log, layout Layout, cacheSize int) (*Table, *proc.CPU, error) {
	dinodesPerBlock := BlockDataSize / dinodeSize
	ninodeBlocks := (layout.NInodes + dinodesPerBlock - 1) / dinodesPerBlock

	sb := Superblock{
		Size:            layout.TotalBlocks,
		NInodes:         layout.NInodes,
		BmapStart:       layout.LogStart + layout.LogBlocks,
		DinodesPerBlock: dinodesPerBlock,
	}
	sb.InodeStart = sb.BmapStart + 1

	dataStart := sb.InodeStart + ninodeBlocks
	if dataStart >= layout.TotalBlocks {
		return nil, c, fmt.Errorf("fs: mkfs: layout has no room for data blocks")
	}
	sb.NBlocks = layout.TotalBlocks - dataStart

	it := New(pt, d, log, sb, cacheSize)

	c = log.Begin(p, c)

	// Zero the bitmap, then mark every reserved block (boot+super+log+
	// bitmap+inodes) used so BlockAlloc never hands one out as a data
	// block.
	bmapBuf, newC, err := d.Read(p, c, RootDev, sb.BmapStart)
	c = newC
	if err != nil {
		return nil, c, err
	}
	data := bmapBuf.Data()
	for i := range data {
		data[i] = 0
	}
	for bno := 0; bno < dataStart; bno++ {
		data[bno/8] |= 1 << uint(bno%8)
	}
	log.Write(sb.BmapStart)
	if _, err := d.Write(p, c, bmapBuf); err != nil {
		d.Release(p, c, bmapBuf)
		return nil, c, err
	}
	d.Release(p, c, bmapBuf)

	root, newC, err := it.IAlloc(p, c, RootDev, TypeDir)
	c = newC
	if err != nil {
		return nil, c, err
	}
	if root.Inum != RootIno {
		return nil, c, fmt.Errorf("fs: mkfs: root inode got inum %d, want %d", root.Inum, RootIno)
	}
	c, err = it.ILock(p, c, root)
	if err != nil {
		return nil, c, err
	}
	root.Nlink = 1
	c = it.iupdateLocked(p, c, root)

	if c, err = it.DirLink(p, c, root, ".", root.Inum); err != nil {
		return nil, c, err
	}
	if c, err = it.DirLink(p, c, root, "..", root.Inum); err != nil {
		return nil, c, err
	}
	it.IUnlock(p, c, root)
	c = it.IPut(p, c, root)

	c, err = log.End(p, c, func(bno int) {})
	if err != nil {
		return nil, c, err
	}
	return it, c, nil
}
