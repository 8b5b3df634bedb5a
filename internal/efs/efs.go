// Package efs implements the on-disk block filesystem: superblock,
// inode/data bitmaps, the multi-level inode index, and directory
// entries, all read and written through internal/blkcache.
//
// Grounded on easy-fs/src/bitmap.rs and easy-fs/src/lib.rs
// (original_source) for the on-disk layout and allocator shape; the
// block-cache plumbing it builds on is internal/blkcache, itself
// grounded on biscuit/src/fs/blk.go. No file in the retrieved pack
// implements easy-fs's inode/layout.rs or efs.rs, so the inode index and
// superblock builder below follow spec.md §3/§9's byte-for-byte layout
// description directly.
package efs

import (
	"encoding/binary"
	"fmt"

	"rv6/internal/blkcache"
)

// BlockSize is the on-disk block size (spec.md §3).
const BlockSize = blkcache.BlockSize

// Magic identifies a formatted filesystem image (spec.md §3).
const Magic uint32 = 0x3B800001

// InodeSize is the on-disk size of one inode record; four fit per block.
const InodeSize = 32
const InodesPerBlock = BlockSize / InodeSize

// DirentSize is the on-disk size of one directory entry.
const DirentSize = 32
const direntNameMax = DirentSize - 4 - 1 // name bytes, minus the u32 inode id and the NUL

// FileType distinguishes a regular file from a directory inode.
type FileType uint32

const (
	TypeFile FileType = 0
	TypeDir  FileType = 1
)

// Superblock occupies block 0 of every image (spec.md §3).
type Superblock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

func (sb *Superblock) encode(buf *[BlockSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[12:16], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[16:20], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], sb.DataAreaBlocks)
}

func decodeSuperblock(buf *[BlockSize]byte) Superblock {
	return Superblock{
		Magic:             binary.LittleEndian.Uint32(buf[0:4]),
		TotalBlocks:       binary.LittleEndian.Uint32(buf[4:8]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(buf[8:12]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(buf[12:16]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(buf[16:20]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// layout records the first block id of each region, computed once at
// create/open time so every other method can address blocks by region-
// relative index.
type layout struct {
	inodeBitmapStart uint32
	inodeAreaStart   uint32
	dataBitmapStart  uint32
	dataAreaStart    uint32
}

func layoutFrom(sb Superblock) layout {
	return layout{
		inodeBitmapStart: 1,
		inodeAreaStart:   1 + sb.InodeBitmapBlocks,
		dataBitmapStart:  1 + sb.InodeBitmapBlocks + sb.InodeAreaBlocks,
		dataAreaStart:    1 + sb.InodeBitmapBlocks + sb.InodeAreaBlocks + sb.DataBitmapBlocks,
	}
}

// Filesystem is an opened (or freshly created) EFS image: a superblock,
// the computed region layout, the two bit-allocators, and the shared
// block cache every access goes through.
type Filesystem struct {
	cache        *blkcache.Cache
	sb           Superblock
	lay          layout
	inodeBitmap  *bitmap
	dataBitmap   *bitmap
}

// Create formats a fresh image: superblock in block 0, the inode bitmap
// sized to its given block count (inode area sized so each block holds
// InodesPerBlock inodes), the data bitmap and data area filling the
// remainder of totalBlocks, then allocates inode 0 as the root directory
// (spec.md §9).
func Create(disk blkcache.Disk, totalBlocks, inodeBitmapBlocks uint32) (*Filesystem, error) {
	inodeBitmapBits := inodeBitmapBlocks * BlockSize * 8
	inodeAreaBlocks := (inodeBitmapBits + InodesPerBlock - 1) / InodesPerBlock
	usedSoFar := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if usedSoFar >= totalBlocks {
		return nil, fmt.Errorf("efs: totalBlocks %d too small for inode region %d", totalBlocks, usedSoFar)
	}
	remaining := totalBlocks - usedSoFar
	// Reserve 1 data-bitmap block per 4096 data blocks it can track, plus
	// the data blocks themselves, from what's left.
	dataBitmapBlocks := (remaining + BlockSize*8 /*bits/block*/) / (BlockSize*8 + 1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := remaining - dataBitmapBlocks

	sb := Superblock{
		Magic:             Magic,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
	lay := layoutFrom(sb)
	cache := blkcache.New(disk)

	zero := [BlockSize]byte{}
	for b := uint32(0); b < totalBlocks; b++ {
		if err := cache.Modify(uint64(b), func(buf *[BlockSize]byte) { *buf = zero }); err != nil {
			return nil, err
		}
	}
	if err := cache.Modify(0, func(buf *[BlockSize]byte) { sb.encode(buf) }); err != nil {
		return nil, err
	}

	fs := &Filesystem{
		cache:       cache,
		sb:          sb,
		lay:         lay,
		inodeBitmap: newBitmap(lay.inodeBitmapStart, inodeBitmapBlocks),
		dataBitmap:  newBitmap(lay.dataBitmapStart, dataBitmapBlocks),
	}

	rootID, ok := fs.inodeBitmap.alloc(cache)
	if !ok || rootID != 0 {
		return nil, fmt.Errorf("efs: failed to allocate root inode")
	}
	root := diskInode{Type: TypeDir}
	if err := fs.writeDiskInode(rootID, &root); err != nil {
		return nil, err
	}
	if err := cache.SyncAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open rereads block 0 and validates the magic number (spec.md §9:
// "mismatched magic -> fail").
func Open(disk blkcache.Disk) (*Filesystem, error) {
	cache := blkcache.New(disk)
	var sb Superblock
	if err := cache.Read(0, func(buf *[BlockSize]byte) { sb = decodeSuperblock(buf) }); err != nil {
		return nil, err
	}
	if sb.Magic != Magic {
		return nil, fmt.Errorf("efs: bad superblock magic %#x", sb.Magic)
	}
	lay := layoutFrom(sb)
	return &Filesystem{
		cache:       cache,
		sb:          sb,
		lay:         lay,
		inodeBitmap: newBitmap(lay.inodeBitmapStart, sb.InodeBitmapBlocks),
		dataBitmap:  newBitmap(lay.dataBitmapStart, sb.DataBitmapBlocks),
	}, nil
}

// RootInodeID is always 0 (spec.md §9: "allocates inode 0 as the root
// directory").
const RootInodeID = 0

func (fs *Filesystem) inodeLocation(id uint32) (block uint64, offset int) {
	block = uint64(fs.lay.inodeAreaStart) + uint64(id)/InodesPerBlock
	offset = int(id%InodesPerBlock) * InodeSize
	return block, offset
}

func (fs *Filesystem) allocDataBlock() (uint32, bool) {
	rel, ok := fs.dataBitmap.alloc(fs.cache)
	if !ok {
		return 0, false
	}
	if rel >= fs.sb.DataAreaBlocks {
		fs.dataBitmap.dealloc(fs.cache, rel)
		return 0, false
	}
	return fs.lay.dataAreaStart + rel, true
}

func (fs *Filesystem) freeDataBlock(block uint32) {
	fs.dataBitmap.dealloc(fs.cache, block-fs.lay.dataAreaStart)
}

// SyncAll flushes every dirty cached block to disk.
func (fs *Filesystem) SyncAll() error { return fs.cache.SyncAll() }
