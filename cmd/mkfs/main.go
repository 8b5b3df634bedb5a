// Command mkfs builds an EFS disk image from a host skeleton
// directory, the host-side equivalent of easy-fs-fuse (original_source)
// and grounded on biscuit/src/mkfs/mkfs.go's addfiles/copydata walk, minus
// the bootloader/kernel-image concatenation mkfs.go also does: SBI
// firmware loads the kernel ELF separately in this kernel's boot path, so
// this tool only ever produces the filesystem image.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"rv6/internal/blkcache"
	"rv6/internal/efs"
)

// totalBlocks and inodeBitmapBlocks size the skeleton image generously
// for a handful of small files; a real deployment would size these from
// the skeleton directory's actual footprint.
const (
	totalBlocks       = 8192
	inodeBitmapBlocks = 1
)

// fileDisk implements blkcache.Disk over a host *os.File, growing the
// file on first write to any given block the way a sparse disk image
// would.
type fileDisk struct {
	f *os.File
}

func (d *fileDisk) ReadBlock(id uint64, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(id)*efs.BlockSize)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return err
}

func (d *fileDisk) WriteBlock(id uint64, buf []byte) error {
	_, err := d.f.WriteAt(buf, int64(id)*efs.BlockSize)
	return err
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <output image> <skel dir>\n")
		os.Exit(1)
	}
	imagePath := os.Args[1]
	skelDir := os.Args[2]

	f, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	fs, err := efs.Create(&fileDisk{f: f}, totalBlocks, inodeBitmapBlocks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: create fs: %v\n", err)
		os.Exit(1)
	}

	if err := addFiles(fs, skelDir); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	if err := fs.SyncAll(); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: sync: %v\n", err)
		os.Exit(1)
	}
}

// addFiles walks skelDir on the host and replicates every regular file
// into the image's flat root directory (spec.md's filesystem core has no
// nested directories, so a skeleton subdirectory's files are flattened by
// base name).
func addFiles(fs *efs.Filesystem, skelDir string) error {
	root := fs.RootInode()
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		inode := root.Create(name, efs.TypeFile)
		if inode == nil {
			return fmt.Errorf("create %q: name collision or out of inodes/blocks", name)
		}
		if n := inode.WriteAt(0, data); n != len(data) {
			return fmt.Errorf("write %q: disk full at %d/%d bytes", name, n, len(data))
		}
		return nil
	})
}
