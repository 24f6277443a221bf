// Package bootstrap formats a new host file end to end: it creates the
// backing file (carrier prefix plus random tail), installs the encrypted
// superblock and trailer, and initialises the bitmap, leaving a
// ready-to-open fsys.FileSystem behind.
package bootstrap

import (
	"log"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/fsys"
	"github.com/zaoweiceng/bwtfs/internal/hostfile"
)

// Options configures a new host file.
type Options struct {
	Path        string
	Size        int64 // total usable block-pool bytes, excluding carrier and marker
	BlockSize   int
	CarrierPath string
}

// Format creates path per opts and initialises it as a fresh bwtfs host
// file, returning the opened filesystem.
func Format(opts Options, logger *log.Logger) (*fsys.FileSystem, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.BlockSize <= 0 {
		return nil, xerrors.Errorf("bootstrap: block size must be positive, got %d", opts.BlockSize)
	}
	if opts.Size < bwtfs.MinSystemFileSize {
		return nil, xerrors.Errorf("bootstrap: size %d: %w", opts.Size, bwtfs.ErrSizeTooSmall)
	}

	if _, err := hostfile.CreateFile(opts.Path, opts.Size, opts.CarrierPath); err != nil {
		return nil, err
	}
	logger.Printf("bootstrap: created host file %s (%d bytes)", opts.Path, opts.Size)

	fs, err := fsys.Init(opts.Path, opts.BlockSize, logger)
	if err != nil {
		return nil, xerrors.Errorf("bootstrap: initialising %s: %w", opts.Path, err)
	}
	return fs, nil
}
