// Package hostfile implements random block-indexed I/O over a fixed-size
// file that may carry an arbitrary prefix (e.g. an image) ahead of its
// block pool, the way a camouflaged container hides its real contents.
package hostfile

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
)

// File is a block-indexed view over an on-disk host file: prefixSize bytes
// of carrier, blockCount*blockSize bytes of blocks, then a 4-byte
// little-endian marker recording prefixSize.
type File struct {
	f          *os.File
	blockSize  int
	fileSize   int64
	prefixSize int64
}

// Open opens an existing host file at path and takes an exclusive advisory
// lock on it: the spec's non-goal of multi-writer-per-object concurrency
// still wants two processes never to share one host file descriptor.
func Open(path string, blockSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, xerrors.Errorf("opening host file %s: %w", path, bwtfs.ErrIO)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xerrors.Errorf("locking host file %s: %w", path, bwtfs.ErrIO)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat host file %s: %w", path, bwtfs.ErrIO)
	}
	size := fi.Size()
	if size < 4 {
		f.Close()
		return nil, xerrors.Errorf("host file %s too small: %w", path, bwtfs.ErrIO)
	}
	var marker [4]byte
	if _, err := f.ReadAt(marker[:], size-4); err != nil {
		f.Close()
		return nil, xerrors.Errorf("reading prefix marker: %w", bwtfs.ErrIO)
	}
	prefixSize := int64(binary.LittleEndian.Uint32(marker[:]))
	return &File{f: f, blockSize: blockSize, fileSize: size, prefixSize: prefixSize}, nil
}

// CreateFile writes carrierBytes (if carrierPath is non-empty), then a
// random tail, then the 4-byte little-endian prefix-size marker (zero when
// there is no carrier). The whole file is assembled in a temp path and
// renamed into place atomically via renameio, so a crash mid-format never
// leaves a half-written host file next to the intended path.
func CreateFile(path string, size int64, carrierPath string) (prefixSize int64, err error) {
	if size < bwtfs.MinSystemFileSize {
		return 0, xerrors.Errorf("requested size %d: %w", size, bwtfs.ErrSizeTooSmall)
	}
	if _, err := os.Stat(path); err == nil {
		return 0, xerrors.Errorf("host file %s already exists: %w", path, bwtfs.ErrIO)
	}

	var carrier []byte
	if carrierPath != "" {
		carrier, err = os.ReadFile(carrierPath)
		if err != nil {
			return 0, xerrors.Errorf("reading carrier %s: %w", carrierPath, bwtfs.ErrIO)
		}
		prefixSize = int64(len(carrier))
	}

	w, err := renameio.TempFile("", path)
	if err != nil {
		return 0, xerrors.Errorf("creating temp file for %s: %w", path, bwtfs.ErrIO)
	}
	defer w.Cleanup()

	if len(carrier) > 0 {
		if _, err := w.Write(carrier); err != nil {
			return 0, xerrors.Errorf("writing carrier: %w", bwtfs.ErrIO)
		}
	}
	if err := writeRandomTail(w, size); err != nil {
		return 0, xerrors.Errorf("writing random tail: %w", bwtfs.ErrIO)
	}
	var marker [4]byte
	binary.LittleEndian.PutUint32(marker[:], uint32(prefixSize))
	if _, err := w.Write(marker[:]); err != nil {
		return 0, xerrors.Errorf("writing prefix marker: %w", bwtfs.ErrIO)
	}
	if err := w.CloseAtomicallyReplace(); err != nil {
		return 0, xerrors.Errorf("committing host file %s: %w", path, bwtfs.ErrIO)
	}
	return prefixSize, nil
}

func writeRandomTail(w io.Writer, n int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for n > 0 {
		c := int64(chunk)
		if n < c {
			c = n
		}
		if _, err := rand.Read(buf[:c]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:c]); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// BlockCount returns the number of addressable blocks in the file.
func (f *File) BlockCount() int64 {
	return (f.fileSize - f.prefixSize - 4) / int64(f.blockSize)
}

// FileSize returns the total on-disk size, including prefix and marker.
func (f *File) FileSize() int64 { return f.fileSize }

// PrefixSize returns the size of the carrier prefix, or 0 if none.
func (f *File) PrefixSize() int64 { return f.prefixSize }

func (f *File) offset(idx uint64) int64 {
	return f.prefixSize + int64(idx)*int64(f.blockSize)
}

// ReadBlock reads the single block at logical index idx.
func (f *File) ReadBlock(idx uint64) ([]byte, error) {
	return f.Read(idx, 1)
}

// Read reads n consecutive blocks starting at logical index idx.
func (f *File) Read(idx uint64, n int) ([]byte, error) {
	if int64(idx)+int64(n) > f.BlockCount() {
		return nil, xerrors.Errorf("block %d+%d exceeds block count %d: %w", idx, n, f.BlockCount(), bwtfs.ErrOutOfRange)
	}
	buf := make([]byte, n*f.blockSize)
	if _, err := f.f.ReadAt(buf, f.offset(idx)); err != nil {
		return nil, xerrors.Errorf("reading block %d: %w", idx, bwtfs.ErrIO)
	}
	return buf, nil
}

// Write writes buf (a multiple of the block size) starting at logical
// index idx.
func (f *File) Write(idx uint64, buf []byte) error {
	n := len(buf) / f.blockSize
	if int64(idx)+int64(n) > f.BlockCount() {
		return xerrors.Errorf("block %d+%d exceeds block count %d: %w", idx, n, f.BlockCount(), bwtfs.ErrOutOfRange)
	}
	if _, err := f.f.WriteAt(buf, f.offset(idx)); err != nil {
		return xerrors.Errorf("writing block %d: %w", idx, bwtfs.ErrIO)
	}
	return nil
}

// Close releases the file descriptor and its advisory lock.
func (f *File) Close() error {
	return f.f.Close()
}
