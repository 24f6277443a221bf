// Package fsys owns a host file plus its bitmap allocator: it installs and
// verifies the encrypted header and plaintext trailer, and exposes
// block-level read/write under a read-write lock, updating the trailer's
// modify time as blocks change.
package fsys

import (
	"hash/fnv"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/bitmap"
	"github.com/zaoweiceng/bwtfs/internal/hostfile"
	"github.com/zaoweiceng/bwtfs/internal/rca"
)

// Version is the on-disk superblock format version written by this
// package.
const Version uint8 = 1

// headerLevel is the number of RCA rounds applied to the superblock: a
// single pass, mirroring the one-shot cell transform used to seal it.
const headerLevel = 1

// FileSystem owns an open host file and its bitmap allocator, exposing
// block-indexed reads and writes under a read-write lock: concurrent
// reads are allowed, writes are exclusive and mark the trailer dirty.
type FileSystem struct {
	mu sync.RWMutex

	f       *hostfile.File
	Bitmap  *bitmap.Allocator
	log     *log.Logger
	sb      Superblock
	trailer Trailer
	dirty   bool
}

func headerHash(block []byte) uint64 {
	h := fnv.New64a()
	h.Write(block)
	return h.Sum64()
}

// systemBlocks enumerates every block index that must never be allocated
// or cleared for ordinary data: the superblock, the trailer, the reserved
// block ahead of it, and the full extent of the free-map and wear-map
// regions.
func systemBlocks(blockCount, bitmapStart, wearBitmapStart uint64, freeBlocks, wearBlocks int) []uint64 {
	out := []uint64{0, blockCount - 1, blockCount - 2}
	for i := 0; i < freeBlocks; i++ {
		out = append(out, bitmapStart+uint64(i))
	}
	for i := 0; i < wearBlocks; i++ {
		out = append(out, wearBitmapStart+uint64(i))
	}
	return out
}

func mapExtents(count uint64, blockSize int) (freeBytes int, freeBlocks int, wearBlocks int) {
	freeBytes = int((count + 7) / 8)
	freeBlocks = freeBytes/blockSize + 1
	wearBlocks = int(count)/blockSize + 1
	return
}

// Init formats a freshly created host file: it composes and hashes the
// plaintext superblock, RCA-encrypts it with a freshly chosen seed, writes
// the trailer, and initialises the bitmap with the superblock, trailer,
// and map regions marked as permanent system blocks.
func Init(path string, blockSize int, logger *log.Logger) (*FileSystem, error) {
	if logger == nil {
		logger = log.Default()
	}
	f, err := hostfile.Open(path, blockSize)
	if err != nil {
		return nil, err
	}
	blockCount := uint64(f.BlockCount())
	if blockCount < 4 {
		f.Close()
		return nil, xerrors.Errorf("host file has only %d blocks: %w", blockCount, bwtfs.ErrSizeTooSmall)
	}
	createTime := uint64(time.Now().Unix())
	gen := rand.New(rand.NewSource(int64(createTime)))

	lo, hi := int(0.2*float64(blockCount)), int(0.5*float64(blockCount))
	bitmapStart := uint64(lo + gen.Intn(hi-lo+1))
	lo, hi = int(0.6*float64(blockCount)), int(0.9*float64(blockCount))
	wearBitmapStart := uint64(lo + gen.Intn(hi-lo+1))

	freeBytes, freeBlocks, wearBlocks := mapExtents(blockCount, blockSize)

	sb := Superblock{
		Version:         Version,
		FileSize:        uint64(f.FileSize()),
		BlockSize:       uint32(blockSize),
		BlockCount:      uint32(blockCount),
		CreateTime:      createTime,
		BitmapStart:     bitmapStart,
		WearBitmapStart: wearBitmapStart,
		BitmapSize:      uint64(freeBytes),
	}

	block, err := f.ReadBlock(0)
	if err != nil {
		f.Close()
		return nil, err
	}
	copy(block, sb.Marshal())
	hash := headerHash(block)

	seedOfCell := uint32(gen.Int31())
	rca.Encrypt(block, int64(seedOfCell), headerLevel)
	if err := f.Write(0, block); err != nil {
		f.Close()
		return nil, err
	}

	trailer := Trailer{ModifyTime: createTime, HeaderHash: hash, SeedOfCell: seedOfCell}
	trailerBlock := make([]byte, blockSize)
	copy(trailerBlock, trailer.Marshal())
	if err := f.Write(blockCount-1, trailerBlock); err != nil {
		f.Close()
		return nil, err
	}

	sys := systemBlocks(blockCount, bitmapStart, wearBitmapStart, freeBlocks, wearBlocks)
	alloc, err := bitmap.Format(f, bitmapStart, wearBitmapStart, blockCount, blockSize, sys)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.Printf("fsys: initialised %s: %d blocks of %d bytes, bitmap at %d, wear map at %d", path, blockCount, blockSize, bitmapStart, wearBitmapStart)
	return &FileSystem{f: f, Bitmap: alloc, log: logger, sb: sb, trailer: trailer}, nil
}

// Open opens an already-initialised host file, verifying the superblock's
// integrity hash before making it available.
func Open(path string, blockSize int, logger *log.Logger) (*FileSystem, error) {
	if logger == nil {
		logger = log.Default()
	}
	f, err := hostfile.Open(path, blockSize)
	if err != nil {
		return nil, err
	}
	blockCount := uint64(f.BlockCount())
	if blockCount < 4 {
		f.Close()
		return nil, xerrors.Errorf("host file has only %d blocks: %w", blockCount, bwtfs.ErrSizeTooSmall)
	}

	trailerBlock, err := f.ReadBlock(blockCount - 1)
	if err != nil {
		f.Close()
		return nil, err
	}
	trailer, err := UnmarshalTrailer(trailerBlock)
	if err != nil {
		f.Close()
		return nil, err
	}

	block, err := f.ReadBlock(0)
	if err != nil {
		f.Close()
		return nil, err
	}
	rca.Decrypt(block, int64(trailer.SeedOfCell), headerLevel)
	if got := headerHash(block); got != trailer.HeaderHash {
		f.Close()
		return nil, xerrors.Errorf("superblock hash mismatch (got %x, want %x): %w", got, trailer.HeaderHash, bwtfs.ErrIntegrity)
	}
	sb, err := UnmarshalSuperblock(block)
	if err != nil {
		f.Close()
		return nil, err
	}
	if sb.FileSize == 0 || sb.BlockSize == 0 || sb.BlockCount == 0 || sb.CreateTime == 0 {
		f.Close()
		return nil, xerrors.Errorf("superblock has zero-valued required field: %w", bwtfs.ErrIntegrity)
	}

	alloc, err := bitmap.Open(f, sb.BitmapStart, sb.WearBitmapStart, uint64(sb.BlockCount), int(sb.BlockSize), logger)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.Printf("fsys: opened %s: version %d, %d blocks, last modified %s", path, sb.Version, sb.BlockCount, time.Unix(int64(trailer.ModifyTime), 0))
	return &FileSystem{f: f, Bitmap: alloc, log: logger, sb: sb, trailer: trailer}, nil
}

// Read returns the raw contents of block idx.
func (fs *FileSystem) Read(idx uint64) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.f.ReadBlock(idx)
}

// Write stores buf (exactly one block) at idx and marks the trailer dirty;
// the modify-time stamp itself is only committed to disk on Flush, so a
// burst of writes costs one trailer rewrite instead of one per block.
func (fs *FileSystem) Write(idx uint64, buf []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.f.Write(idx, buf); err != nil {
		return err
	}
	fs.dirty = true
	return nil
}

// Flush commits a pending modify-time update to the trailer, if any.
func (fs *FileSystem) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirty {
		return nil
	}
	fs.trailer.ModifyTime = uint64(time.Now().Unix())
	block := make([]byte, fs.BlockSize())
	copy(block, fs.trailer.Marshal())
	if err := fs.f.Write(uint64(fs.sb.BlockCount)-1, block); err != nil {
		return err
	}
	fs.dirty = false
	return nil
}

// Check re-derives the superblock's hash from the on-disk ciphertext and
// reports whether it still matches the trailer's stored value.
func (fs *FileSystem) Check() (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	block, err := fs.f.ReadBlock(0)
	if err != nil {
		return false, err
	}
	rca.Decrypt(block, int64(fs.trailer.SeedOfCell), headerLevel)
	return headerHash(block) == fs.trailer.HeaderHash, nil
}

// Close flushes any pending trailer update and releases the host file.
func (fs *FileSystem) Close() error {
	if err := fs.Flush(); err != nil {
		fs.log.Printf("fsys: flush on close failed: %v", err)
	}
	return fs.f.Close()
}

func (fs *FileSystem) Version() uint8          { return fs.sb.Version }
func (fs *FileSystem) FileSize() uint64        { return fs.sb.FileSize }
func (fs *FileSystem) BlockSize() int          { return int(fs.sb.BlockSize) }
func (fs *FileSystem) BlockCount() uint64      { return uint64(fs.sb.BlockCount) }
func (fs *FileSystem) CreateTime() uint64      { return fs.sb.CreateTime }
func (fs *FileSystem) ModifyTime() uint64      { fs.mu.RLock(); defer fs.mu.RUnlock(); return fs.trailer.ModifyTime }

// UsedBytes returns the number of bytes currently allocated across the
// data region.
func (fs *FileSystem) UsedBytes() uint64 { return fs.Bitmap.UsedBytes() }

// FreeBytes returns the number of bytes not currently allocated.
func (fs *FileSystem) FreeBytes() uint64 {
	total := fs.BlockCount() * uint64(fs.BlockSize())
	used := fs.UsedBytes()
	if used > total {
		return 0
	}
	return total - used
}
