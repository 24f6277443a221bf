// Package bitmap implements the dual free-map/wear-map allocator: a
// shuffled, wear-sorted candidate list hands out low-wear free blocks while
// randomising among ties, and periodic wear-balancing keeps the wear
// counters from saturating without reordering relative wear.
package bitmap

import (
	"log"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
)

// file is the narrow slice of hostfile.File the allocator depends on,
// letting tests fake it without a real on-disk file.
type file interface {
	Read(idx uint64, n int) ([]byte, error)
	Write(idx uint64, buf []byte) error
}

// candidate is one entry in the shuffled, wear-sorted free-list.
type candidate struct {
	index uint64
	used  bool
	wear  uint8
}

// Allocator owns the free-map and wear-map regions of a host file.
type Allocator struct {
	mu sync.Mutex

	f file
	log *log.Logger

	freeStart uint64 // block index where the free-map region starts
	wearStart uint64 // block index where the wear-map region starts
	blockSize int
	count     uint64 // number of addressable blocks the maps describe

	free []byte // one bit per block
	wear []byte // one byte per block

	candidates []candidate
	ptr        int
}

// Open loads the free-map and wear-map regions of an already-formatted
// host file.
func Open(f file, freeStart, wearStart, count uint64, blockSize int, logger *log.Logger) (*Allocator, error) {
	if logger == nil {
		logger = log.Default()
	}
	freeBytes := int((count + 7) / 8)
	freeBlocks := freeBytes/blockSize + 1
	wearBlocks := int(count)/blockSize + 1

	freeBuf, err := f.Read(freeStart, freeBlocks)
	if err != nil {
		return nil, xerrors.Errorf("reading free map: %w", err)
	}
	wearBuf, err := f.Read(wearStart, wearBlocks)
	if err != nil {
		return nil, xerrors.Errorf("reading wear map: %w", err)
	}
	a := &Allocator{
		f:         f,
		log:       logger,
		freeStart: freeStart,
		wearStart: wearStart,
		blockSize: blockSize,
		count:     count,
		free:      freeBuf[:freeBytes],
		wear:      wearBuf[:count],
	}
	a.rebuild()
	return a, nil
}

// Get reports whether block i is marked used.
func (a *Allocator) Get(i uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.get(i)
}

func (a *Allocator) get(i uint64) (bool, error) {
	if i >= a.count {
		return false, xerrors.Errorf("block %d: %w", i, bwtfs.ErrOutOfRange)
	}
	byteIdx, bitIdx := i/8, i%8
	return (a.free[byteIdx]>>bitIdx)&1 == 1, nil
}

// WearOf returns the wear counter for block i.
func (a *Allocator) WearOf(i uint64) (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= a.count {
		return 0, xerrors.Errorf("block %d: %w", i, bwtfs.ErrOutOfRange)
	}
	return a.wear[i], nil
}

// Set marks block i used, bumps its wear counter, and triggers
// wear-balancing once the counter enters the [250,254) rebalance band.
// Wear counters at 255 mark permanent system blocks and are never bumped.
func (a *Allocator) Set(i uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setFreeBit(i); err != nil {
		return err
	}
	if err := a.saveFree(); err != nil {
		return err
	}
	w := a.wear[i]
	if w >= 254 {
		a.log.Printf("bitmap: attempt to bump wear on system block %d", i)
		return a.saveWear()
	}
	w++
	a.wear[i] = w
	if w >= 250 && w < 254 {
		a.wearBalance()
	}
	return a.saveWear()
}

func (a *Allocator) setFreeBit(i uint64) error {
	if i >= a.count {
		return xerrors.Errorf("block %d: %w", i, bwtfs.ErrOutOfRange)
	}
	byteIdx, bitIdx := i/8, i%8
	a.free[byteIdx] |= 1 << bitIdx
	return nil
}

// Clear marks block i free, refusing (ErrConflict) if it is a system block.
func (a *Allocator) Clear(i uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= a.count {
		return xerrors.Errorf("block %d: %w", i, bwtfs.ErrOutOfRange)
	}
	if a.wear[i] >= 254 {
		a.log.Printf("bitmap: refusing to clear system block %d", i)
		return xerrors.Errorf("block %d: %w", i, bwtfs.ErrConflict)
	}
	byteIdx, bitIdx := i/8, i%8
	a.free[byteIdx] &^= 1 << bitIdx
	return a.saveFree()
}

// wearBalance subtracts (min_wear-1) from every non-system wear counter,
// preserving their relative order while keeping them bounded.
func (a *Allocator) wearBalance() {
	a.log.Printf("bitmap: running wear balance")
	min := uint8(255)
	for i := uint64(0); i < a.count; i++ {
		if w := a.wear[i]; w < min {
			min = w
		}
	}
	if min == 0 {
		return
	}
	for i := uint64(0); i < a.count; i++ {
		if a.wear[i] < 254 {
			a.wear[i] -= min - 1
		}
	}
}

// UsedBytes returns the number of bytes currently allocated, bounded to
// the first count blocks.
func (a *Allocator) UsedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var used uint64
	for i := uint64(0); i < a.count; i++ {
		byteIdx, bitIdx := i/8, i%8
		if (a.free[byteIdx]>>bitIdx)&1 == 1 {
			used++
		}
	}
	return used * uint64(a.blockSize)
}

// rebuild recomputes the shuffled, wear-sorted candidate list: every block
// is recorded, shuffled pseudorandomly, then stably sorted so free blocks
// precede used ones and, within each group, lower wear precedes higher
// wear. This yields a next-fit order that prefers low-wear free blocks
// while randomising among ties.
func (a *Allocator) rebuild() {
	cs := make([]candidate, a.count)
	for i := uint64(0); i < a.count; i++ {
		byteIdx, bitIdx := i/8, i%8
		used := (a.free[byteIdx]>>bitIdx)&1 == 1
		cs[i] = candidate{index: i, used: used, wear: a.wear[i]}
	}
	rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].used != cs[j].used {
			return !cs[i].used
		}
		return cs[i].wear < cs[j].wear
	})
	a.candidates = cs
	a.ptr = 0
}

// GetFreeBlock returns the index of a free block, or the sentinel 0 if
// none is available (block 0 always holds the superblock and is never a
// valid allocation, so 0 is unambiguous as "no space").
func (a *Allocator) GetFreeBlock() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getFreeBlock(false)
}

func (a *Allocator) getFreeBlock(retried bool) uint64 {
	if a.ptr >= len(a.candidates) {
		a.rebuild()
		if a.ptr >= len(a.candidates) {
			a.log.Printf("bitmap: no free block available")
			return 0
		}
	}
	c := a.candidates[a.ptr]
	a.ptr++
	used, err := a.get(c.index)
	if err != nil || used {
		if retried {
			a.log.Printf("bitmap: block %d already used, out of space", c.index)
			return 0
		}
		a.rebuild()
		return a.getFreeBlock(true)
	}
	return c.index
}

func (a *Allocator) saveFree() error {
	return a.f.Write(a.freeStart, padToBlocks(a.free, a.blockSize))
}

func (a *Allocator) saveWear() error {
	return a.f.Write(a.wearStart, padToBlocks(a.wear, a.blockSize))
}

func padToBlocks(b []byte, blockSize int) []byte {
	n := (len(b) + blockSize - 1) / blockSize * blockSize
	if n == len(b) {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Format initialises the free-map and wear-map for a freshly created host
// file: every block starts free and unworn except the explicitly reserved
// system blocks, which are marked used with wear 255 so they can never be
// reallocated or cleared.
func Format(f file, freeStart, wearStart, count uint64, blockSize int, system []uint64) (*Allocator, error) {
	freeBytes := int((count + 7) / 8)
	a := &Allocator{
		f:         f,
		log:       log.Default(),
		freeStart: freeStart,
		wearStart: wearStart,
		blockSize: blockSize,
		count:     count,
		free:      make([]byte, freeBytes),
		wear:      make([]byte, count),
	}
	for _, i := range system {
		if i >= count {
			continue
		}
		byteIdx, bitIdx := i/8, i%8
		a.free[byteIdx] |= 1 << bitIdx
		a.wear[i] = 255
	}
	if err := a.saveFree(); err != nil {
		return nil, err
	}
	if err := a.saveWear(); err != nil {
		return nil, err
	}
	a.rebuild()
	return a, nil
}
