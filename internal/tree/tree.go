// Package tree implements the BW-tree ingestion pipeline and its matching
// read and delete paths: an object is a downward-only tree of White (data)
// and Black (index) nodes, reached from a single root Entry packed into a
// token.
package tree

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"log"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/entry"
	"github.com/zaoweiceng/bwtfs/internal/fsys"
	"github.com/zaoweiceng/bwtfs/internal/node"
	"github.com/zaoweiceng/bwtfs/internal/token"
	"github.com/zaoweiceng/bwtfs/internal/txwriter"
)

// levelRange bounds the number of RCA rounds drawn for any one node: every
// node gets at least one round, and never more than three, keeping
// encryption cost bounded while still varying per node.
const levelRange = 3

// Writer ingests a byte stream into a committed object, running its build
// task as a background goroutine fed by the caller's Write calls.
type Writer struct {
	tw  *txwriter.Writer
	log *log.Logger

	blockSize  int
	blackCap   int
	nodeQueue  chan []byte
	streamRand *rand.Rand
	streamMu   sync.Mutex

	eg    *errgroup.Group
	accum *entry.List // root accumulator, set by buildLoop once it drains
	root  entry.Entry
	token string
}

// New starts a Writer bound to fsh, allocating blocks through fsh.Bitmap
// via a fresh transaction writer.
func New(fsh *fsys.FileSystem, logger *log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.Default()
	}
	var seedBuf [8]byte
	if _, err := cryptorand.Read(seedBuf[:]); err != nil {
		return nil, xerrors.Errorf("drawing tree identity seed: %w", bwtfs.ErrIO)
	}
	identity := int64(binary.LittleEndian.Uint64(seedBuf[:]))

	blockSize := fsh.BlockSize()
	w := &Writer{
		tw:         txwriter.New(fsh, fsh.Bitmap),
		log:        logger,
		blockSize:  blockSize,
		blackCap:   node.Capacity(blockSize),
		nodeQueue:  make(chan []byte, 8),
		streamRand: rand.New(rand.NewSource(identity)),
	}
	w.eg = &errgroup.Group{}
	w.eg.Go(w.buildLoop)
	logger.Printf("tree: started writer, block size %d, black capacity %d entries", blockSize, w.blackCap)
	return w, nil
}

// draw returns the next (seed, level) pair from the tree's replenishing
// deterministic random stream.
func (w *Writer) draw() (uint16, uint8) {
	w.streamMu.Lock()
	defer w.streamMu.Unlock()
	seed := uint16(w.streamRand.Intn(1 << 16))
	level := uint8(w.streamRand.Intn(levelRange) + 1)
	return seed, level
}

// Write slices data into node-sized buffers (capacity blockSize-1),
// enqueueing each one for the build task. The last buffer of a call is
// enqueued even when it is shorter than blockSize-1; its bytes are not
// topped up by a later Write, which starts a new node. Call from a single
// goroutine; intake itself is not safe for concurrent callers. Cancelling
// ctx aborts intake before every chunk is enqueued, so a large Write can be
// interrupted instead of running to completion.
func (w *Writer) Write(ctx context.Context, data []byte) error {
	maxLen := w.blockSize - 1
	for len(data) > 0 {
		select {
		case <-ctx.Done():
			w.log.Printf("tree: write interrupted: %v", ctx.Err())
			return ctx.Err()
		default:
		}
		n := len(data)
		if n > maxLen {
			n = maxLen
		}
		buf := append([]byte(nil), data[:n]...)
		w.nodeQueue <- buf
		data = data[n:]
	}
	return nil
}

// buildLoop is the background build task: it turns queued buffers into
// White nodes, accumulates their Entries into a Black node, and spills a
// Black node to disk whenever it fills.
func (w *Writer) buildLoop() error {
	accum := entry.NewList()
	var index uint8
	for buf := range w.nodeQueue {
		seed, level := w.draw()
		block, frame, err := node.EncodeWhite(w.blockSize, index, buf, seed, level)
		if err != nil {
			w.log.Printf("tree: encoding white node failed: %v", err)
			return err
		}
		idx, err := w.tw.Write(block)
		if err != nil {
			w.log.Printf("tree: writing white node failed: %v", err)
			return err
		}
		accum.Add(entry.Entry{Bitmap: idx, Kind: entry.White, Start: frame.Start, Length: frame.Length, Seed: seed, Level: level})
		index++

		if accum.ByteLen() >= w.blackCap*entry.Size {
			next, err := w.spillBlack(accum, index)
			if err != nil {
				w.log.Printf("tree: spilling black node failed: %v", err)
				return err
			}
			accum = next
			index = 1
		}
	}
	w.accum = accum
	return nil
}

// spillBlack shuffles and writes the current Black accumulator, returning
// a fresh accumulator whose sole Entry describes the block just written.
func (w *Writer) spillBlack(accum *entry.List, ordinal uint8) (*entry.List, error) {
	accum.Shuffle(w.shuffleRand())
	seed, level := w.draw()
	block, frame, err := node.EncodeBlack(w.blockSize, ordinal, accum, seed, level)
	if err != nil {
		return nil, err
	}
	idx, err := w.tw.Write(block)
	if err != nil {
		return nil, err
	}
	next := entry.NewList()
	next.Add(entry.Entry{Bitmap: idx, Kind: entry.Black, Start: frame.Start, Length: frame.Length, Seed: seed, Level: level})
	w.log.Printf("tree: spilled black node at block %d, %d entries", idx, accum.Len())
	return next, nil
}

func (w *Writer) shuffleRand() func(int) int {
	w.streamMu.Lock()
	defer w.streamMu.Unlock()
	r := w.streamRand
	return func(n int) int { return r.Intn(n) }
}

// Flush closes the intake side, waits for the build task to drain,
// serialises the root Black node, commits every written block via the
// transaction writer, and returns the resulting token. If ctx is already
// cancelled once the build task drains, Flush returns ctx.Err() without
// committing, leaving the written blocks unreachable from any token.
func (w *Writer) Flush(ctx context.Context) (string, error) {
	close(w.nodeQueue)
	if err := w.eg.Wait(); err != nil {
		w.log.Printf("tree: build task failed: %v", err)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		w.log.Printf("tree: flush interrupted before commit: %v", err)
		return "", err
	}
	accum := w.accum
	accum.Shuffle(w.shuffleRand())
	seed, level := w.draw()
	block, frame, err := node.EncodeBlack(w.blockSize, 0, accum, seed, level)
	if err != nil {
		return "", err
	}
	idx, err := w.tw.Write(block)
	if err != nil {
		w.log.Printf("tree: writing root node failed: %v", err)
		return "", err
	}
	w.root = entry.Entry{Bitmap: idx, Kind: entry.Black, Start: frame.Start, Length: frame.Length, Seed: seed, Level: level}

	w.tw.Finish()
	if err := w.tw.Commit(); err != nil {
		w.log.Printf("tree: commit failed: %v", err)
		return "", err
	}
	w.token = token.Generate(w.root)
	w.log.Printf("tree: flushed, root block %d, token minted", idx)
	return w.token, nil
}
