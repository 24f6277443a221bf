// Package txwriter decouples writing ciphertext from marking it allocated,
// giving crash-atomicity: a tree's blocks only become reachable once every
// one of its writes has landed and Commit has run. Until then a crash
// leaves behind unreferenced ciphertext, never a half-built object.
package txwriter

import (
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/bitmap"
	"github.com/zaoweiceng/bwtfs/internal/fsys"
)

type job struct {
	idx   uint64
	block []byte
}

// Writer is a per-tree background writer with a data queue (ciphertext
// waiting to be written) and a commit queue (blocks whose write has
// completed but whose bitmap bit is not yet set).
type Writer struct {
	fs    *fsys.FileSystem
	alloc *bitmap.Allocator

	data   chan job
	commit chan uint64
	eg     *errgroup.Group

	mu        sync.Mutex
	committed []uint64
}

// New starts a Writer's background write and collect tasks. Callers must
// eventually call Finish then Commit exactly once.
func New(fs *fsys.FileSystem, alloc *bitmap.Allocator) *Writer {
	w := &Writer{
		fs:     fs,
		alloc:  alloc,
		data:   make(chan job, 64),
		commit: make(chan uint64, 64),
		eg:     &errgroup.Group{},
	}
	w.eg.Go(w.writeLoop)
	w.eg.Go(w.collectLoop)
	return w
}

// writeLoop drains the data queue, writing each block to the filesystem
// and forwarding its index to the commit queue. An I/O error is recorded
// but does not stop the drain: producers must never block forever on a
// channel nobody is reading.
func (w *Writer) writeLoop() error {
	defer close(w.commit)
	var firstErr error
	for j := range w.data {
		if firstErr != nil {
			continue
		}
		if err := w.fs.Write(j.idx, j.block); err != nil {
			firstErr = xerrors.Errorf("transaction writer: writing block %d: %w", j.idx, err)
			continue
		}
		w.commit <- j.idx
	}
	return firstErr
}

func (w *Writer) collectLoop() error {
	for idx := range w.commit {
		w.mu.Lock()
		w.committed = append(w.committed, idx)
		w.mu.Unlock()
	}
	return nil
}

// Write asks the allocator for a free block, hands block off to the
// background writer, and returns the block's index without marking it
// allocated: bitmap bits are set only by Commit.
func (w *Writer) Write(block []byte) (uint64, error) {
	idx := w.alloc.GetFreeBlock()
	if idx == 0 {
		return 0, bwtfs.ErrOutOfSpace
	}
	w.data <- job{idx: idx, block: block}
	return idx, nil
}

// Finish signals that no more blocks will be written, closing the data
// queue so the background tasks can drain and exit.
func (w *Writer) Finish() {
	close(w.data)
}

// Commit waits for the background writer to drain, then sets the bitmap
// bit for every block that was actually written. Call exactly once, after
// Finish, at tree flush.
func (w *Writer) Commit() error {
	if err := w.eg.Wait(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, idx := range w.committed {
		if err := w.alloc.Set(idx); err != nil {
			return xerrors.Errorf("transaction writer: committing block %d: %w", idx, err)
		}
	}
	return nil
}
