package bwtfs

import (
	"context"
	"log"

	"github.com/zaoweiceng/bwtfs/internal/bootstrap"
	"github.com/zaoweiceng/bwtfs/internal/fsys"
	"github.com/zaoweiceng/bwtfs/internal/tree"
)

// Store is the top-level handle most callers want: a single open host
// file plus the operations needed to put, get, and delete objects in it.
type Store struct {
	fs  *fsys.FileSystem
	log *log.Logger
}

// Create formats a brand new host file at path and opens it as a Store.
// size is the total usable size of the host file in bytes; carrierPath, if
// non-empty, is prepended verbatim so the result looks like that file with
// bwtfs data appended after it.
func Create(path string, size int64, blockSize int, carrierPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	fs, err := bootstrap.Format(bootstrap.Options{
		Path:        path,
		Size:        size,
		BlockSize:   blockSize,
		CarrierPath: carrierPath,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Store{fs: fs, log: logger}, nil
}

// Open opens an already-formatted host file.
func Open(path string, blockSize int, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	fs, err := fsys.Open(path, blockSize, logger)
	if err != nil {
		return nil, err
	}
	return &Store{fs: fs, log: logger}, nil
}

// Close flushes pending metadata and releases the host file.
func (s *Store) Close() error { return s.fs.Close() }

// UsedBytes and FreeBytes report current allocator occupancy.
func (s *Store) UsedBytes() uint64 { return s.fs.UsedBytes() }
func (s *Store) FreeBytes() uint64 { return s.fs.FreeBytes() }

// Put ingests data as a new object and returns its access token. The
// token is the only record of the object's location; losing it makes the
// object unreachable even though its blocks remain allocated. Cancelling
// ctx (e.g. via Ctrl-C during a large put) aborts the ingestion before it
// commits, leaving no new token reachable.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	w, err := tree.New(s.fs, s.log)
	if err != nil {
		return "", err
	}
	if err := w.Write(ctx, data); err != nil {
		return "", err
	}
	return w.Flush(ctx)
}

// Get reads back the full object named by token.
func (s *Store) Get(token string) ([]byte, error) {
	return tree.ReadAll(s.fs, token)
}

// GetRange reads up to n bytes of the object named by token, starting at
// offset. It returns a short read rather than an error when the object
// ends before offset+n.
func (s *Store) GetRange(token string, offset, n int) ([]byte, error) {
	return tree.ReadAt(s.fs, token, offset, n)
}

// Delete frees every block reachable from token. The token itself is not
// stored anywhere by bwtfs, so forgetting it is equivalent to deleting the
// object except that its blocks stay allocated: only Delete clears them,
// and wear-levelling never does.
func (s *Store) Delete(token string) error {
	return tree.Delete(s.fs, s.fs.Bitmap, token)
}
