// Package bwtfs implements a single-file, privacy-preserving,
// content-addressed block store: data is split across many encrypted
// blocks of a fixed-size host file, and the only record of where those
// blocks live is the opaque access token returned to the caller.
package bwtfs

import "golang.org/x/xerrors"

// BlockSize is the default size, in bytes, of one addressable block.
const BlockSize = 4096

// MinSystemFileSize is the smallest host file bwtfs will format. Below
// this there is no room for a superblock, trailer, and the bitmap/wear-map
// regions that reference the reserved blocks.
const MinSystemFileSize = 64 * BlockSize

// Sentinel errors, one per error kind named in the design. Packages wrap
// these with xerrors.Errorf("...: %w", ErrX) so callers can still use
// errors.Is after the wrap.
var (
	// ErrIO covers failed host file reads/writes, a missing host file, or
	// failure to create one.
	ErrIO = xerrors.New("bwtfs: io error")

	// ErrOutOfRange covers a block index >= block count, or an Entry
	// offset >= block size.
	ErrOutOfRange = xerrors.New("bwtfs: out of range")

	// ErrIntegrity covers a superblock hash mismatch on open, a token
	// decoding to an Entry of neither WHITE nor BLACK kind, or an Entry
	// pointing at a block whose free-bit is not set.
	ErrIntegrity = xerrors.New("bwtfs: integrity error")

	// ErrOutOfSpace is returned when the allocator has no free block left.
	ErrOutOfSpace = xerrors.New("bwtfs: out of space")

	// ErrMalformedToken covers a token of the wrong length or one
	// containing the historical failure sentinel '*'.
	ErrMalformedToken = xerrors.New("bwtfs: malformed token")

	// ErrSizeTooSmall is returned when a format request is below
	// MinSystemFileSize.
	ErrSizeTooSmall = xerrors.New("bwtfs: size too small")

	// ErrConflict is returned when the caller attempts to clear a system
	// block (one the allocator must never give back).
	ErrConflict = xerrors.New("bwtfs: conflict")
)
