// Package node implements the White and Black node block framings: a
// payload (raw data for White, a shuffled entry.List for Black) placed at
// a random offset inside a block, padded with random bytes on both sides,
// and optionally wrapped in N rounds of RCA encryption.
package node

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/buffer"
	"github.com/zaoweiceng/bwtfs/internal/entry"
	"github.com/zaoweiceng/bwtfs/internal/rca"
)

// headerLen is the one-byte ordinal index that precedes the random pad in
// every block, used only as a sanity check by readers: the authoritative
// order of children comes from the parent's Entry order.
const headerLen = 1

// Frame describes where a payload has been placed inside an otherwise
// randomly padded block.
type Frame struct {
	Start  uint16
	Length uint16
}

// Encode places payload at a random offset inside a block-sized buffer of
// random bytes, recording index (the ordinal position of this node in its
// parent's child list, mod 256) in the first byte. If level > 0, the
// resulting block is RCA-encrypted in place with the given seed.
func Encode(blockSize int, index uint8, payload []byte, seed uint16, level uint8) ([]byte, Frame, error) {
	maxPayload := blockSize - headerLen
	if len(payload) > maxPayload {
		return nil, Frame{}, xerrors.Errorf("payload of %d bytes exceeds block capacity %d: %w", len(payload), maxPayload, bwtfs.ErrOutOfRange)
	}
	raw := make([]byte, blockSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, Frame{}, xerrors.Errorf("generating random padding: %w", bwtfs.ErrIO)
	}
	buf := buffer.FromBytes(raw)
	buf.Set(0, index)

	maxStart := maxPayload - len(payload)
	start := headerLen
	if maxStart > 0 {
		r, err := rand.Int(rand.Reader, big.NewInt(int64(maxStart+1)))
		if err != nil {
			return nil, Frame{}, xerrors.Errorf("choosing random offset: %w", bwtfs.ErrIO)
		}
		start = headerLen + int(r.Int64())
	}
	buf.Write(start, payload)

	block := buf.Bytes()
	if level > 0 {
		rca.Encrypt(block, int64(seed), int(level))
	}
	return block, Frame{Start: uint16(start), Length: uint16(len(payload))}, nil
}

// Decode decrypts (if level > 0) and extracts the payload described by
// frame from an on-disk block.
func Decode(block []byte, frame Frame, seed uint16, level uint8) ([]byte, error) {
	buf := buffer.FromBytes(append([]byte(nil), block...))
	plain := buf.Bytes()
	if level > 0 {
		rca.Decrypt(plain, int64(seed), int(level))
	}
	end := int(frame.Start) + int(frame.Length)
	if end > buf.Len() || int(frame.Start) >= buf.Len() {
		return nil, xerrors.Errorf("payload [%d,%d) out of range for block of %d bytes: %w", frame.Start, end, buf.Len(), bwtfs.ErrOutOfRange)
	}
	return buf.Slice(int(frame.Start), int(frame.Length)), nil
}

// EncodeWhite builds a White node block holding a raw data payload.
func EncodeWhite(blockSize int, index uint8, payload []byte, seed uint16, level uint8) ([]byte, Frame, error) {
	return Encode(blockSize, index, payload, seed, level)
}

// DecodeWhite extracts a White node's raw data payload.
func DecodeWhite(block []byte, frame Frame, seed uint16, level uint8) ([]byte, error) {
	return Decode(block, frame, seed, level)
}

// EncodeBlack builds a Black node block holding a shuffled entry.List. The
// caller is responsible for having shuffled l already; EncodeBlack only
// serialises its current order.
func EncodeBlack(blockSize int, index uint8, l *entry.List, seed uint16, level uint8) ([]byte, Frame, error) {
	return Encode(blockSize, index, l.Marshal(), seed, level)
}

// DecodeBlack decrypts a Black node block and parses its entry.List. The
// number of Entries is taken as frame.Length / entry.Size.
func DecodeBlack(block []byte, frame Frame, seed uint16, level uint8) (*entry.List, error) {
	payload, err := Decode(block, frame, seed, level)
	if err != nil {
		return nil, err
	}
	if int(frame.Length)%entry.Size != 0 {
		return nil, xerrors.Errorf("black node payload length %d is not a multiple of entry size %d: %w", frame.Length, entry.Size, bwtfs.ErrIntegrity)
	}
	return entry.UnmarshalList(payload, int(frame.Length)/entry.Size)
}

// Capacity returns the maximum number of Entries a Black node can hold
// without exceeding blockSize-1 bytes of entry body, per the strict
// interpretation of "full": cannot grow beyond B-1 bytes of Entry body.
func Capacity(blockSize int) int {
	return (blockSize - 1) / entry.Size
}

