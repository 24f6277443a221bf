package fsys

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
)

// superblockSize is the fixed width of the plaintext superblock fields;
// the remainder of block 0 is random padding carried through encryption
// unread.
const superblockSize = 1 + 8 + 4 + 4 + 8 + 8 + 8 + 8

// Superblock holds the file-wide metadata kept, encrypted, in block 0.
type Superblock struct {
	Version         uint8
	FileSize        uint64
	BlockSize       uint32
	BlockCount      uint32
	CreateTime      uint64
	BitmapStart     uint64
	WearBitmapStart uint64
	BitmapSize      uint64
}

// Marshal encodes sb into its fixed-width wire form.
func (sb Superblock) Marshal() []byte {
	b := make([]byte, superblockSize)
	b[0] = sb.Version
	binary.LittleEndian.PutUint64(b[1:9], sb.FileSize)
	binary.LittleEndian.PutUint32(b[9:13], sb.BlockSize)
	binary.LittleEndian.PutUint32(b[13:17], sb.BlockCount)
	binary.LittleEndian.PutUint64(b[17:25], sb.CreateTime)
	binary.LittleEndian.PutUint64(b[25:33], sb.BitmapStart)
	binary.LittleEndian.PutUint64(b[33:41], sb.WearBitmapStart)
	binary.LittleEndian.PutUint64(b[41:49], sb.BitmapSize)
	return b
}

// UnmarshalSuperblock decodes the fixed-width superblock fields from the
// front of b, ignoring trailing random padding.
func UnmarshalSuperblock(b []byte) (Superblock, error) {
	if len(b) < superblockSize {
		return Superblock{}, xerrors.Errorf("superblock: short buffer (%d bytes): %w", len(b), bwtfs.ErrIntegrity)
	}
	return Superblock{
		Version:         b[0],
		FileSize:        binary.LittleEndian.Uint64(b[1:9]),
		BlockSize:       binary.LittleEndian.Uint32(b[9:13]),
		BlockCount:      binary.LittleEndian.Uint32(b[13:17]),
		CreateTime:      binary.LittleEndian.Uint64(b[17:25]),
		BitmapStart:     binary.LittleEndian.Uint64(b[25:33]),
		WearBitmapStart: binary.LittleEndian.Uint64(b[33:41]),
		BitmapSize:      binary.LittleEndian.Uint64(b[41:49]),
	}, nil
}

// trailerSize is the fixed width of the plaintext trailer fields.
const trailerSize = 8 + 8 + 4

// Trailer holds the auth block kept, plaintext, in the last block of the
// host file: the superblock's decryption seed and its integrity hash.
type Trailer struct {
	ModifyTime uint64
	HeaderHash uint64
	SeedOfCell uint32
}

// Marshal encodes t into its fixed-width wire form.
func (t Trailer) Marshal() []byte {
	b := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(b[0:8], t.ModifyTime)
	binary.LittleEndian.PutUint64(b[8:16], t.HeaderHash)
	binary.LittleEndian.PutUint32(b[16:20], t.SeedOfCell)
	return b
}

// UnmarshalTrailer decodes the fixed-width trailer fields from the front
// of b, ignoring trailing zero padding.
func UnmarshalTrailer(b []byte) (Trailer, error) {
	if len(b) < trailerSize {
		return Trailer{}, xerrors.Errorf("trailer: short buffer (%d bytes): %w", len(b), bwtfs.ErrIntegrity)
	}
	return Trailer{
		ModifyTime: binary.LittleEndian.Uint64(b[0:8]),
		HeaderHash: binary.LittleEndian.Uint64(b[8:16]),
		SeedOfCell: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}
