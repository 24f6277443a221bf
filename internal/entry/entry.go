// Package entry implements the fixed-size descriptor that links a parent
// Black node to one child block, and the shuffled list of such descriptors
// a Black node carries.
package entry

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
)

// Kind identifies whether an Entry's child block is a White (data) node or
// a Black (index) node.
type Kind uint8

const (
	White Kind = 0
	Black Kind = 1
)

// Size is the fixed on-disk width of one Entry: bitmap:u64, kind:u8,
// start:u16, length:u16, seed:u16, level:u8.
const Size = 8 + 1 + 2 + 2 + 2 + 1

// Entry describes one child block: it lives at physical block Bitmap, its
// payload occupies [Start, Start+Length) of that block, and if Level > 0
// the block must be decrypted Level times using the seed chain derived
// from Seed before the payload can be read.
type Entry struct {
	Bitmap uint64
	Kind   Kind
	Start  uint16
	Length uint16
	Seed   uint16
	Level  uint8
}

// Marshal encodes e into its fixed 16-byte wire form.
func (e Entry) Marshal() []byte {
	b := make([]byte, Size)
	binary.LittleEndian.PutUint64(b[0:8], e.Bitmap)
	b[8] = byte(e.Kind)
	binary.LittleEndian.PutUint16(b[9:11], e.Start)
	binary.LittleEndian.PutUint16(b[11:13], e.Length)
	binary.LittleEndian.PutUint16(b[13:15], e.Seed)
	b[15] = e.Level
	return b
}

// Unmarshal decodes a 16-byte Entry, validating its Kind.
func Unmarshal(b []byte) (Entry, error) {
	if len(b) < Size {
		return Entry{}, xerrors.Errorf("entry: short buffer (%d bytes): %w", len(b), bwtfs.ErrIntegrity)
	}
	k := Kind(b[8])
	if k != White && k != Black {
		return Entry{}, xerrors.Errorf("entry: kind %d is neither WHITE nor BLACK: %w", k, bwtfs.ErrIntegrity)
	}
	return Entry{
		Bitmap: binary.LittleEndian.Uint64(b[0:8]),
		Kind:   k,
		Start:  binary.LittleEndian.Uint16(b[9:11]),
		Length: binary.LittleEndian.Uint16(b[11:13]),
		Seed:   binary.LittleEndian.Uint16(b[13:15]),
		Level:  b[15],
	}, nil
}

// List is an ordered collection of Entries, as carried inside a Black
// node's payload. On-disk order need not equal logical order once
// Shuffle has been applied — the order actually written to disk becomes
// authoritative for child lookups.
type List struct {
	entries []Entry
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

// Add appends e to the list.
func (l *List) Add(e Entry) { l.entries = append(l.entries, e) }

// Len returns the number of entries.
func (l *List) Len() int { return len(l.entries) }

// At returns the entry at index i.
func (l *List) At(i int) Entry { return l.entries[i] }

// All returns the entries in their current (possibly shuffled) order.
func (l *List) All() []Entry { return l.entries }

// ByteLen returns the number of bytes the list occupies on disk.
func (l *List) ByteLen() int { return len(l.entries) * Size }

// Shuffle randomises the on-disk order of the entries. Logical identity of
// each entry is unaffected — child lookups rely on the order actually
// stored, not on insertion order.
func (l *List) Shuffle(rnd func(n int) int) {
	for i := len(l.entries) - 1; i > 0; i-- {
		j := rnd(i + 1)
		l.entries[i], l.entries[j] = l.entries[j], l.entries[i]
	}
}

// Marshal concatenates every entry's wire form in the list's current
// order.
func (l *List) Marshal() []byte {
	out := make([]byte, 0, l.ByteLen())
	for _, e := range l.entries {
		out = append(out, e.Marshal()...)
	}
	return out
}

// UnmarshalList decodes n consecutive entries from b, in order.
func UnmarshalList(b []byte, n int) (*List, error) {
	l := &List{entries: make([]Entry, 0, n)}
	for i := 0; i < n; i++ {
		off := i * Size
		if off+Size > len(b) {
			return nil, xerrors.Errorf("entry list: short buffer for %d entries: %w", n, bwtfs.ErrIntegrity)
		}
		e, err := Unmarshal(b[off : off+Size])
		if err != nil {
			return nil, err
		}
		l.entries = append(l.entries, e)
	}
	return l, nil
}
