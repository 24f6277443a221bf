// Package token packs a root Entry into the fixed-length opaque string
// that is the only handle a caller gets to a stored object: without it,
// the object's blocks are statistically indistinguishable from the random
// padding surrounding every other block.
package token

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/entry"
	"github.com/zaoweiceng/bwtfs/internal/rca"
)

// alphabet is the 64-symbol encoding used for the masked root Entry: a
// byte outside this set anywhere in the entry segment signals corruption.
// Its '*' symbol is additionally rejected by Parse anywhere in a token.
const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789*-"

// rootSize is the width of the packed root Entry: bitmap:u64, start:u16,
// length:u16, seed:u16, level:u8 — deliberately omitting kind, since the
// root is always a Black node and Parse reports it as such.
const rootSize = 8 + 2 + 2 + 2 + 1

// entrySymbols is rootSize*8/6, the number of base-64-ish symbols needed
// to carry rootSize bytes at 6 bits per symbol.
const entrySymbols = rootSize * 8 / 6

// nonceChars is the length of base64(nonce:u64) with standard padding.
const nonceChars = 12

// Length is the fixed length of every token this package produces.
const Length = nonceChars + entrySymbols

var alphabetIndex = func() map[byte]int {
	m := make(map[byte]int, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		m[alphabet[i]] = i
	}
	return m
}()

func marshalRoot(e entry.Entry) []byte {
	b := make([]byte, rootSize)
	binary.LittleEndian.PutUint64(b[0:8], e.Bitmap)
	binary.LittleEndian.PutUint16(b[8:10], e.Start)
	binary.LittleEndian.PutUint16(b[10:12], e.Length)
	binary.LittleEndian.PutUint16(b[12:14], e.Seed)
	b[14] = e.Level
	return b
}

func unmarshalRoot(b []byte) entry.Entry {
	return entry.Entry{
		Bitmap: binary.LittleEndian.Uint64(b[0:8]),
		Kind:   entry.Black,
		Start:  binary.LittleEndian.Uint16(b[8:10]),
		Length: binary.LittleEndian.Uint16(b[10:12]),
		Seed:   binary.LittleEndian.Uint16(b[12:14]),
		Level:  b[14],
	}
}

// encode6 packs data's bits into a string of 6-bit alphabet symbols,
// most-significant-bit first.
func encode6(data []byte) string {
	nSym := len(data) * 8 / 6
	out := make([]byte, nSym)
	for i := 0; i < nSym; i++ {
		out[i] = alphabet[readBits(data, i*6, 6)]
	}
	return string(out)
}

// decode6 is the inverse of encode6, rejecting any byte outside alphabet.
func decode6(s string) ([]byte, error) {
	nBytes := len(s) * 6 / 8
	out := make([]byte, nBytes)
	for i := 0; i < len(s); i++ {
		v, ok := alphabetIndex[s[i]]
		if !ok {
			return nil, xerrors.Errorf("token: byte %q outside alphabet: %w", s[i], bwtfs.ErrMalformedToken)
		}
		writeBits(out, i*6, 6, byte(v))
	}
	return out, nil
}

func readBits(data []byte, bitStart, n int) byte {
	var v byte
	for i := 0; i < n; i++ {
		bit := bitStart + i
		byteIdx, bitIdx := bit/8, 7-bit%8
		var b byte
		if byteIdx < len(data) {
			b = (data[byteIdx] >> uint(bitIdx)) & 1
		}
		v = v<<1 | b
	}
	return v
}

func writeBits(out []byte, bitStart, n int, v byte) {
	for i := 0; i < n; i++ {
		bit := (v >> uint(n-1-i)) & 1
		if bit == 0 {
			continue
		}
		pos := bitStart + i
		byteIdx, bitIdx := pos/8, 7-pos%8
		out[byteIdx] |= 1 << uint(bitIdx)
	}
}

// Generate packs root into a token: the plaintext root Entry is RCA-masked
// with a fresh nonce drawn from wall-clock time, then the nonce and the
// masked bytes are each encoded and concatenated. If the encoded token
// would contain '*', the nonce is advanced by one and the masking redone
// until it does not. The nonce is stored in
// full as a u64, but the RCA seed itself is narrowed to its low 32 bits;
// two tokens for distinct Entries generated within the same second can
// therefore share a seed, which is harmless since Entries are unique per
// allocation regardless of seed collisions.
func Generate(root entry.Entry) string {
	nonce := uint64(time.Now().Unix())
	for {
		seed := int64(uint32(nonce))

		plain := marshalRoot(root)
		rca.Encrypt(plain, seed, 1)

		var nonceBytes [8]byte
		binary.LittleEndian.PutUint64(nonceBytes[:], nonce)
		nonceStr := strings.ReplaceAll(base64.StdEncoding.EncodeToString(nonceBytes[:]), "=", "_")

		tok := nonceStr + encode6(plain)
		if !strings.ContainsRune(tok, '*') {
			return tok
		}
		nonce++
	}
}

// Parse inverts Generate, returning bwtfs.ErrMalformedToken for the wrong
// length or for a token carrying a literal '*': that character is reserved
// as a tombstone marker for a blanked-out token and is never produced by
// Generate, even though it is itself a valid alphabet symbol.
func Parse(tok string) (entry.Entry, error) {
	if len(tok) != Length {
		return entry.Entry{}, xerrors.Errorf("token length %d, want %d: %w", len(tok), Length, bwtfs.ErrMalformedToken)
	}
	if strings.ContainsRune(tok, '*') {
		return entry.Entry{}, xerrors.Errorf("token contains a tombstone marker: %w", bwtfs.ErrMalformedToken)
	}

	nonceStr := strings.ReplaceAll(tok[:nonceChars], "_", "=")
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil || len(nonceBytes) != 8 {
		return entry.Entry{}, xerrors.Errorf("token nonce segment malformed: %w", bwtfs.ErrMalformedToken)
	}
	nonce := binary.LittleEndian.Uint64(nonceBytes)
	seed := int64(uint32(nonce))

	plain, err := decode6(tok[nonceChars:])
	if err != nil {
		return entry.Entry{}, err
	}
	rca.Decrypt(plain, seed, 1)
	return unmarshalRoot(plain), nil
}
