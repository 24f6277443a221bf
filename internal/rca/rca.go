// Package rca implements the reversible cellular automaton transform used
// as bwtfs's block cipher. It is a seeded, byte-by-byte obfuscation, not a
// vetted AEAD: Backward undoes Forward for the same seed. Three of the four
// per-byte operations are their own inverse; the shift rotates right on
// Forward and left on Backward.
package rca

import (
	"math/rand"

	"github.com/zaoweiceng/bwtfs/internal/buffer"
)

// op identifies one of the four per-byte operations a rule byte selects.
type op int

const (
	opXOR op = iota
	opShift
	opFD
	opTD
)

const numOps = 4

// Cell holds the rule stream derived from a seed for a buffer of a given
// length. Forward and Backward both consume the same rule stream, in the
// same order, so Backward(Forward(b)) == b regardless of content.
type Cell struct {
	seed int64
	rule []op
}

// New derives the rule stream for a buffer of length n keyed by seed.
func New(seed int64, n int) *Cell {
	return &Cell{seed: seed, rule: rules(seed, n)}
}

func rules(seed int64, n int) []op {
	r := RandNumbers(seed, n, 0, numOps-1)
	rule := make([]op, n)
	for i, v := range r {
		rule[i] = op(v)
	}
	return rule
}

// Forward applies the rule stream to buf in place, encrypting it.
func (c *Cell) Forward(buf buffer.Buffer) {
	for i := 0; i < buf.Len(); i++ {
		if i >= len(c.rule) {
			break
		}
		buf.Set(i, apply(buf.At(i), c.rule[i], true))
	}
}

// Backward applies the inverse of the rule stream to buf in place.
func (c *Cell) Backward(buf buffer.Buffer) {
	for i := 0; i < buf.Len(); i++ {
		if i >= len(c.rule) {
			break
		}
		buf.Set(i, apply(buf.At(i), c.rule[i], false))
	}
}

func apply(b byte, o op, forward bool) byte {
	switch o {
	case opXOR:
		return xorNibble(b)
	case opShift:
		if forward {
			return shiftRight(b)
		}
		return shiftLeft(b)
	case opFD:
		return fdSwap(b)
	case opTD:
		return tdInvert(b)
	default:
		return b
	}
}

// xorNibble XORs the low nibble with the high nibble; involutive.
func xorNibble(b byte) byte {
	hi := b & 0xf0
	lo := b & 0x0f
	return hi | (lo ^ (hi >> 4))
}

func shiftRight(b byte) byte {
	return (b >> 1) | (b << 7)
}

func shiftLeft(b byte) byte {
	return (b << 1) | (b >> 7)
}

// fdSwap treats b as two nibbles; in each, if bit3 != bit2, swap bit1<->bit0.
func fdSwap(b byte) byte {
	return nibblePair(b, func(n byte) byte {
		if bit(n, 3) != bit(n, 2) {
			return (n & 0b1100) | ((n & 0b0010) >> 1) | ((n & 0b0001) << 1)
		}
		return n
	})
}

// tdInvert treats b as two nibbles; in each, if bit3 != bit2, invert bit1 and bit0.
func tdInvert(b byte) byte {
	return nibblePair(b, func(n byte) byte {
		if bit(n, 3) != bit(n, 2) {
			return (n & 0b1100) | (^n & 0b0011)
		}
		return n
	})
}

func nibblePair(b byte, f func(byte) byte) byte {
	hi := f((b >> 4) & 0xf)
	lo := f(b & 0xf)
	return (hi << 4) | lo
}

func bit(n byte, i uint) byte {
	return (n >> i) & 1
}

// RandNumbers produces n deterministic pseudo-random integers uniformly in
// [lo, hi], reproducible across platforms for the same (seed, n, lo, hi).
// It is built on math/rand (not crypto/rand): the pack's own generators
// (hailam-genfile, calvinalkan-agent-task) reach for math/rand whenever a
// reproducible, non-cryptographic sequence is wanted, and no library in the
// pack supplies a portable seeded PRNG surface.
func RandNumbers(seed int64, n, lo, hi int) []int {
	out := make([]int, n)
	if hi < lo {
		return out
	}
	src := rand.New(rand.NewSource(seed))
	span := hi - lo + 1
	for i := range out {
		out[i] = lo + src.Intn(span)
	}
	return out
}

// Encrypt applies level rounds of forward transform to b, each round keyed
// by a sub-seed derived from seed. Sub-seeds are drawn once as
// RandNumbers(seed, level, 0, 1<<15) and applied in reverse order, so that
// Decrypt (forward order) inverts it exactly. level == 0 means "no crypto".
func Encrypt(b []byte, seed int64, level int) {
	if level <= 0 {
		return
	}
	buf := buffer.FromBytes(b)
	subSeeds := RandNumbers(seed, level, 0, 1<<15)
	for i := level - 1; i >= 0; i-- {
		New(int64(subSeeds[i]), buf.Len()).Forward(buf)
	}
}

// Decrypt inverts Encrypt: same sub-seeds, applied backward in forward
// sub-seed order.
func Decrypt(b []byte, seed int64, level int) {
	if level <= 0 {
		return
	}
	buf := buffer.FromBytes(b)
	subSeeds := RandNumbers(seed, level, 0, 1<<15)
	for i := 0; i < level; i++ {
		New(int64(subSeeds[i]), buf.Len()).Backward(buf)
	}
}
