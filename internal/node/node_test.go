package node

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/zaoweiceng/bwtfs/internal/entry"
)

func TestWhiteNodeRoundTrip(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	sizes := []int{0, 1, blockSize - 2, blockSize - 1}
	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xAB}, size)
		for _, level := range []uint8{0, 1, 3} {
			block, frame, err := EncodeWhite(blockSize, 5, payload, 1234, level)
			if err != nil {
				t.Fatalf("size=%d level=%d: %v", size, level, err)
			}
			if len(block) != blockSize {
				t.Fatalf("block size = %d, want %d", len(block), blockSize)
			}
			got, err := DecodeWhite(block, frame, 1234, level)
			if err != nil {
				t.Fatalf("size=%d level=%d: decode: %v", size, level, err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("size=%d level=%d: payload mismatch", size, level)
			}
		}
	}
}

func TestWhiteNodeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	_, _, err := EncodeWhite(blockSize, 0, make([]byte, blockSize), 0, 0)
	if err == nil {
		t.Fatal("expected an error for a payload that does not leave room for the header byte")
	}
}

func TestBlackNodeRoundTrip(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	l := entry.NewList()
	for i := 0; i < Capacity(blockSize); i++ {
		l.Add(entry.Entry{Bitmap: uint64(i + 1), Kind: entry.White, Start: 1, Length: 10, Seed: uint16(i), Level: 1})
	}
	r := rand.New(rand.NewSource(7))
	l.Shuffle(r.Intn)

	block, frame, err := EncodeBlack(blockSize, 0, l, 55, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBlack(block, frame, 55, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != l.Len() {
		t.Fatalf("decoded %d entries, want %d", got.Len(), l.Len())
	}
	for i := 0; i < l.Len(); i++ {
		if got.At(i) != l.At(i) {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got.At(i), l.At(i))
		}
	}
}

func TestCapacityBound(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	cap := Capacity(blockSize)
	if cap*entry.Size > blockSize-1 {
		t.Fatalf("capacity %d entries (%d bytes) exceeds block-1 bound", cap, cap*entry.Size)
	}
	if (cap+1)*entry.Size <= blockSize-1 {
		t.Fatalf("capacity %d is not tight against the block-1 bound", cap)
	}
}
