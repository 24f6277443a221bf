package bitmap

import "testing"

type memFile struct {
	blocks map[uint64][]byte
	bsize  int
}

func newMemFile(bsize int) *memFile {
	return &memFile{blocks: make(map[uint64][]byte), bsize: bsize}
}

func (m *memFile) Read(idx uint64, n int) ([]byte, error) {
	out := make([]byte, n*m.bsize)
	for i := 0; i < n; i++ {
		if b, ok := m.blocks[idx+uint64(i)]; ok {
			copy(out[i*m.bsize:], b)
		}
	}
	return out, nil
}

func (m *memFile) Write(idx uint64, buf []byte) error {
	n := len(buf) / m.bsize
	for i := 0; i < n; i++ {
		b := make([]byte, m.bsize)
		copy(b, buf[i*m.bsize:(i+1)*m.bsize])
		m.blocks[idx+uint64(i)] = b
	}
	return nil
}

func newTestAllocator(t *testing.T, count uint64) *Allocator {
	t.Helper()
	f := newMemFile(64)
	a, err := Format(f, 100, 200, count, 64, []uint64{0, count - 1, count - 2})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestGetFreeBlockDistinctAndUnused(t *testing.T) {
	t.Parallel()
	a := newTestAllocator(t, 64)
	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		b := a.GetFreeBlock()
		if b == 0 {
			t.Fatalf("unexpected out of space at iteration %d", i)
		}
		if seen[b] {
			t.Fatalf("block %d returned twice without intervening Set", b)
		}
		seen[b] = true
		used, err := a.Get(b)
		if err != nil {
			t.Fatal(err)
		}
		if used {
			t.Fatalf("GetFreeBlock returned already-used block %d", b)
		}
		if err := a.Set(b); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSystemBlocksNeverCleared(t *testing.T) {
	t.Parallel()
	a := newTestAllocator(t, 64)
	for _, sys := range []uint64{0, 63, 62} {
		used, err := a.Get(sys)
		if err != nil {
			t.Fatal(err)
		}
		if !used {
			t.Fatalf("system block %d should start used", sys)
		}
		if err := a.Clear(sys); err == nil {
			t.Fatalf("clearing system block %d should fail", sys)
		}
		used, err = a.Get(sys)
		if err != nil {
			t.Fatal(err)
		}
		if !used {
			t.Fatalf("system block %d must remain used after refused clear", sys)
		}
	}
}

func TestSetClearRoundTrip(t *testing.T) {
	t.Parallel()
	a := newTestAllocator(t, 64)
	b := a.GetFreeBlock()
	if b == 0 {
		t.Fatal("expected a free block")
	}
	if err := a.Set(b); err != nil {
		t.Fatal(err)
	}
	used, _ := a.Get(b)
	if !used {
		t.Fatal("block should be used after Set")
	}
	if err := a.Clear(b); err != nil {
		t.Fatal(err)
	}
	used, _ = a.Get(b)
	if used {
		t.Fatal("block should be free after Clear")
	}
}

func TestWearBalancePreservesOrderAndBound(t *testing.T) {
	t.Parallel()
	a := newTestAllocator(t, 32)
	// Drive one non-system block's wear up to the rebalance band.
	target := uint64(1)
	for i := 0; i < 252; i++ {
		if err := a.Set(target); err != nil {
			t.Fatal(err)
		}
		if err := a.Clear(target); err != nil {
			t.Fatal(err)
		}
	}
	w, err := a.WearOf(target)
	if err != nil {
		t.Fatal(err)
	}
	if w > 254 {
		t.Fatalf("wear %d exceeds bound after balancing", w)
	}
	for i := uint64(0); i < 32; i++ {
		wi, err := a.WearOf(i)
		if err != nil {
			t.Fatal(err)
		}
		if wi >= 254 && i != 0 && i != 31 && i != 30 {
			t.Fatalf("block %d unexpectedly became a system block", i)
		}
	}
}

// TestWearBalancePreservesRelativeOrderAcrossBlocks drives two distinct
// non-system blocks to two distinct wear levels, then triggers a balance
// pass via a third block entering the rebalance band. A balance pass must
// subtract (min_wear-1) from every non-system counter, preserving the
// difference between blocks; collapsing every counter to one constant
// value (as opposed to subtracting a constant) would make both converge
// to the same wear and destroy their relative order.
func TestWearBalancePreservesRelativeOrderAcrossBlocks(t *testing.T) {
	t.Parallel()
	const count = 16
	a := newTestAllocator(t, count)

	bump := func(i uint64, n int) {
		for j := 0; j < n; j++ {
			if err := a.Set(i); err != nil {
				t.Fatal(err)
			}
			if err := a.Clear(i); err != nil {
				t.Fatal(err)
			}
		}
	}

	// Give every non-system block a wear of 1, so the eventual balance's
	// min_wear is 1 and min_wear-1 is 0: a correct balance pass leaves
	// already-churned counters untouched, while the buggy "set to a
	// constant" version would zero them all, erasing the difference
	// asserted below.
	for i := uint64(1); i < count-2; i++ {
		bump(i, 1)
	}

	const (
		blockA = uint64(1)
		blockB = uint64(2)
		target = uint64(5)
	)
	bump(blockA, 3) // wear[blockA] = 4
	bump(blockB, 6) // wear[blockB] = 7

	wantA, err := a.WearOf(blockA)
	if err != nil {
		t.Fatal(err)
	}
	wantB, err := a.WearOf(blockB)
	if err != nil {
		t.Fatal(err)
	}
	if wantA != 4 || wantB != 7 {
		t.Fatalf("setup: wear[A]=%d wear[B]=%d, want 4 and 7", wantA, wantB)
	}

	// Drive target's wear up to the rebalance band, triggering a pass.
	for i := 0; i < 252; i++ {
		if err := a.Set(target); err != nil {
			t.Fatal(err)
		}
		if err := a.Clear(target); err != nil {
			t.Fatal(err)
		}
	}

	gotA, err := a.WearOf(blockA)
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := a.WearOf(blockB)
	if err != nil {
		t.Fatal(err)
	}
	if gotA != wantA || gotB != wantB {
		t.Fatalf("wear balance changed counters that should be untouched (min_wear-1=0): A %d->%d, B %d->%d", wantA, gotA, wantB, gotB)
	}
	if gotA >= gotB {
		t.Fatalf("relative order destroyed by wear balance: wear[A]=%d, wear[B]=%d, want A < B", gotA, gotB)
	}
}
