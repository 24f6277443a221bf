package buffer

import "testing"

func TestSliceClamps(t *testing.T) {
	t.Parallel()
	b := FromBytes([]byte("hello world"))
	if got := string(b.Slice(6, 100)); got != "world" {
		t.Fatalf("Slice(6, 100) = %q, want %q", got, "world")
	}
	if got := b.Slice(100, 5); got != nil {
		t.Fatalf("Slice(100, 5) = %v, want nil", got)
	}
}

func TestWriteBounds(t *testing.T) {
	t.Parallel()
	b := New(4)
	if b.Write(2, []byte{1, 2, 3}) {
		t.Fatal("Write past end should fail")
	}
	if !b.Write(1, []byte{1, 2}) {
		t.Fatal("Write within bounds should succeed")
	}
	if got := b.Slice(0, 4); got[1] != 1 || got[2] != 2 {
		t.Fatalf("unexpected contents: %v", got)
	}
}

func TestXorRoundTrip(t *testing.T) {
	t.Parallel()
	a := FromBytes([]byte{0x0f, 0xff, 0x00})
	k := FromBytes([]byte{0xff, 0x0f, 0xaa})
	a.Xor(k)
	a.Xor(k)
	if got := a.Bytes(); string(got) != "\x0f\xff\x00" {
		t.Fatalf("double xor did not return to original: %v", got)
	}
}

func TestSameIdentity(t *testing.T) {
	t.Parallel()
	a := New(4)
	c := a
	if !a.Same(c) {
		t.Fatal("copies of the same Buffer value should report Same")
	}
	d := New(4)
	if a.Same(d) {
		t.Fatal("independently constructed buffers should not report Same")
	}
}

func TestHexBase64ASCII(t *testing.T) {
	t.Parallel()
	b := FromBytes([]byte("ab"))
	if b.Hex() != "6162" {
		t.Fatalf("Hex() = %q", b.Hex())
	}
	if b.ASCII() != "ab" {
		t.Fatalf("ASCII() = %q", b.ASCII())
	}
	b64 := b.Base64()
	back, err := FromBase64(b64)
	if err != nil {
		t.Fatal(err)
	}
	if back.ASCII() != "ab" {
		t.Fatalf("round trip through base64 failed: %q", back.ASCII())
	}
}
