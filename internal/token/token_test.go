package token

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zaoweiceng/bwtfs/internal/entry"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []entry.Entry{
		{Bitmap: 0, Start: 0, Length: 0, Seed: 0, Level: 0},
		{Bitmap: 1 << 40, Start: 4095, Length: 4095, Seed: 65535, Level: 255},
		{Bitmap: 123456, Start: 1, Length: 200, Seed: 7, Level: 3},
	}
	for _, want := range cases {
		tok := Generate(want)
		if len(tok) != Length {
			t.Fatalf("token length = %d, want %d", len(tok), Length)
		}
		got, err := Parse(tok)
		if err != nil {
			t.Fatal(err)
		}
		want.Kind = entry.Black // Parse always reports the root as BLACK
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	t.Parallel()
	if _, err := Parse("short"); err == nil {
		t.Fatal("expected an error for a too-short token")
	}
	if _, err := Parse(strings.Repeat("a", Length+1)); err == nil {
		t.Fatal("expected an error for a too-long token")
	}
}

func TestParseRejectsTombstoneMarker(t *testing.T) {
	t.Parallel()
	tok := Generate(entry.Entry{Bitmap: 42, Start: 1, Length: 2, Seed: 3, Level: 0})
	tombstoned := "*" + tok[1:]
	if _, err := Parse(tombstoned); err == nil {
		t.Fatal("expected an error for a token containing '*'")
	}
}

func TestParseRejectsInvalidBase64Nonce(t *testing.T) {
	t.Parallel()
	tok := Generate(entry.Entry{Bitmap: 1, Start: 0, Length: 0, Seed: 0, Level: 0})
	bad := "!" + tok[1:]
	if _, err := Parse(bad); err == nil {
		t.Fatal("expected an error for an invalid nonce segment")
	}
}
