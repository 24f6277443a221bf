package fsys

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/hostfile"
)

func newTestHost(t *testing.T, blockSize int, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host")
	if _, err := hostfile.CreateFile(path, size, ""); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitThenOpenRoundTrip(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	path := newTestHost(t, blockSize, bwtfs.MinSystemFileSize)

	fs, err := Init(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantCount := fs.BlockCount()
	wantCreate := fs.CreateTime()
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.BlockCount() != wantCount {
		t.Fatalf("BlockCount() = %d, want %d", reopened.BlockCount(), wantCount)
	}
	if reopened.CreateTime() != wantCreate {
		t.Fatalf("CreateTime() = %d, want %d", reopened.CreateTime(), wantCreate)
	}
	if reopened.Version() != Version {
		t.Fatalf("Version() = %d, want %d", reopened.Version(), Version)
	}
}

func TestOpenRejectsCorruptedSuperblock(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	path := newTestHost(t, blockSize, bwtfs.MinSystemFileSize)

	fs, err := Init(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, blockSize, nil); err == nil {
		t.Fatal("expected an integrity error after corrupting block 0")
	}
}

func TestReadWriteAndFlushUpdatesModifyTime(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	path := newTestHost(t, blockSize, bwtfs.MinSystemFileSize)

	fs, err := Init(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	before := fs.ModifyTime()

	data := bytes.Repeat([]byte{0x11}, blockSize)
	idx := fs.BlockCount() / 2
	if err := fs.Write(idx, data); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Read(idx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back bytes do not match what was written")
	}

	if err := fs.Flush(); err != nil {
		t.Fatal(err)
	}
	if fs.ModifyTime() < before {
		t.Fatal("modify time should not move backwards after a flush")
	}
}

func TestCheckAcceptsFreshHeader(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	path := newTestHost(t, blockSize, bwtfs.MinSystemFileSize)

	fs, err := Init(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	ok, err := fs.Check()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("freshly initialised superblock should pass Check")
	}
}

func TestSystemBlocksAreProtected(t *testing.T) {
	t.Parallel()
	const blockSize = 4096
	path := newTestHost(t, blockSize, bwtfs.MinSystemFileSize)

	fs, err := Init(path, blockSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	for _, idx := range []uint64{0, fs.BlockCount() - 1, fs.BlockCount() - 2, fs.sb.BitmapStart, fs.sb.WearBitmapStart} {
		if err := fs.Bitmap.Clear(idx); err == nil {
			t.Fatalf("expected block %d to be protected as a system block", idx)
		}
	}
}
