package tree

import (
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/bitmap"
	"github.com/zaoweiceng/bwtfs/internal/entry"
	"github.com/zaoweiceng/bwtfs/internal/fsys"
	"github.com/zaoweiceng/bwtfs/internal/node"
	"github.com/zaoweiceng/bwtfs/internal/token"
)

// ReadAll parses tok and returns the full byte stream it describes,
// walking White and Black nodes in stream order.
func ReadAll(fsh *fsys.FileSystem, tok string) ([]byte, error) {
	root, err := token.Parse(tok)
	if err != nil {
		return nil, err
	}
	var out []byte
	_, err = walk(fsh, root, func(payload []byte) bool {
		out = append(out, payload...)
		return false
	})
	return out, err
}

// ReadAt returns up to n bytes starting at offset, short on EOF. It walks
// the tree once, copying only the payload bytes that intersect the
// requested window.
func ReadAt(fsh *fsys.FileSystem, tok string, offset, n int) ([]byte, error) {
	root, err := token.Parse(tok)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	pos := 0
	want := offset + n
	_, err = walk(fsh, root, func(payload []byte) bool {
		segLo, segHi := pos, pos+len(payload)
		pos = segHi
		if segHi > offset && segLo < want {
			from, to := 0, len(payload)
			if offset > segLo {
				from = offset - segLo
			}
			if want < segHi {
				to = want - segLo
			}
			out = append(out, payload[from:to]...)
		}
		return len(out) >= n || pos >= want
	})
	return out, err
}

// walk decodes the block referenced by e and invokes visit on every White
// payload reached, in stream order, recursing into Black children. visit
// returns true to stop early; walk propagates that signal up through every
// enclosing Black node.
func walk(fsh *fsys.FileSystem, e entry.Entry, visit func([]byte) bool) (bool, error) {
	block, err := fsh.Read(e.Bitmap)
	if err != nil {
		return false, err
	}
	used, err := fsh.Bitmap.Get(e.Bitmap)
	if err != nil {
		return false, err
	}
	if !used {
		return false, xerrors.Errorf("entry references free block %d: %w", e.Bitmap, bwtfs.ErrIntegrity)
	}
	frame := node.Frame{Start: e.Start, Length: e.Length}
	switch e.Kind {
	case entry.White:
		payload, err := node.DecodeWhite(block, frame, e.Seed, e.Level)
		if err != nil {
			return false, err
		}
		return visit(payload), nil
	case entry.Black:
		list, err := node.DecodeBlack(block, frame, e.Seed, e.Level)
		if err != nil {
			return false, err
		}
		for i := 0; i < list.Len(); i++ {
			stop, err := walk(fsh, list.At(i), visit)
			if err != nil {
				return false, err
			}
			if stop {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, xerrors.Errorf("entry kind %d neither WHITE nor BLACK: %w", e.Kind, bwtfs.ErrIntegrity)
	}
}

// Delete clears the bitmap bit of every block reachable from tok: Black
// nodes are cleared only after all of their children are, and the root is
// cleared last of all.
func Delete(fsh *fsys.FileSystem, alloc *bitmap.Allocator, tok string) error {
	root, err := token.Parse(tok)
	if err != nil {
		return err
	}
	return deleteWalk(fsh, alloc, root)
}

func deleteWalk(fsh *fsys.FileSystem, alloc *bitmap.Allocator, e entry.Entry) error {
	if e.Kind == entry.Black {
		block, err := fsh.Read(e.Bitmap)
		if err != nil {
			return err
		}
		list, err := node.DecodeBlack(block, node.Frame{Start: e.Start, Length: e.Length}, e.Seed, e.Level)
		if err != nil {
			return err
		}
		for i := 0; i < list.Len(); i++ {
			if err := deleteWalk(fsh, alloc, list.At(i)); err != nil {
				return err
			}
		}
	}
	return alloc.Clear(e.Bitmap)
}
