package hashsplit

import (
	"fmt"
	"io"

	"github.com/keeper-backup/keeper/internal/objects"
)

// ObjectSink stores an object and returns its id. The pack writer and both
// client flavors satisfy this.
type ObjectSink interface {
	Add(kind objects.Kind, payload []byte) (objects.ID, error)
}

// chunkRef is one queued subtree: the byte offset where its span starts,
// the object that covers the span, and whether that object is a leaf blob.
type chunkRef struct {
	ofs  uint64
	id   objects.ID
	leaf bool
}

// TreeBuilder folds a chunk sequence into a balanced tree of tree objects.
// Chunks arrive in stream order via Add; Finish seals the levels and
// returns the root.
//
// One queue is kept per tree level. A chunk of level l closes every queue
// below l: queues with two or more pending entries are folded into a tree
// object pushed one level up. Identical chunk runs therefore fold into
// identical subtrees wherever they appear, which is what makes subtree
// sharing across files work.
type TreeBuilder struct {
	sink   ObjectSink
	queues [][]chunkRef
	ofs    uint64
}

// NewTreeBuilder returns a TreeBuilder writing tree objects to sink.
func NewTreeBuilder(sink ObjectSink) *TreeBuilder {
	return &TreeBuilder{sink: sink}
}

// Add appends one chunk reference of the given level and size.
func (tb *TreeBuilder) Add(id objects.ID, size int, level int) error {
	tb.queue(0, chunkRef{ofs: tb.ofs, id: id, leaf: true})
	tb.ofs += uint64(size)

	for k := 0; k < level && k < len(tb.queues); k++ {
		if len(tb.queues[k]) < 2 {
			continue
		}
		ref, err := tb.fold(k)
		if err != nil {
			return err
		}
		tb.queue(k+1, ref)
	}
	return nil
}

// queue appends a ref at the given level, growing the level list.
func (tb *TreeBuilder) queue(level int, ref chunkRef) {
	for len(tb.queues) <= level {
		tb.queues = append(tb.queues, nil)
	}
	tb.queues[level] = append(tb.queues[level], ref)
}

// fold turns the pending refs of one level into a tree object. Entry names
// are offsets relative to the span start so that identical spans hash
// identically at any absolute position.
func (tb *TreeBuilder) fold(level int) (chunkRef, error) {
	refs := tb.queues[level]
	tb.queues[level] = nil

	base := refs[0].ofs
	entries := make([]objects.TreeEntry, 0, len(refs))
	for _, ref := range refs {
		mode := uint32(objects.ModeTree)
		if ref.leaf {
			mode = objects.ModeFile
		}
		entries = append(entries, objects.TreeEntry{
			Mode: mode,
			Name: fmt.Sprintf("%016x", ref.ofs-base),
			ID:   ref.id,
		})
	}
	id, err := tb.sink.Add(objects.KindTree, objects.EncodeTree(entries))
	if err != nil {
		return chunkRef{}, fmt.Errorf("store chunk tree: %w", err)
	}
	return chunkRef{ofs: base, id: id}, nil
}

// Finish collapses all pending levels and returns the root object. A
// stream that produced a single chunk stays a plain blob; anything larger
// roots at a tree.
func (tb *TreeBuilder) Finish() (objects.ID, objects.Kind, error) {
	for k := 0; k < len(tb.queues); k++ {
		q := tb.queues[k]
		if len(q) == 0 {
			continue
		}
		if len(q) == 1 {
			if k == len(tb.queues)-1 {
				ref := q[0]
				kind := objects.KindTree
				if ref.leaf {
					kind = objects.KindBlob
				}
				return ref.id, kind, nil
			}
			// A lone subtree needs no wrapper; promote it as-is.
			tb.queues[k] = nil
			tb.queue(k+1, q[0])
			continue
		}
		ref, err := tb.fold(k)
		if err != nil {
			return objects.ZeroID, 0, err
		}
		tb.queue(k+1, ref)
	}
	return objects.ZeroID, 0, fmt.Errorf("no chunks added")
}

// Split chunks r, stores every chunk as a blob in sink, and returns the
// root object covering the whole stream along with the byte count read.
func Split(sink ObjectSink, r io.Reader) (objects.ID, objects.Kind, uint64, error) {
	split := NewSplitter(r)
	tree := NewTreeBuilder(sink)
	var total uint64
	for {
		chunk, err := split.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return objects.ZeroID, 0, total, err
		}
		id, err := sink.Add(objects.KindBlob, chunk.Data)
		if err != nil {
			return objects.ZeroID, 0, total, err
		}
		if err := tree.Add(id, len(chunk.Data), chunk.Level); err != nil {
			return objects.ZeroID, 0, total, err
		}
		total += uint64(len(chunk.Data))
	}
	if total == 0 {
		// Zero-byte input still needs an object to reference.
		id, err := sink.Add(objects.KindBlob, nil)
		if err != nil {
			return objects.ZeroID, 0, 0, err
		}
		return id, objects.KindBlob, 0, nil
	}
	id, kind, err := tree.Finish()
	return id, kind, total, err
}
