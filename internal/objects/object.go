// Package objects defines the content-addressed object model: blobs, trees
// and commits identified by the SHA-1 of their canonical encoding.
//
// Canonical Encoding:
// - Object: "<kind> <payload-len>\x00" | payload
// - Tree payload: ("<octal mode> <name>\x00" | hash[20])*
// - Commit payload: text header lines followed by a blank line and message
// - Hash: SHA-1(canonicalBytes), collision-detecting
package objects

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/pjbgf/sha1cd"
)

// IDSize is the byte length of an object id.
const IDSize = 20

// ID is the SHA-1 of an object's canonical encoding.
type ID [IDSize]byte

// ZeroID is the all-zero id. It never names a stored object.
var ZeroID ID

// String returns the hexadecimal representation of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the all-zero id.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// IDFromHex parses a 40-character hex string into an ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	if len(s) != IDSize*2 {
		return id, fmt.Errorf("invalid object id %q: want %d hex chars", s, IDSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// IDFromBytes copies a 20-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid object id: want %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Kind identifies the object type stored in a pack.
type Kind uint8

const (
	KindBlob Kind = iota + 1
	KindTree
	KindCommit
)

// String returns the canonical type name used in object headers.
func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindCommit:
		return "commit"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindFromString parses a canonical type name.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "blob":
		return KindBlob, nil
	case "tree":
		return KindTree, nil
	case "commit":
		return KindCommit, nil
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// header renders the canonical object header.
func header(kind Kind, size int) []byte {
	return []byte(fmt.Sprintf("%s %d\x00", kind, size))
}

// Canonical returns the canonical bytes the object id covers.
func Canonical(kind Kind, payload []byte) []byte {
	h := header(kind, len(payload))
	out := make([]byte, 0, len(h)+len(payload))
	out = append(out, h...)
	out = append(out, payload...)
	return out
}

// Sum computes the id of an object from its kind and payload.
func Sum(kind Kind, payload []byte) ID {
	h := sha1cd.New()
	h.Write(header(kind, len(payload)))
	h.Write(payload)
	var id ID
	h.Sum(id[:0])
	return id
}

// File modes stored in tree entries.
const (
	ModeFile    = 0o100644
	ModeExec    = 0o100755
	ModeSymlink = 0o120000
	ModeTree    = 0o040000
)

// TreeEntry is one (mode, name, id) row of a tree object.
type TreeEntry struct {
	Mode uint32
	Name string
	ID   ID
}

// IsTree reports whether the entry points at a subtree.
func (e TreeEntry) IsTree() bool {
	return e.Mode == ModeTree
}

// treeSortKey is the name a tree entry sorts under. Subtrees sort as if
// their name ended in "/", matching the canonical tree order.
func treeSortKey(e TreeEntry) string {
	if e.IsTree() {
		return e.Name + "/"
	}
	return e.Name
}

// EncodeTree serializes tree entries into the canonical tree payload.
// Entries are sorted into canonical order first.
func EncodeTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ID[:])
	}
	return buf.Bytes()
}

// DecodeTree parses a canonical tree payload.
func DecodeTree(payload []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	rest := payload
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("tree entry: missing mode separator")
		}
		mode, err := strconv.ParseUint(string(rest[:sp]), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("tree entry mode: %w", err)
		}
		rest = rest[sp+1:]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("tree entry: missing name terminator")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]
		if len(rest) < IDSize {
			return nil, fmt.Errorf("tree entry %q: truncated id", name)
		}
		var id ID
		copy(id[:], rest[:IDSize])
		rest = rest[IDSize:]
		entries = append(entries, TreeEntry{Mode: uint32(mode), Name: name, ID: id})
	}
	return entries, nil
}
