// Package index implements the per-host file index: one sorted on-disk
// file recording every observed path with its stat tuple, content hash
// and validity bits, plus the append-only metadata store kept beside it.
//
// On-disk layout ("bupindex"):
//
//	"BUPI" | u32 version=2 | entries | footer
//	entry  = path NUL | fixed 104-byte struct (big-endian)
//	footer = u64 entry-count | u64 sentinel-offset | blake3-256 of the
//	         entry region
//
// Entries are sorted in reverse-lexicographic path order. Directory paths
// carry a trailing '/', which makes every directory's descendants one
// contiguous block immediately before the directory's own entry; the
// entry records that block as its child range. The final entry is always
// the root sentinel "/".
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/keeper-backup/keeper/internal/objects"
)

var indexMagic = []byte{'B', 'U', 'P', 'I'}

const (
	indexVersion    = 2
	indexHeaderSize = 8
	indexFooterSize = 8 + 8 + 32
	entryFixedSize  = 104
)

// Entry flags.
const (
	// FlagHashValid asserts SHA matches current file contents: the stat
	// recorded here is bitwise what it was when the hash was computed.
	FlagHashValid = 1 << 0
	// FlagDeleted marks a path that existed in a prior run and is gone.
	FlagDeleted = 1 << 1
	// FlagFakeInvalid forces rehash on the next save regardless of stat.
	FlagFakeInvalid = 1 << 2
)

// ErrInvalid marks structural violations found in an index file.
var ErrInvalid = errors.New("index invalid")

// Entry is one observed path. Directory names end with '/'.
type Entry struct {
	Name    string
	Dev     uint64
	Ino     uint64
	NLink   uint32
	Ctime   int64 // nanoseconds
	Mtime   int64
	Atime   int64
	Size    uint64
	Mode    uint32 // unix stat mode
	GitMode uint32 // tree-entry mode the hash was stored under
	SHA     objects.ID
	Flags   uint32
	// ChildOfs/ChildN locate the contiguous descendant block of a
	// directory entry: file offset of the first descendant and the
	// number of entries in the block. Zero for empty dirs and files.
	ChildOfs uint64
	ChildN   uint32
	MetaOfs  uint64 // metadata store handle; 0 = none

	ofs uint64 // entry offset within the file; set by the reader
}

// IsDir reports whether the entry names a directory.
func (e *Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// IsDeleted reports the deletion flag.
func (e *Entry) IsDeleted() bool {
	return e.Flags&FlagDeleted != 0
}

// HashValid reports whether SHA can be trusted for the recorded stat.
func (e *Entry) HashValid() bool {
	return e.Flags&FlagHashValid != 0
}

// StatEqual reports whether the other entry's stat tuple is bitwise
// identical. This is the merge rule that decides whether a previously
// computed hash survives.
func (e *Entry) StatEqual(o *Entry, checkDevice bool) bool {
	if checkDevice && e.Dev != o.Dev {
		return false
	}
	return e.Ino == o.Ino &&
		e.Mode == o.Mode &&
		e.Size == o.Size &&
		e.Mtime == o.Mtime &&
		e.Ctime == o.Ctime
}

// encodeFixed renders the fixed-width struct that follows the path.
func (e *Entry) encodeFixed() [entryFixedSize]byte {
	var b [entryFixedSize]byte
	binary.BigEndian.PutUint64(b[0:], e.Dev)
	binary.BigEndian.PutUint64(b[8:], e.Ino)
	binary.BigEndian.PutUint32(b[16:], e.NLink)
	binary.BigEndian.PutUint64(b[20:], uint64(e.Ctime))
	binary.BigEndian.PutUint64(b[28:], uint64(e.Mtime))
	binary.BigEndian.PutUint64(b[36:], uint64(e.Atime))
	binary.BigEndian.PutUint64(b[44:], e.Size)
	binary.BigEndian.PutUint32(b[52:], e.Mode)
	binary.BigEndian.PutUint32(b[56:], e.GitMode)
	copy(b[60:], e.SHA[:])
	binary.BigEndian.PutUint32(b[80:], e.Flags)
	binary.BigEndian.PutUint64(b[84:], e.ChildOfs)
	binary.BigEndian.PutUint32(b[92:], e.ChildN)
	binary.BigEndian.PutUint64(b[96:], e.MetaOfs)
	return b
}

// decodeFixed parses the fixed-width struct.
func (e *Entry) decodeFixed(b []byte) error {
	if len(b) < entryFixedSize {
		return fmt.Errorf("%w: truncated entry", ErrInvalid)
	}
	e.Dev = binary.BigEndian.Uint64(b[0:])
	e.Ino = binary.BigEndian.Uint64(b[8:])
	e.NLink = binary.BigEndian.Uint32(b[16:])
	e.Ctime = int64(binary.BigEndian.Uint64(b[20:]))
	e.Mtime = int64(binary.BigEndian.Uint64(b[28:]))
	e.Atime = int64(binary.BigEndian.Uint64(b[36:]))
	e.Size = binary.BigEndian.Uint64(b[44:])
	e.Mode = binary.BigEndian.Uint32(b[52:])
	e.GitMode = binary.BigEndian.Uint32(b[56:])
	copy(e.SHA[:], b[60:80])
	e.Flags = binary.BigEndian.Uint32(b[80:])
	e.ChildOfs = binary.BigEndian.Uint64(b[84:])
	e.ChildN = binary.BigEndian.Uint32(b[92:])
	e.MetaOfs = binary.BigEndian.Uint64(b[96:])
	return nil
}

// Byte offsets of rewritable fields within the fixed struct. Flags are
// rewritten in place through the reader's map; child ranges are patched
// by the writer after the entry region is complete.
const (
	entryGitModeOfs = 56
	entryShaOfs     = 60
	entryFlagsOfs   = 80
	entryChildOfs   = 84
)

// modeDirDefault is the mode recorded on synthesized directory entries,
// including the root sentinel.
const modeDirDefault = 0o040755

// fileOrderBefore reports whether path a precedes path b in on-disk
// order, which is descending byte order.
func fileOrderBefore(a, b string) bool {
	return a > b
}
