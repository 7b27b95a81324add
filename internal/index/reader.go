package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"

	"github.com/keeper-backup/keeper/internal/objects"
)

// Reader is a memory-mapped view of a published index file. The map is
// writable so an indexing run can flip entry flags (deletion, fake
// validity) in place before merging; Save recomputes the footer checksum
// after such mutations.
type Reader struct {
	path  string
	f     *os.File
	m     []byte
	count uint64
	// sentinelOfs is the offset of the trailing "/" entry.
	sentinelOfs uint64
	dirty       bool
}

// Open maps an index file. A missing file yields a nil Reader and no
// error, matching "no previous run".
func Open(path string) (*Reader, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < indexHeaderSize+indexFooterSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s truncated", ErrInvalid, path)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap index %s: %w", path, err)
	}
	r := &Reader{path: path, f: f, m: m}
	if !bytes.Equal(m[:4], indexMagic) || binary.BigEndian.Uint32(m[4:8]) != indexVersion {
		r.Close()
		return nil, fmt.Errorf("%w: %s bad magic or version", ErrInvalid, path)
	}
	footer := m[len(m)-indexFooterSize:]
	r.count = binary.BigEndian.Uint64(footer[0:])
	r.sentinelOfs = binary.BigEndian.Uint64(footer[8:])
	if r.sentinelOfs < indexHeaderSize || r.sentinelOfs >= uint64(len(m)-indexFooterSize) {
		r.Close()
		return nil, fmt.Errorf("%w: %s sentinel offset out of range", ErrInvalid, path)
	}
	return r, nil
}

// Close saves pending flag mutations and unmaps the file.
func (r *Reader) Close() error {
	if r == nil || r.m == nil {
		return nil
	}
	var err error
	if r.dirty {
		err = r.Save()
	}
	m := r.m
	r.m = nil
	if err2 := unix.Munmap(m); err == nil {
		err = err2
	}
	if err2 := r.f.Close(); err == nil {
		err = err2
	}
	return err
}

// Save flushes flag mutations and rewrites the footer checksum so later
// opens still verify.
func (r *Reader) Save() error {
	if r == nil || r.m == nil {
		return nil
	}
	sum := blake3.New(32, nil)
	sum.Write(r.entryRegion())
	footer := r.m[len(r.m)-indexFooterSize:]
	sum.Sum(footer[16:16])
	if err := unix.Msync(r.m, unix.MS_SYNC); err != nil {
		return fmt.Errorf("sync index %s: %w", r.path, err)
	}
	r.dirty = false
	return nil
}

// Verify recomputes the footer checksum over the entry region.
func (r *Reader) Verify() error {
	sum := blake3.New(32, nil)
	sum.Write(r.entryRegion())
	footer := r.m[len(r.m)-indexFooterSize:]
	if !bytes.Equal(sum.Sum(nil), footer[16:48]) {
		return fmt.Errorf("%w: %s checksum mismatch", ErrInvalid, r.path)
	}
	return nil
}

func (r *Reader) entryRegion() []byte {
	return r.m[indexHeaderSize : len(r.m)-indexFooterSize]
}

// Len returns the number of entries including the sentinel.
func (r *Reader) Len() int {
	if r == nil {
		return 0
	}
	return int(r.count)
}

// decodeAt parses the entry starting at ofs.
func (r *Reader) decodeAt(ofs uint64) (Entry, uint64, error) {
	var e Entry
	if ofs >= uint64(len(r.m)-indexFooterSize) {
		return e, 0, fmt.Errorf("%w: entry offset %d out of range", ErrInvalid, ofs)
	}
	rest := r.m[ofs : len(r.m)-indexFooterSize]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return e, 0, fmt.Errorf("%w: unterminated path at %d", ErrInvalid, ofs)
	}
	e.Name = string(rest[:nul])
	if err := e.decodeFixed(rest[nul+1:]); err != nil {
		return e, 0, err
	}
	e.ofs = ofs
	return e, ofs + uint64(nul) + 1 + entryFixedSize, nil
}

// Iter is a forward iterator in on-disk (reverse-lexicographic) order.
type Iter struct {
	r    *Reader
	next uint64
	done bool
	err  error
}

// Forward iterates every entry in file order, ending with the sentinel.
func (r *Reader) Forward() *Iter {
	if r == nil {
		return &Iter{done: true}
	}
	return &Iter{r: r, next: indexHeaderSize}
}

// Next returns the next entry, or nil at the end. Check Err afterwards.
func (it *Iter) Next() *Entry {
	if it.done {
		return nil
	}
	e, next, err := it.r.decodeAt(it.next)
	if err != nil {
		it.err = err
		it.done = true
		return nil
	}
	it.next = next
	if e.Name == "/" {
		it.done = true
	}
	return &e
}

// Err reports a structural error hit during iteration.
func (it *Iter) Err() error {
	return it.err
}

// Ascending calls fn for every entry in ascending path order, root
// first. This is the reverse of file order: one forward pass collects
// the entry offsets, which are then replayed backwards.
func (r *Reader) Ascending(fn func(*Entry) error) error {
	if r == nil {
		return nil
	}
	// Collect entry offsets in file order, then replay backwards.
	var offsets []uint64
	it := r.Forward()
	for {
		ofs := it.next
		if it.Next() == nil {
			break
		}
		offsets = append(offsets, ofs)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for i := len(offsets) - 1; i >= 0; i-- {
		e, _, err := r.decodeAt(offsets[i])
		if err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

// Children calls fn for each immediate child of a directory entry, in
// ascending name order, using the recorded child range.
func (r *Reader) Children(dir *Entry, fn func(*Entry) error) error {
	if dir.ChildN == 0 {
		return nil
	}
	// The block is in file (descending) order; gather immediate children
	// and replay them reversed.
	var kids []Entry
	ofs := dir.ChildOfs
	for i := uint32(0); i < dir.ChildN; i++ {
		e, next, err := r.decodeAt(ofs)
		if err != nil {
			return err
		}
		ofs = next
		rest := strings.TrimPrefix(e.Name, dir.Name)
		if rest == e.Name {
			return fmt.Errorf("%w: %q outside child block of %q", ErrInvalid, e.Name, dir.Name)
		}
		if i := strings.IndexByte(rest, '/'); i < 0 || i == len(rest)-1 {
			kids = append(kids, e)
		}
	}
	for i := len(kids) - 1; i >= 0; i-- {
		if err := fn(&kids[i]); err != nil {
			return err
		}
	}
	return nil
}

// Filter iterates in file order but yields only entries whose path sits
// under one of the given prefixes, plus the directories above those
// prefixes. Empty prefixes mean everything. The sentinel is always
// yielded last.
func (r *Reader) Filter(prefixes []string, fn func(*Entry) error) error {
	if r == nil {
		return nil
	}
	it := r.Forward()
	for {
		e := it.Next()
		if e == nil {
			break
		}
		if e.Name == "/" || underAny(e.Name, prefixes) {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return it.Err()
}

// underAny reports whether path sits under any prefix (or any prefix
// sits under it, so parents of filtered subtrees survive merges).
func underAny(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		dir := strings.TrimSuffix(path, "/")
		if dir == p || strings.HasPrefix(path, p+"/") || strings.HasPrefix(p+"/", dir+"/") {
			return true
		}
	}
	return false
}

// SetFlags rewrites an entry's flag word through the map.
func (r *Reader) SetFlags(e *Entry, flags uint32) {
	e.Flags = flags
	fixed := e.ofs + uint64(len(e.Name)) + 1
	binary.BigEndian.PutUint32(r.m[fixed+entryFlagsOfs:], flags)
	r.dirty = true
}

// SetHash records a freshly computed hash for an entry and marks it
// valid, writing through the map the way a save pass does after hashing
// a changed file.
func (r *Reader) SetHash(e *Entry, sha objects.ID, gitMode uint32) {
	e.SHA = sha
	e.GitMode = gitMode
	fixed := e.ofs + uint64(len(e.Name)) + 1
	copy(r.m[fixed+entryShaOfs:], sha[:])
	binary.BigEndian.PutUint32(r.m[fixed+entryGitModeOfs:], gitMode)
	r.dirty = true
	r.SetFlags(e, e.Flags&^FlagFakeInvalid|FlagHashValid)
}

// MarkDeleted flags an entry as deleted and drops hash validity.
func (r *Reader) MarkDeleted(e *Entry) {
	r.SetFlags(e, e.Flags&^FlagHashValid|FlagDeleted)
}

// Check verifies the structural invariants of the file: strictly
// descending path order, termination at the sentinel, child ranges in
// bounds and hash validity implying a hash and a mode.
func (r *Reader) Check() error {
	if r == nil {
		return nil
	}
	if err := r.Verify(); err != nil {
		return err
	}
	last := ""
	first := true
	n := uint64(0)
	it := r.Forward()
	var e *Entry
	for {
		prev := e
		e = it.Next()
		if e == nil {
			e = prev
			break
		}
		n++
		if !first && !fileOrderBefore(last, e.Name) {
			return fmt.Errorf("%w: %q not after %q", ErrInvalid, e.Name, last)
		}
		last, first = e.Name, false
		if e.ChildN > 0 {
			if !e.IsDir() {
				return fmt.Errorf("%w: non-directory %q has children", ErrInvalid, e.Name)
			}
			if e.ChildOfs < indexHeaderSize || e.ChildOfs >= e.ofs {
				return fmt.Errorf("%w: %q child offset %d out of range", ErrInvalid, e.Name, e.ChildOfs)
			}
		}
		if e.HashValid() {
			if e.SHA.IsZero() {
				return fmt.Errorf("%w: %q hash-valid with zero hash", ErrInvalid, e.Name)
			}
			if e.GitMode == 0 {
				return fmt.Errorf("%w: %q hash-valid with zero mode", ErrInvalid, e.Name)
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if e == nil || e.Name != "/" {
		return fmt.Errorf("%w: missing root sentinel", ErrInvalid)
	}
	if n != r.count {
		return fmt.Errorf("%w: %d entries walked, footer says %d", ErrInvalid, n, r.count)
	}
	return nil
}
