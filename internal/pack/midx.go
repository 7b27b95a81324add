package pack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pjbgf/sha1cd"
	"golang.org/x/sys/unix"

	"github.com/keeper-backup/keeper/internal/objects"
)

// Midx format version 1:
//
//	"MIDX" | u32 version=1 | u32 count | fanout[256]u32 | hashes[n]20B |
//	packnum[n]u32 | idx basenames, NUL separated, NUL terminated |
//	midx_sha1[20]
//
// A midx is a union membership index over several packs. It answers
// "which idx holds this id" in one binary search instead of one per pack.
// It carries no offsets; readers follow the named idx for those.
var midxMagic = []byte{'M', 'I', 'D', 'X'}

const midxVersion = 1

// DefaultMidxThreshold is how many uncovered idx files accumulate before
// AutoMidx folds them into a new midx.
const DefaultMidxThreshold = 4

// WriteMidx merges the given idx files into a new midx in dir and returns
// its path. Older midx files in dir are removed once the new one is in
// place.
func WriteMidx(dir string, idxPaths []string) (string, error) {
	type midxEntry struct {
		id   objects.ID
		pack uint32
	}
	var entries []midxEntry
	names := make([]string, 0, len(idxPaths))
	for pi, path := range idxPaths {
		idx, err := OpenIdx(path)
		if err != nil {
			return "", fmt.Errorf("midx source %s: %w", path, err)
		}
		names = append(names, idx.Name())
		err = idx.IDs(func(id objects.ID) error {
			entries = append(entries, midxEntry{id: id, pack: uint32(pi)})
			return nil
		})
		idx.Close()
		if err != nil {
			return "", err
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].id[:], entries[j].id[:]) < 0
	})

	f, err := os.CreateTemp(dir, "tmp-*.midx")
	if err != nil {
		return "", fmt.Errorf("create midx temp: %w", err)
	}
	sha := sha1cd.New()
	w := bufio.NewWriter(io.MultiWriter(f, sha))
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write midx: %w", err)
	}

	var u32 [4]byte
	if _, err := w.Write(midxMagic); err != nil {
		return fail(err)
	}
	binary.BigEndian.PutUint32(u32[:], midxVersion)
	if _, err := w.Write(u32[:]); err != nil {
		return fail(err)
	}
	binary.BigEndian.PutUint32(u32[:], uint32(len(entries)))
	if _, err := w.Write(u32[:]); err != nil {
		return fail(err)
	}
	var fanout [256]uint32
	for _, e := range entries {
		fanout[e.id[0]]++
	}
	var sum uint32
	for i := 0; i < 256; i++ {
		sum += fanout[i]
		binary.BigEndian.PutUint32(u32[:], sum)
		if _, err := w.Write(u32[:]); err != nil {
			return fail(err)
		}
	}
	for _, e := range entries {
		if _, err := w.Write(e.id[:]); err != nil {
			return fail(err)
		}
	}
	for _, e := range entries {
		binary.BigEndian.PutUint32(u32[:], e.pack)
		if _, err := w.Write(u32[:]); err != nil {
			return fail(err)
		}
	}
	for _, name := range names {
		if _, err := w.WriteString(name); err != nil {
			return fail(err)
		}
		if err := w.WriteByte(0); err != nil {
			return fail(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	var midxSHA objects.ID
	sha.Sum(midxSHA[:0])
	if _, err := f.Write(midxSHA[:]); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		return fail(err)
	}

	old, _ := filepath.Glob(filepath.Join(dir, "midx-*.midx"))
	path := filepath.Join(dir, "midx-"+midxSHA.String()+".midx")
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("publish midx: %w", err)
	}
	for _, stale := range old {
		if stale != path {
			os.Remove(stale)
		}
	}
	return path, nil
}

// AutoMidx rebuilds the union index when at least threshold idx files are
// not covered by the current midx. Any monotonic trigger keeps lookups
// bounded; this one matches the write path's cadence.
func AutoMidx(dir string, threshold int) error {
	idxPaths, err := filepath.Glob(filepath.Join(dir, "pack-*.idx"))
	if err != nil {
		return err
	}
	covered := make(map[string]bool)
	midxPaths, _ := filepath.Glob(filepath.Join(dir, "midx-*.midx"))
	for _, mp := range midxPaths {
		m, err := OpenMidx(mp)
		if err != nil {
			continue // stale or corrupt midx; the rebuild replaces it
		}
		for _, name := range m.IdxNames() {
			covered[name] = true
		}
		m.Close()
	}
	uncovered := 0
	for _, p := range idxPaths {
		if !covered[filepath.Base(p)] {
			uncovered++
		}
	}
	if uncovered < threshold {
		return nil
	}
	sort.Strings(idxPaths)
	_, err = WriteMidx(dir, idxPaths)
	return err
}

// Midx is a memory-mapped reader over one midx file.
type Midx struct {
	path    string
	m       []byte
	n       uint32
	hashOfs int
	packOfs int
	names   []string
}

// OpenMidx maps a midx file and parses its pack name table.
func OpenMidx(path string) (*Midx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerSize := 4 + 4 + 4 + 256*4
	if st.Size() < int64(headerSize+objects.IDSize) {
		return nil, fmt.Errorf("%w: midx %s truncated", ErrCorrupt, path)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap midx %s: %w", path, err)
	}
	mx := &Midx{path: path, m: m}
	if !bytes.Equal(m[:4], midxMagic) || binary.BigEndian.Uint32(m[4:8]) != midxVersion {
		mx.Close()
		return nil, fmt.Errorf("%w: midx %s bad magic or version", ErrCorrupt, path)
	}
	mx.n = binary.BigEndian.Uint32(m[8:12])
	mx.hashOfs = headerSize
	mx.packOfs = mx.hashOfs + int(mx.n)*objects.IDSize
	nameOfs := mx.packOfs + int(mx.n)*4
	if nameOfs+objects.IDSize > len(m) {
		mx.Close()
		return nil, fmt.Errorf("%w: midx %s shorter than its count claims", ErrCorrupt, path)
	}
	nameBytes := m[nameOfs : len(m)-objects.IDSize]
	for _, name := range strings.Split(string(nameBytes), "\x00") {
		if name != "" {
			mx.names = append(mx.names, name)
		}
	}
	return mx, nil
}

// Close unmaps the file.
func (mx *Midx) Close() error {
	if mx.m == nil {
		return nil
	}
	m := mx.m
	mx.m = nil
	return unix.Munmap(m)
}

// Name returns the midx basename.
func (mx *Midx) Name() string {
	return filepath.Base(mx.path)
}

// Len returns the number of indexed objects.
func (mx *Midx) Len() int {
	return int(mx.n)
}

// IdxNames lists the idx basenames this midx covers.
func (mx *Midx) IdxNames() []string {
	return mx.names
}

// find locates id's position, or -1.
func (mx *Midx) find(id objects.ID) int {
	fan := mx.m[12 : 12+256*4]
	lo := 0
	if id[0] > 0 {
		lo = int(binary.BigEndian.Uint32(fan[(int(id[0])-1)*4:]))
	}
	hi := int(binary.BigEndian.Uint32(fan[int(id[0])*4:]))
	i := lo + sort.Search(hi-lo, func(i int) bool {
		probe := mx.m[mx.hashOfs+(lo+i)*objects.IDSize:]
		return bytes.Compare(probe[:objects.IDSize], id[:]) >= 0
	})
	if i < hi {
		probe := mx.m[mx.hashOfs+i*objects.IDSize:]
		if bytes.Equal(probe[:objects.IDSize], id[:]) {
			return i
		}
	}
	return -1
}

// Contains reports membership of id.
func (mx *Midx) Contains(id objects.ID) bool {
	return mx.find(id) >= 0
}

// Source returns the basename of the idx holding id.
func (mx *Midx) Source(id objects.ID) (string, bool) {
	i := mx.find(id)
	if i < 0 {
		return "", false
	}
	pi := binary.BigEndian.Uint32(mx.m[mx.packOfs+i*4:])
	if int(pi) >= len(mx.names) {
		return "", false
	}
	return mx.names[pi], true
}
