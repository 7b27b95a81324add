package pack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pjbgf/sha1cd"
	"golang.org/x/sys/unix"

	"github.com/keeper-backup/keeper/internal/objects"
)

// Idx format version 2:
//
//	"\377tOc" | u32 version=2 | fanout[256]u32 | hashes[n]20B |
//	crc32s[n]u32 | offsets[n]u32 | offsets64[m]u64 |
//	pack_sha1[20] | idx_sha1[20]
//
// fanout[b] counts objects whose first id byte is <= b. A 32-bit offset
// with the high bit set indexes the 64-bit spill table instead.
var idxMagic = []byte{0xff, 't', 'O', 'c'}

const (
	idxVersion     = 2
	idxOfs64Flag   = 0x80000000
	idxHeaderSize  = 4 + 4 + 256*4
	idxTrailerSize = 2 * objects.IDSize
)

// ErrCorrupt marks trailer or structure mismatches in pack artifacts.
// Corruption is surfaced, never repaired.
var ErrCorrupt = errors.New("pack corrupt")

// writeIdxFile renders the sorted entries of one pack into path.
func writeIdxFile(path string, entries []idxEntry, packSHA objects.ID) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create idx: %w", err)
	}
	sha := sha1cd.New()
	w := bufio.NewWriter(io.MultiWriter(f, sha))

	writeErr := func(err error) error {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write idx: %w", err)
	}

	if _, err := w.Write(idxMagic); err != nil {
		return writeErr(err)
	}
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], idxVersion)
	if _, err := w.Write(u32[:]); err != nil {
		return writeErr(err)
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
			return writeErr(err)
		}
	}
	for _, e := range entries {
		if _, err := w.Write(e.id[:]); err != nil {
			return writeErr(err)
		}
	}
	for _, e := range entries {
		binary.BigEndian.PutUint32(u32[:], e.crc)
		if _, err := w.Write(u32[:]); err != nil {
			return writeErr(err)
		}
	}
	var ofs64 []uint64
	for _, e := range entries {
		v := uint32(e.ofs)
		if e.ofs >= idxOfs64Flag {
			v = idxOfs64Flag | uint32(len(ofs64))
			ofs64 = append(ofs64, e.ofs)
		}
		binary.BigEndian.PutUint32(u32[:], v)
		if _, err := w.Write(u32[:]); err != nil {
			return writeErr(err)
		}
	}
	var u64 [8]byte
	for _, v := range ofs64 {
		binary.BigEndian.PutUint64(u64[:], v)
		if _, err := w.Write(u64[:]); err != nil {
			return writeErr(err)
		}
	}
	if _, err := w.Write(packSHA[:]); err != nil {
		return writeErr(err)
	}
	if err := w.Flush(); err != nil {
		return writeErr(err)
	}

	var idxSHA objects.ID
	sha.Sum(idxSHA[:0])
	if _, err := f.Write(idxSHA[:]); err != nil {
		return writeErr(err)
	}
	if err := f.Close(); err != nil {
		return writeErr(err)
	}
	return nil
}

// Idx is a memory-mapped reader over one pack-<sha>.idx file.
type Idx struct {
	path string
	m    []byte
	n    uint32
	// Section offsets within the map.
	hashOfs  int
	crcOfs   int
	ofsOfs   int
	ofs64Ofs int
}

// OpenIdx maps an idx file and validates its structure and trailer length.
func OpenIdx(path string) (*Idx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < idxHeaderSize+idxTrailerSize {
		return nil, fmt.Errorf("%w: idx %s truncated", ErrCorrupt, path)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap idx %s: %w", path, err)
	}
	idx := &Idx{path: path, m: m}
	if !bytes.Equal(m[:4], idxMagic) || binary.BigEndian.Uint32(m[4:8]) != idxVersion {
		idx.Close()
		return nil, fmt.Errorf("%w: idx %s bad magic or version", ErrCorrupt, path)
	}
	idx.n = binary.BigEndian.Uint32(m[idxHeaderSize-4 : idxHeaderSize])
	idx.hashOfs = idxHeaderSize
	idx.crcOfs = idx.hashOfs + int(idx.n)*objects.IDSize
	idx.ofsOfs = idx.crcOfs + int(idx.n)*4
	idx.ofs64Ofs = idx.ofsOfs + int(idx.n)*4
	if idx.ofs64Ofs+idxTrailerSize > len(m) {
		idx.Close()
		return nil, fmt.Errorf("%w: idx %s shorter than its fanout claims", ErrCorrupt, path)
	}
	return idx, nil
}

// Close unmaps the file.
func (x *Idx) Close() error {
	if x.m == nil {
		return nil
	}
	m := x.m
	x.m = nil
	return unix.Munmap(m)
}

// Name returns the idx basename, the form index suggestions use.
func (x *Idx) Name() string {
	return filepath.Base(x.path)
}

// Len returns the number of objects indexed.
func (x *Idx) Len() int {
	return int(x.n)
}

// PackSHA returns the id of the pack this idx describes.
func (x *Idx) PackSHA() objects.ID {
	var id objects.ID
	copy(id[:], x.m[len(x.m)-idxTrailerSize:])
	return id
}

// IdxSHA returns the idx file's own trailer checksum.
func (x *Idx) IdxSHA() objects.ID {
	var id objects.ID
	copy(id[:], x.m[len(x.m)-objects.IDSize:])
	return id
}

// entryID returns the i-th id in sorted order.
func (x *Idx) entryID(i int) objects.ID {
	var id objects.ID
	copy(id[:], x.m[x.hashOfs+i*objects.IDSize:])
	return id
}

// bucket returns the sorted-id range [lo, hi) sharing the first byte b.
func (x *Idx) bucket(b byte) (lo, hi int) {
	fan := x.m[8 : 8+256*4]
	if b > 0 {
		lo = int(binary.BigEndian.Uint32(fan[(int(b)-1)*4:]))
	}
	hi = int(binary.BigEndian.Uint32(fan[int(b)*4:]))
	return lo, hi
}

// find locates id's position, or -1.
func (x *Idx) find(id objects.ID) int {
	lo, hi := x.bucket(id[0])
	i := lo + sort.Search(hi-lo, func(i int) bool {
		probe := x.m[x.hashOfs+(lo+i)*objects.IDSize:]
		return bytes.Compare(probe[:objects.IDSize], id[:]) >= 0
	})
	if i < hi && x.entryID(i) == id {
		return i
	}
	return -1
}

// Contains reports membership of id.
func (x *Idx) Contains(id objects.ID) bool {
	return x.find(id) >= 0
}

// Find returns the pack offset and record CRC of id.
func (x *Idx) Find(id objects.ID) (ofs uint64, crc uint32, ok bool) {
	i := x.find(id)
	if i < 0 {
		return 0, 0, false
	}
	crc = binary.BigEndian.Uint32(x.m[x.crcOfs+i*4:])
	v := binary.BigEndian.Uint32(x.m[x.ofsOfs+i*4:])
	if v&idxOfs64Flag != 0 {
		j := int(v &^ idxOfs64Flag)
		ofs = binary.BigEndian.Uint64(x.m[x.ofs64Ofs+j*8:])
	} else {
		ofs = uint64(v)
	}
	return ofs, crc, true
}

// IDs calls fn for every id in sorted order.
func (x *Idx) IDs(fn func(objects.ID) error) error {
	for i := 0; i < int(x.n); i++ {
		if err := fn(x.entryID(i)); err != nil {
			return err
		}
	}
	return nil
}
