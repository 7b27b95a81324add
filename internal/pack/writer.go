package pack

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pjbgf/sha1cd"

	"github.com/keeper-backup/keeper/internal/objects"
)

// MaxPackSize is the staging threshold: once the open pack grows past it,
// the writer seals the pack and starts a new one.
const MaxPackSize = 1 << 30

// idxEntry is the bookkeeping the writer keeps per staged object.
type idxEntry struct {
	id  objects.ID
	ofs uint64
	crc uint32
}

// Writer stages objects into a temporary pack file and seals it into a
// pack-<sha>.pack / pack-<sha>.idx pair on Close. Partial packs are never
// visible: staging happens under tmp- names and both files move into
// place by rename.
//
// Writer methods must not be called concurrently.
type Writer struct {
	dir     string // objects/pack directory
	cache   *Cache
	runMidx bool
	maxSize uint64

	file    *os.File
	buf     *bufio.Writer
	ofs     uint64
	entries []idxEntry
	pending map[objects.ID]bool

	// Count survives pack breaks so callers see the session total.
	Count uint64
}

// NewWriter returns a Writer for the given pack directory. The cache is
// consulted for dedupe and refreshed after every sealed pack; runMidx
// controls whether sealing may also rebuild the union index.
func NewWriter(dir string, cache *Cache, runMidx bool) *Writer {
	return &Writer{
		dir:     dir,
		cache:   cache,
		runMidx: runMidx,
		maxSize: MaxPackSize,
		pending: make(map[objects.ID]bool),
	}
}

// open creates the temporary pack file and writes its header with a zero
// object count; the real count is patched in at seal time.
func (w *Writer) open() error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create pack dir: %w", err)
	}
	f, err := os.CreateTemp(w.dir, "tmp-*.pack")
	if err != nil {
		return fmt.Errorf("create pack temp: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 1<<16)
	hdr := make([]byte, 12)
	copy(hdr, packMagic)
	binary.BigEndian.PutUint32(hdr[4:], packVersion)
	if _, err := w.buf.Write(hdr); err != nil {
		w.Abort()
		return fmt.Errorf("write pack header: %w", err)
	}
	w.ofs = 12
	w.entries = nil
	return nil
}

// Add stores one object, returning its id. Objects already present in a
// known pack, or already staged, are not written again.
func (w *Writer) Add(kind objects.Kind, payload []byte) (objects.ID, error) {
	id := objects.Sum(kind, payload)
	if w.pending[id] {
		return id, nil
	}
	if w.cache != nil {
		if _, ok := w.cache.Exists(id); ok {
			return id, nil
		}
	}
	record, err := EncodeRecord(kind, payload)
	if err != nil {
		return objects.ZeroID, err
	}
	if _, err := w.RawWrite(id, record); err != nil {
		return objects.ZeroID, err
	}
	return id, nil
}

// RawWrite appends an already-encoded record under the given id and
// returns its CRC. The caller vouches that id matches the record payload;
// the receive path uses this to land wire records without recompressing.
func (w *Writer) RawWrite(id objects.ID, record []byte) (uint32, error) {
	if err := w.open(); err != nil {
		return 0, err
	}
	crc := RecordCRC(record)
	if _, err := w.buf.Write(record); err != nil {
		w.Abort()
		return 0, fmt.Errorf("write pack record: %w", err)
	}
	w.entries = append(w.entries, idxEntry{id: id, ofs: w.ofs, crc: crc})
	w.ofs += uint64(len(record))
	w.pending[id] = true
	w.Count++

	if w.ofs >= w.maxSize {
		if _, err := w.seal(); err != nil {
			return 0, err
		}
	}
	return crc, nil
}

// Exists reports whether the object is already staged or stored. When the
// object lives in a sealed pack the source is that pack's idx basename,
// suitable for suggesting to a peer.
func (w *Writer) Exists(id objects.ID, wantSource bool) (source string, ok bool) {
	if w.pending[id] {
		return "", true
	}
	if w.cache == nil {
		return "", false
	}
	src, ok := w.cache.Exists(id)
	if !ok {
		return "", false
	}
	if wantSource {
		return src, true
	}
	return "", true
}

// Close seals any open pack and returns the path of the final pack file,
// or "" if nothing was written since the last seal.
func (w *Writer) Close() (string, error) {
	return w.seal()
}

// seal finalizes the open pack: patches the object count, appends the
// SHA-1 trailer, writes the companion idx, and renames both into place.
func (w *Writer) seal() (string, error) {
	if w.file == nil {
		return "", nil
	}
	file, buf, entries := w.file, w.buf, w.entries
	w.file, w.buf, w.entries = nil, nil, nil
	w.pending = make(map[objects.ID]bool)

	fail := func(err error) (string, error) {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}

	if err := buf.Flush(); err != nil {
		return fail(fmt.Errorf("flush pack: %w", err))
	}
	if len(entries) == 0 {
		file.Close()
		os.Remove(file.Name())
		return "", nil
	}
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(entries)))
	if _, err := file.WriteAt(count, 8); err != nil {
		return fail(fmt.Errorf("patch pack count: %w", err))
	}

	// The trailer covers the patched header, so hash the file back.
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind pack: %w", err))
	}
	sha := sha1cd.New()
	if _, err := io.Copy(sha, file); err != nil {
		return fail(fmt.Errorf("hash pack: %w", err))
	}
	var packSHA objects.ID
	sha.Sum(packSHA[:0])
	if _, err := file.Write(packSHA[:]); err != nil {
		return fail(fmt.Errorf("write pack trailer: %w", err))
	}
	if err := file.Close(); err != nil {
		return fail(fmt.Errorf("close pack: %w", err))
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes20Less(entries[i].id, entries[j].id)
	})

	base := "pack-" + packSHA.String()
	idxTmp := file.Name()[:len(file.Name())-len(".pack")] + ".idx"
	if err := writeIdxFile(idxTmp, entries, packSHA); err != nil {
		os.Remove(file.Name())
		return "", err
	}

	packPath := filepath.Join(w.dir, base+".pack")
	idxPath := filepath.Join(w.dir, base+".idx")
	if err := os.Rename(file.Name(), packPath); err != nil {
		os.Remove(file.Name())
		os.Remove(idxTmp)
		return "", fmt.Errorf("publish pack: %w", err)
	}
	if err := os.Rename(idxTmp, idxPath); err != nil {
		os.Remove(idxTmp)
		return "", fmt.Errorf("publish idx: %w", err)
	}

	if w.cache != nil {
		if w.runMidx {
			if err := AutoMidx(w.dir, DefaultMidxThreshold); err != nil {
				return "", err
			}
		}
		if err := w.cache.Refresh(); err != nil {
			return "", err
		}
	}
	return packPath, nil
}

// Abort discards the open pack, if any. Safe to call repeatedly.
func (w *Writer) Abort() {
	if w.file == nil {
		return
	}
	name := w.file.Name()
	w.file.Close()
	os.Remove(name)
	w.file, w.buf, w.entries = nil, nil, nil
	w.pending = make(map[objects.ID]bool)
}

// bytes20Less orders two ids bytewise.
func bytes20Less(a, b objects.ID) bool {
	for i := 0; i < objects.IDSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
