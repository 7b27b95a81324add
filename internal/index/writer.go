package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// Writer builds a new index file under a temporary name and publishes it
// by rename on Close, so readers of the prior index are never disturbed.
//
// Entries must be added in on-disk order: reverse-lexicographic, which
// means every directory arrives after its descendants. The root sentinel
// "/" is emitted by Close. Child ranges are computed from the recorded
// entry offsets and patched into directory entries before the rename.
type Writer struct {
	path    string
	tmp     *os.File
	buf     *bufio.Writer
	sum     *blake3.Hasher
	ofs     uint64
	names   []string
	offsets []uint64
	last    string
	closed  bool
}

// NewWriter starts a new index that will be published at path.
func NewWriter(path string) (*Writer, error) {
	tmp, err := os.CreateTemp(dirOf(path), "tmp-index-*")
	if err != nil {
		return nil, fmt.Errorf("create index temp: %w", err)
	}
	w := &Writer{
		path: path,
		tmp:  tmp,
		buf:  bufio.NewWriterSize(tmp, 1<<16),
		sum:  blake3.New(32, nil),
	}
	hdr := make([]byte, indexHeaderSize)
	copy(hdr, indexMagic)
	binary.BigEndian.PutUint32(hdr[4:], indexVersion)
	if _, err := w.buf.Write(hdr); err != nil {
		w.Abort()
		return nil, fmt.Errorf("write index header: %w", err)
	}
	w.ofs = indexHeaderSize
	return w, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

// Add appends one entry. The path must sort strictly before the previous
// one in on-disk (descending) order and must be absolute.
func (w *Writer) Add(e Entry) error {
	if len(e.Name) == 0 || e.Name[0] != '/' {
		return fmt.Errorf("index entry %q: path must be absolute", e.Name)
	}
	if e.Name == "/" {
		return fmt.Errorf("the root sentinel is written by Close")
	}
	if w.last != "" && !fileOrderBefore(w.last, e.Name) {
		return fmt.Errorf("%w: %q added after %q", ErrInvalid, e.Name, w.last)
	}
	w.last = e.Name
	return w.write(e)
}

// write serializes one entry at the current offset. Child ranges always
// start zeroed; Close patches in the real values.
func (w *Writer) write(e Entry) error {
	e.ChildOfs, e.ChildN = 0, 0
	w.names = append(w.names, e.Name)
	w.offsets = append(w.offsets, w.ofs)

	if _, err := w.buf.WriteString(e.Name); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	if err := w.buf.WriteByte(0); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	fixed := e.encodeFixed()
	if _, err := w.buf.Write(fixed[:]); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	w.ofs += uint64(len(e.Name)) + 1 + entryFixedSize
	return nil
}

// Close emits the root sentinel, patches directory child ranges, writes
// the footer and atomically publishes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	root := Entry{Name: "/", Mode: modeDirDefault}
	if err := w.write(root); err != nil {
		w.abortLocked()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.abortLocked()
		return fmt.Errorf("flush index: %w", err)
	}

	// Child ranges: entry i's descendants are the contiguous run of
	// earlier entries prefixed by its name. Patch them in place.
	sentinelOfs := w.offsets[len(w.offsets)-1]
	for i, name := range w.names {
		if !strings.HasSuffix(name, "/") {
			continue
		}
		prefix := name
		if name == "/" {
			prefix = "" // the root's block is everything
		}
		first := i
		for first > 0 && strings.HasPrefix(w.names[first-1], prefix) {
			first--
		}
		if first == i {
			continue
		}
		fixedOfs := int64(w.offsets[i]) + int64(len(name)) + 1
		var patch [12]byte
		binary.BigEndian.PutUint64(patch[0:], w.offsets[first])
		binary.BigEndian.PutUint32(patch[8:], uint32(i-first))
		if _, err := w.tmp.WriteAt(patch[:], fixedOfs+entryChildOfs); err != nil {
			w.abortLocked()
			return fmt.Errorf("patch child range: %w", err)
		}
	}

	// Footer checksum covers the entry region as patched.
	w.sum.Reset()
	if err := hashRegion(w.tmp, w.sum, indexHeaderSize, int64(w.ofs)); err != nil {
		w.abortLocked()
		return fmt.Errorf("checksum index: %w", err)
	}

	footer := make([]byte, indexFooterSize)
	binary.BigEndian.PutUint64(footer[0:], uint64(len(w.names)))
	binary.BigEndian.PutUint64(footer[8:], sentinelOfs)
	w.sum.Sum(footer[16:16])
	if _, err := w.tmp.WriteAt(footer, int64(w.ofs)); err != nil {
		w.abortLocked()
		return fmt.Errorf("write index footer: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}

// Abort discards the partial index.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.abortLocked()
}

func (w *Writer) abortLocked() {
	name := w.tmp.Name()
	w.tmp.Close()
	os.Remove(name)
}

// hashRegion feeds the byte range [start, end) of f into sum.
func hashRegion(f io.ReaderAt, sum io.Writer, start, end int64) error {
	_, err := io.Copy(sum, io.NewSectionReader(f, start, end-start))
	return err
}
