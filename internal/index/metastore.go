package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"lukechampine.com/blake3"
)

// The metadata store is the side file ("bupindex.meta") the index keeps
// richer per-path metadata in. It is append-only: a record's byte offset
// is its permanent handle, stable across index merges. Offset 0 falls on
// the file magic and therefore means "no metadata".
//
// Frame layout: u32 payload-len | blake3-128 of payload | payload.
var metaMagic = []byte{'B', 'U', 'P', 'M'}

const metaFrameHeader = 4 + 16

// ErrNoMeta is returned for the reserved zero offset.
var ErrNoMeta = errors.New("no metadata recorded")

// MetaWriter appends records to a metadata store, creating it on first
// use.
type MetaWriter struct {
	f   *os.File
	ofs uint64
}

// OpenMetaWriter opens (or creates) the store at path for appending.
func OpenMetaWriter(path string) (*MetaWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	ofs := uint64(st.Size())
	if ofs == 0 {
		if _, err := f.Write(metaMagic); err != nil {
			f.Close()
			return nil, fmt.Errorf("init meta store: %w", err)
		}
		ofs = uint64(len(metaMagic))
	} else if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, err
	}
	return &MetaWriter{f: f, ofs: ofs}, nil
}

// Store appends one record and returns its handle.
func (w *MetaWriter) Store(payload []byte) (uint64, error) {
	frame := make([]byte, metaFrameHeader+len(payload))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(payload)))
	sum := blake3.Sum256(payload)
	copy(frame[4:20], sum[:16])
	copy(frame[20:], payload)
	ofs := w.ofs
	if _, err := w.f.Write(frame); err != nil {
		return 0, fmt.Errorf("append meta record: %w", err)
	}
	w.ofs += uint64(len(frame))
	return ofs, nil
}

// Close flushes and closes the store.
func (w *MetaWriter) Close() error {
	return w.f.Close()
}

// MetaReader reads records back by handle.
type MetaReader struct {
	f *os.File
}

// OpenMetaReader opens the store at path for reading.
func OpenMetaReader(path string) (*MetaReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	return &MetaReader{f: f}, nil
}

// ReadAt decodes the record at the given handle, verifying its checksum.
func (r *MetaReader) ReadAt(ofs uint64) ([]byte, error) {
	if ofs == 0 {
		return nil, ErrNoMeta
	}
	var hdr [metaFrameHeader]byte
	if _, err := r.f.ReadAt(hdr[:], int64(ofs)); err != nil {
		return nil, fmt.Errorf("read meta record @%d: %w", ofs, err)
	}
	n := binary.BigEndian.Uint32(hdr[0:])
	payload := make([]byte, n)
	if _, err := r.f.ReadAt(payload, int64(ofs)+metaFrameHeader); err != nil {
		return nil, fmt.Errorf("read meta record @%d: %w", ofs, err)
	}
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:16], hdr[4:20]) {
		return nil, fmt.Errorf("%w: meta record @%d checksum mismatch", ErrInvalid, ofs)
	}
	return payload, nil
}

// Close closes the store.
func (r *MetaReader) Close() error {
	return r.f.Close()
}
