// Package pack implements the append-only pack files objects live in, the
// sorted index beside each pack, the union index across packs, and the
// membership cache the write path dedupes through.
//
// Pack layout: "PACK" | u32 version=2 | u32 object-count | records |
// SHA-1 trailer. Each record is a varint header carrying the object type
// and uncompressed size, followed by a deflate stream of the canonical
// payload.
package pack

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/keeper-backup/keeper/internal/objects"
)

var packMagic = []byte{'P', 'A', 'C', 'K'}

const packVersion = 2

// recordType maps object kinds onto the type codes stored in record
// headers. The codes match the pack format's fixed assignments.
func recordType(kind objects.Kind) (int, error) {
	switch kind {
	case objects.KindCommit:
		return 1, nil
	case objects.KindTree:
		return 2, nil
	case objects.KindBlob:
		return 3, nil
	}
	return 0, fmt.Errorf("kind %s not storable in a pack", kind)
}

func kindFromType(t int) (objects.Kind, error) {
	switch t {
	case 1:
		return objects.KindCommit, nil
	case 2:
		return objects.KindTree, nil
	case 3:
		return objects.KindBlob, nil
	}
	return 0, fmt.Errorf("unknown record type %d", t)
}

// writeRecordHeader emits the varint header: type in bits 4..6 of the
// first byte, size in the low nibble then 7 bits per continuation byte.
func writeRecordHeader(w io.Writer, typ int, size uint64) error {
	b := byte((typ&7)<<4) | byte(size&0x0f)
	size >>= 4
	if size != 0 {
		b |= 0x80
	}
	if _, err := w.Write([]byte{b}); err != nil {
		return err
	}
	for size != 0 {
		c := byte(size & 0x7f)
		size >>= 7
		if size != 0 {
			c |= 0x80
		}
		if _, err := w.Write([]byte{c}); err != nil {
			return err
		}
	}
	return nil
}

// readRecordHeader parses a varint record header from r.
func readRecordHeader(r io.ByteReader) (typ int, size uint64, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	typ = int(b >> 4 & 7)
	size = uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// EncodeRecord renders one complete pack record: header plus deflated
// payload. The returned bytes are what travels over the wire during
// receive-objects and what lands in the pack file.
func EncodeRecord(kind objects.Kind, payload []byte) ([]byte, error) {
	typ, err := recordType(kind)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeRecordHeader(&buf, typ, uint64(len(payload))); err != nil {
		return nil, err
	}
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RecordCRC is the checksum stored in pack indices: CRC-32 (IEEE) of the
// full record bytes as they sit in the pack.
func RecordCRC(record []byte) uint32 {
	return crc32.ChecksumIEEE(record)
}

// decodeRecord parses a record read from a pack at a known offset.
func decodeRecord(r io.Reader) (objects.Kind, []byte, error) {
	br, ok := r.(interface {
		io.ByteReader
		io.Reader
	})
	if !ok {
		return 0, nil, fmt.Errorf("record reader must support byte reads")
	}
	typ, size, err := readRecordHeader(br)
	if err != nil {
		return 0, nil, fmt.Errorf("record header: %w", err)
	}
	kind, err := kindFromType(typ)
	if err != nil {
		return 0, nil, err
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return 0, nil, fmt.Errorf("record deflate stream: %w", err)
	}
	defer zr.Close()
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return 0, nil, fmt.Errorf("record payload: %w", err)
	}
	return kind, payload, nil
}
